package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
)

// Client 是外部团日历 HTTP API 的客户端实现
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL string, apiKey string, requestTimeout int) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(requestTimeout) * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("日历接口返回 %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) TourForSlot(ctx context.Context, date time.Time, slot domain.Slot) (*domain.Tour, error) {
	query := url.Values{}
	query.Set("date", date.Format("2006-01-02"))
	query.Set("slot", string(slot))

	var res struct {
		Exists      bool   `json:"exists"`
		EventID     string `json:"eventId"`
		DisplayName string `json:"displayName"`
		PartySize   int32  `json:"partySize"`
		Cancelled   bool   `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tours", query, nil, &res); err != nil {
		return nil, err
	}

	if !res.Exists || res.Cancelled {
		return nil, nil
	}

	return &domain.Tour{
		EventID:     res.EventID,
		Date:        domain.DateOnly(date),
		Slot:        slot,
		DisplayName: res.DisplayName,
		PartySize:   res.PartySize,
	}, nil
}

func (c *Client) IsCancelled(ctx context.Context, eventID string) (bool, error) {
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events/"+url.PathEscape(eventID), nil, nil, &res); err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

func (c *Client) CancelledFlags(ctx context.Context, eventIDs []string) (map[string]bool, error) {
	flags := make(map[string]bool, len(eventIDs))

	// 对方的批量接口单次最多接受 BatchCeiling 个 ID，必须分块请求
	for start := 0; start < len(eventIDs); start += BatchCeiling {
		end := min(start+BatchCeiling, len(eventIDs))

		reqBody := struct {
			EventIDs []string `json:"eventIds"`
		}{EventIDs: eventIDs[start:end]}

		var res struct {
			Events []struct {
				EventID   string `json:"eventId"`
				Cancelled bool   `json:"cancelled"`
			} `json:"events"`
		}
		if err := c.do(ctx, http.MethodPost, "/api/v1/events/batch-status", nil, reqBody, &res); err != nil {
			return nil, err
		}

		for _, ev := range res.Events {
			flags[ev.EventID] = ev.Cancelled
		}
	}

	return flags, nil
}

func (c *Client) AddParticipant(ctx context.Context, eventID string, email string) error {
	reqBody := struct {
		Email string `json:"email"`
	}{Email: email}

	return c.do(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(eventID)+"/participants", nil, reqBody, nil)
}

func (c *Client) RemoveParticipant(ctx context.Context, eventID string, email string) error {
	query := url.Values{}
	query.Set("email", email)

	return c.do(ctx, http.MethodDelete, "/api/v1/events/"+url.PathEscape(eventID)+"/participants", query, nil, nil)
}
