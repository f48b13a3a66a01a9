package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTourForSlot(t *testing.T) {
	date := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)

	t.Run("存在未取消的团", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/tours", r.URL.Path)
			assert.Equal(t, "2026-09-15", r.URL.Query().Get("date"))
			assert.Equal(t, "MORNING", r.URL.Query().Get("slot"))
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			json.NewEncoder(w).Encode(map[string]any{
				"exists":      true,
				"eventId":     "evt-1",
				"displayName": "故宫一日游",
				"partySize":   20,
				"cancelled":   false,
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "test-key", 5)
		tour, err := client.TourForSlot(context.Background(), date, domain.SlotMorning)
		require.NoError(t, err)
		require.NotNil(t, tour)
		assert.Equal(t, "evt-1", tour.EventID)
		assert.Equal(t, "故宫一日游", tour.DisplayName)
		assert.Equal(t, int32(20), tour.PartySize)
	})

	t.Run("该时段没有团时返回 nil", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"exists": false})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "test-key", 5)
		tour, err := client.TourForSlot(context.Background(), date, domain.SlotMorning)
		require.NoError(t, err)
		assert.Nil(t, tour)
	})

	t.Run("已取消的团视为不存在", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"exists":    true,
				"eventId":   "evt-1",
				"cancelled": true,
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "test-key", 5)
		tour, err := client.TourForSlot(context.Background(), date, domain.SlotMorning)
		require.NoError(t, err)
		assert.Nil(t, tour)
	})

	t.Run("非 2xx 响应返回错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "test-key", 5)
		_, err := client.TourForSlot(context.Background(), date, domain.SlotMorning)
		assert.Error(t, err)
	})
}

func TestCancelledFlags(t *testing.T) {
	t.Run("超过单次上限时按上限分块请求", func(t *testing.T) {
		var batchSizes []int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/events/batch-status", r.URL.Path)

			var req struct {
				EventIDs []string `json:"eventIds"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			batchSizes = append(batchSizes, len(req.EventIDs))

			events := make([]map[string]any, 0, len(req.EventIDs))
			for _, id := range req.EventIDs {
				events = append(events, map[string]any{
					"eventId":   id,
					"cancelled": id == "evt-7",
				})
			}
			json.NewEncoder(w).Encode(map[string]any{"events": events})
		}))
		defer srv.Close()

		eventIDs := make([]string, 95)
		for i := range eventIDs {
			eventIDs[i] = fmt.Sprintf("evt-%d", i)
		}

		client := NewClient(srv.URL, "test-key", 5)
		flags, err := client.CancelledFlags(context.Background(), eventIDs)
		require.NoError(t, err)

		assert.Equal(t, []int{40, 40, 15}, batchSizes)
		assert.Len(t, flags, 95)
		assert.True(t, flags["evt-7"])
		assert.False(t, flags["evt-8"])
	})

	t.Run("空列表不发出请求", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("不应该有请求")
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "test-key", 5)
		flags, err := client.CancelledFlags(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, flags)
	})
}

func TestParticipants(t *testing.T) {
	t.Run("加入参与者", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/events/evt-1/participants", r.URL.Path)

			var req struct {
				Email string `json:"email"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "zhangsan@qihang.test", req.Email)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "test-key", 5)
		err := client.AddParticipant(context.Background(), "evt-1", "zhangsan@qihang.test")
		assert.NoError(t, err)
	})

	t.Run("移出参与者", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			assert.Equal(t, "/api/v1/events/evt-1/participants", r.URL.Path)
			assert.Equal(t, "zhangsan@qihang.test", r.URL.Query().Get("email"))
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "test-key", 5)
		err := client.RemoveParticipant(context.Background(), "evt-1", "zhangsan@qihang.test")
		assert.NoError(t, err)
	})
}
