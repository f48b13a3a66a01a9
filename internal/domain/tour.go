package domain

import "time"

// Tour 由外部日历系统管理，本系统只读取，不拥有
type Tour struct {
	EventID     string    `json:"eventID"`
	Date        time.Time `json:"date"`
	Slot        Slot      `json:"slot"`
	DisplayName string    `json:"displayName"`
	PartySize   int32     `json:"partySize"`
	Cancelled   bool      `json:"cancelled"`
}

func (t *Tour) Ref() *TourRef {
	return &TourRef{
		EventID:     t.EventID,
		DisplayName: t.DisplayName,
	}
}
