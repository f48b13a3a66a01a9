package domain

import (
	"fmt"
	"time"
)

type Slot string

const (
	SlotMorning    Slot = "MORNING"
	SlotAfternoon1 Slot = "AFTERNOON_1"
	SlotAfternoon2 Slot = "AFTERNOON_2"
	SlotAfternoon3 Slot = "AFTERNOON_3"
)

// AllSlots 的顺序就是一天内时段的先后顺序
var AllSlots = []Slot{SlotMorning, SlotAfternoon1, SlotAfternoon2, SlotAfternoon3}

// AfternoonSlots 是批量屏蔽/解除屏蔽操作的作用范围
var AfternoonSlots = []Slot{SlotAfternoon1, SlotAfternoon2, SlotAfternoon3}

func ParseSlot(s string) (Slot, error) {
	switch Slot(s) {
	case SlotMorning, SlotAfternoon1, SlotAfternoon2, SlotAfternoon3:
		return Slot(s), nil
	default:
		return "", fmt.Errorf("无效的时段: %s", s)
	}
}

type ShiftState string

const (
	ShiftStateFree     ShiftState = "FREE"
	ShiftStateBlocked  ShiftState = "BLOCKED"
	ShiftStateAssigned ShiftState = "ASSIGNED"
)

// TourRef 是对外部团的弱引用，只缓存展示用字段，权威数据始终在外部日历中
type TourRef struct {
	EventID     string `json:"eventID"`
	DisplayName string `json:"displayName"`
}

type Shift struct {
	ID        int64      `json:"id"`
	GuideID   int64      `json:"guideID"`
	Date      time.Time  `json:"date"`
	Slot      Slot       `json:"slot"`
	State     ShiftState `json:"state"`
	Tour      *TourRef   `json:"tour,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Version   int32      `json:"-"`
}

// DateOnly 将时间截断到日期，所有班次的 Date 都应该用它规范化
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
