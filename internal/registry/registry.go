package registry

import (
	"context"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
)

// BatchCeiling 是外部日历批量接口单次允许的最大条目数。
// 这是对方的硬性限制，不是可调参数
const BatchCeiling = 40

// Registry 是外部团日历的契约。本系统只观察团的状态，
// 唯一的写操作是把导游加入/移出某个团的参与者列表
type Registry interface {
	// TourForSlot 查询某个日期时段是否存在未取消的团，不存在时返回 (nil, nil)
	TourForSlot(ctx context.Context, date time.Time, slot domain.Slot) (*domain.Tour, error)

	// IsCancelled 查询单个团当前的取消标记
	IsCancelled(ctx context.Context, eventID string) (bool, error)

	// CancelledFlags 批量查询取消标记，内部按 BatchCeiling 分块请求
	CancelledFlags(ctx context.Context, eventIDs []string) (map[string]bool, error)

	AddParticipant(ctx context.Context, eventID string, email string) error
	RemoveParticipant(ctx context.Context, eventID string, email string) error
}
