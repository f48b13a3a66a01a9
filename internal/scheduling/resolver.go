package scheduling

import (
	"context"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/qihang-tours/guide-scheduler/backend/internal/registry"
)

// ConflictResolver 决定一次分配/释放请求是否可以执行。
// 注意步骤 3 的跨导游扫描和之后的写入不在同一个原子操作里，
// 两个不同导游并发抢同一时段存在一个很窄的竞争窗口，
// 这是有意接受的取舍（见 DESIGN.md），对账任务和经理核对是兜底
type ConflictResolver struct {
	store ShiftStore
	users UserStore
	reg   registry.Registry
}

func NewConflictResolver(store ShiftStore, users UserStore, reg registry.Registry) *ConflictResolver {
	return &ConflictResolver{
		store: store,
		users: users,
		reg:   reg,
	}
}

// Authorization 是校验通过后返回的凭据，协调器必须原样使用其中的班次和团
type Authorization struct {
	Shift *domain.Shift
	Tour  *domain.TourRef
}

func (cr *ConflictResolver) Authorize(ctx context.Context, guideID int64, date time.Time, slot domain.Slot) (*Authorization, error) {
	// 1. 目标班次必须存在且处于 FREE 状态，BLOCKED 不允许直接分配
	shift, err := cr.store.GetShift(guideID, date, slot)
	if err != nil {
		return nil, err
	}
	if shift.State != domain.ShiftStateFree {
		return nil, domain.ErrShiftNotAvailable
	}

	// 2. 该时段必须存在未取消的团
	tour, err := cr.reg.TourForSlot(ctx, date, slot)
	if err != nil {
		return nil, err
	}
	if tour == nil {
		return nil, domain.ErrNoMatchingTour
	}

	// 3. 同一时段不允许有其他导游已被分配
	assigned, err := cr.store.ListAssignedByDateSlot(date, slot)
	if err != nil {
		return nil, err
	}
	for _, other := range assigned {
		if other.GuideID == guideID {
			continue
		}

		conflict := &domain.SlotConflictError{GuideID: other.GuideID}
		if u, err := cr.users.GetUserByID(other.GuideID); err == nil {
			conflict.GuideName = u.FullName
		}
		return nil, conflict
	}

	return &Authorization{Shift: shift, Tour: tour.Ref()}, nil
}

// AuthorizeRelease 校验班次当前确实分配给了指定导游
func (cr *ConflictResolver) AuthorizeRelease(ctx context.Context, guideID int64, date time.Time, slot domain.Slot) (*domain.Shift, error) {
	shift, err := cr.store.GetShift(guideID, date, slot)
	if err != nil {
		return nil, err
	}
	if shift.State != domain.ShiftStateAssigned {
		return nil, domain.ErrShiftNotAvailable
	}

	return shift, nil
}
