package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/qihang-tours/guide-scheduler/backend/internal/registry"
)

// Coordinator 把 ConflictResolver 的裁决落成持久状态，并处理外部日历副作用。
// 副作用采用两阶段策略：先完成内部状态写入（权威数据），
// 再尽力同步外部日历邀请，外部失败只作为警告透出，绝不回滚内部状态
type Coordinator struct {
	resolver *ConflictResolver
	store    ShiftStore
	users    UserStore
	reg      registry.Registry
	logger   *slog.Logger
}

func NewCoordinator(store ShiftStore, users UserStore, reg registry.Registry, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		resolver: NewConflictResolver(store, users, reg),
		store:    store,
		users:    users,
		reg:      reg,
		logger:   logger,
	}
}

// Result 把内部状态变更和外部副作用的结果分开返回，
// Warning 非空表示日历邀请同步失败，但班次状态已经生效
type Result struct {
	Shift   *domain.Shift `json:"shift"`
	Warning string        `json:"warning,omitempty"`
}

func (c *Coordinator) Assign(ctx context.Context, p domain.Principal, guideID int64, date time.Time, slot domain.Slot) (*Result, error) {
	if !p.IsManager() {
		return nil, domain.ErrPermissionDenied
	}

	auth, err := c.resolver.Authorize(ctx, guideID, date, slot)
	if err != nil {
		return nil, err
	}

	if err := c.store.SetShiftState(auth.Shift, domain.ShiftStateAssigned, auth.Tour); err != nil {
		return nil, err
	}

	res := &Result{Shift: auth.Shift}

	// 把导游加入团的参与者列表，失败不回滚
	guide, err := c.users.GetUserByID(guideID)
	if err == nil {
		err = c.reg.AddParticipant(ctx, auth.Tour.EventID, guide.Email)
	}
	if err != nil {
		sideErr := &domain.ExternalSideEffectError{Op: "addParticipant", Err: err}
		c.logger.Warn("日历邀请同步失败，班次分配已生效",
			"guideID", guideID, "eventID", auth.Tour.EventID, "error", err)
		res.Warning = sideErr.Error()
	}

	return res, nil
}

func (c *Coordinator) Release(ctx context.Context, p domain.Principal, guideID int64, date time.Time, slot domain.Slot) (*Result, error) {
	if !p.IsManager() {
		return nil, domain.ErrPermissionDenied
	}

	shift, err := c.resolver.AuthorizeRelease(ctx, guideID, date, slot)
	if err != nil {
		return nil, err
	}

	tour := shift.Tour

	if err := c.store.SetShiftState(shift, domain.ShiftStateFree, nil); err != nil {
		return nil, err
	}

	res := &Result{Shift: shift}

	if tour != nil {
		guide, err := c.users.GetUserByID(guideID)
		if err == nil {
			err = c.reg.RemoveParticipant(ctx, tour.EventID, guide.Email)
		}
		if err != nil {
			sideErr := &domain.ExternalSideEffectError{Op: "removeParticipant", Err: err}
			c.logger.Warn("日历邀请移除失败，班次释放已生效",
				"guideID", guideID, "eventID", tour.EventID, "error", err)
			res.Warning = sideErr.Error()
		}
	}

	return res, nil
}

// Block 由导游本人（或经理代操作）屏蔽自己的空闲班次，已分配的班次不允许屏蔽
func (c *Coordinator) Block(ctx context.Context, p domain.Principal, guideID int64, date time.Time, slot domain.Slot) (*domain.Shift, error) {
	if !p.CanActForGuide(guideID) {
		return nil, domain.ErrPermissionDenied
	}

	shift, err := c.store.GetShift(guideID, date, slot)
	if err != nil {
		return nil, err
	}
	if shift.State != domain.ShiftStateFree {
		return nil, domain.ErrShiftNotAvailable
	}

	if err := c.store.SetShiftState(shift, domain.ShiftStateBlocked, nil); err != nil {
		return nil, err
	}

	return shift, nil
}

func (c *Coordinator) Unblock(ctx context.Context, p domain.Principal, guideID int64, date time.Time, slot domain.Slot) (*domain.Shift, error) {
	if !p.CanActForGuide(guideID) {
		return nil, domain.ErrPermissionDenied
	}

	shift, err := c.store.GetShift(guideID, date, slot)
	if err != nil {
		return nil, err
	}
	if shift.State != domain.ShiftStateBlocked {
		return nil, domain.ErrShiftNotAvailable
	}

	if err := c.store.SetShiftState(shift, domain.ShiftStateFree, nil); err != nil {
		return nil, err
	}

	return shift, nil
}

// BlockAfternoon 对某天的全部下午时段批量屏蔽，已分配的时段跳过而不是报错
func (c *Coordinator) BlockAfternoon(ctx context.Context, p domain.Principal, guideID int64, date time.Time) ([]*domain.Shift, error) {
	return c.bulkAfternoon(ctx, p, guideID, date, domain.ShiftStateFree, domain.ShiftStateBlocked)
}

func (c *Coordinator) UnblockAfternoon(ctx context.Context, p domain.Principal, guideID int64, date time.Time) ([]*domain.Shift, error) {
	return c.bulkAfternoon(ctx, p, guideID, date, domain.ShiftStateBlocked, domain.ShiftStateFree)
}

func (c *Coordinator) bulkAfternoon(ctx context.Context, p domain.Principal, guideID int64, date time.Time, from domain.ShiftState, to domain.ShiftState) ([]*domain.Shift, error) {
	if !p.CanActForGuide(guideID) {
		return nil, domain.ErrPermissionDenied
	}

	updated := make([]*domain.Shift, 0, len(domain.AfternoonSlots))
	for _, slot := range domain.AfternoonSlots {
		shift, err := c.store.GetShift(guideID, date, slot)
		if err != nil {
			if errors.Is(err, domain.ErrShiftNotFound) {
				// 未物化的时段跳过
				continue
			}
			return nil, err
		}
		if shift.State != from {
			// 已分配或已处于目标状态的时段跳过
			continue
		}

		if err := c.store.SetShiftState(shift, to, nil); err != nil {
			return nil, err
		}
		updated = append(updated, shift)
	}

	return updated, nil
}
