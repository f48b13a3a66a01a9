package scheduling

import (
	"context"
	"log/slog"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/qihang-tours/guide-scheduler/backend/internal/registry"
)

// Reconciler 周期性地把内部分配状态和外部日历的取消标记对齐：
// 团被取消后，对应的班次释放回 FREE，重新进入可分配池。
// 每一次释放都是独立持久的，任务中途被打断只会让部分班次等到下一轮
type Reconciler struct {
	coordinator *Coordinator
	store       ShiftStore
	reg         registry.Registry
	interval    time.Duration
	lookBack    int
	lookForward int
	logger      *slog.Logger
}

func NewReconciler(coordinator *Coordinator, store ShiftStore, reg registry.Registry, intervalSeconds int, lookBackDays int, lookForwardDays int, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		coordinator: coordinator,
		store:       store,
		reg:         reg,
		interval:    time.Duration(intervalSeconds) * time.Second,
		lookBack:    lookBackDays,
		lookForward: lookForwardDays,
		logger:      logger,
	}
}

// Run 按固定间隔执行对账，直到 ctx 被取消
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("取消对账执行失败", "error", err)
				continue
			}
			if released > 0 {
				r.logger.Info("取消对账完成", "released", released)
			}
		}
	}
}

// RunOnce 执行一轮对账，返回释放的班次数量
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	today := domain.DateOnly(time.Now())
	from := today.AddDate(0, 0, -r.lookBack)
	to := today.AddDate(0, 0, r.lookForward)

	assigned, err := r.store.ListAssignedInWindow(from, to)
	if err != nil {
		return 0, err
	}

	// 收集去重后的团 ID，批量查询取消标记（registry 内部按上限分块）
	eventIDs := make([]string, 0, len(assigned))
	seen := make(map[string]bool, len(assigned))
	for _, shift := range assigned {
		if shift.Tour == nil || seen[shift.Tour.EventID] {
			continue
		}
		seen[shift.Tour.EventID] = true
		eventIDs = append(eventIDs, shift.Tour.EventID)
	}

	if len(eventIDs) == 0 {
		return 0, nil
	}

	cancelled, err := r.reg.CancelledFlags(ctx, eventIDs)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, shift := range assigned {
		if shift.Tour == nil || !cancelled[shift.Tour.EventID] {
			continue
		}

		// 走和手动释放完全相同的路径（含日历参与者移除），单条失败不影响其余班次
		res, err := r.coordinator.Release(ctx, domain.SystemPrincipal, shift.GuideID, shift.Date, shift.Slot)
		if err != nil {
			r.logger.Error("释放已取消团的班次失败",
				"guideID", shift.GuideID, "date", shift.Date.Format("2006-01-02"), "slot", shift.Slot, "error", err)
			continue
		}
		if res.Warning != "" {
			r.logger.Warn("释放班次时日历同步失败", "warning", res.Warning)
		}

		released++
	}

	return released, nil
}
