package scheduling

import (
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
)

// ShiftStore 是排班核心对班次存储的要求，由 repository 实现。
// 存储层只保证单条记录的原子读改写（乐观版本号），
// 跨记录的一致性（同一时段最多一个已分配导游）由 ConflictResolver 在应用层保证
type ShiftStore interface {
	// GetShift 查不到时返回 domain.ErrShiftNotFound
	GetShift(guideID int64, date time.Time, slot domain.Slot) (*domain.Shift, error)

	ListAssignedByDateSlot(date time.Time, slot domain.Slot) ([]*domain.Shift, error)
	ListAssignedInWindow(from time.Time, to time.Time) ([]*domain.Shift, error)

	// SetShiftState 以 shift 当前的 Version 为条件写入新状态，
	// 版本不匹配（说明被并发修改）时返回 domain.ErrShiftNotAvailable
	SetShiftState(shift *domain.Shift, newState domain.ShiftState, tour *domain.TourRef) error
}

// UserStore 提供核心逻辑需要的用户信息（邮箱、姓名）
type UserStore interface {
	GetUserByID(id int64) (*domain.User, error)
}
