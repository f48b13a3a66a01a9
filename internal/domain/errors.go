package domain

import "errors"

// 核心错误分类，handler 层据此决定响应内容
var (
	ErrPermissionDenied  = errors.New("权限不足")
	ErrShiftNotFound     = errors.New("班次不存在")
	ErrShiftNotAvailable = errors.New("班次状态不允许该操作")
	ErrNoMatchingTour    = errors.New("该时段没有可带的团")
	ErrSlotAlreadyTaken  = errors.New("该时段已有其他导游")
	ErrInvoiceNotFound   = errors.New("对账单不存在")
	ErrInvalidTransition = errors.New("对账单状态不允许该操作")
	ErrTotalMismatch     = errors.New("输入的金额与对账单总额不一致")
)

// SlotConflictError 携带冲突导游的信息，errors.Is(err, ErrSlotAlreadyTaken) 成立
type SlotConflictError struct {
	GuideID   int64
	GuideName string
}

func (e *SlotConflictError) Error() string {
	return ErrSlotAlreadyTaken.Error() + ": " + e.GuideName
}

func (e *SlotConflictError) Is(target error) bool {
	return target == ErrSlotAlreadyTaken
}

// TotalMismatchError 携带期望金额与输入金额，errors.Is(err, ErrTotalMismatch) 成立
type TotalMismatchError struct {
	Expected Cents
	Entered  Cents
}

func (e *TotalMismatchError) Error() string {
	return ErrTotalMismatch.Error() + ": 应为 " + e.Expected.String() + "，输入为 " + e.Entered.String()
}

func (e *TotalMismatchError) Is(target error) bool {
	return target == ErrTotalMismatch
}

// ExternalSideEffectError 表示外部日历操作失败。
// 内部状态变更已经生效，这个错误只作为警告向调用方透出，不会触发回滚
type ExternalSideEffectError struct {
	Op  string
	Err error
}

func (e *ExternalSideEffectError) Error() string {
	return "外部日历操作失败 (" + e.Op + "): " + e.Err.Error()
}

func (e *ExternalSideEffectError) Unwrap() error {
	return e.Err
}
