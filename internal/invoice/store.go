package invoice

import (
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
)

// InvoiceStore 由 repository 实现，单条记录的更新以乐观版本号为条件
type InvoiceStore interface {
	// GetInvoiceByID 查不到时返回 domain.ErrInvoiceNotFound
	GetInvoiceByID(id int64) (*domain.Invoice, error)

	// GetInvoiceByGuideAndMonth 查不到时返回 domain.ErrInvoiceNotFound
	GetInvoiceByGuideAndMonth(guideID int64, month string) (*domain.Invoice, error)

	CreateInvoice(inv *domain.Invoice) error
	UpdateInvoice(inv *domain.Invoice) error
	ListInvoices(guideID int64, month string) ([]*domain.Invoice, error)
}

// ShiftReader 提供生成对账单所需的历史班次（只读）
type ShiftReader interface {
	ListAssignedShifts(guideID int64, from time.Time, to time.Time) ([]*domain.Shift, error)
}

// GuideDirectory 提供每月批量生成所需的在职导游列表
type GuideDirectory interface {
	GetActiveGuides() ([]*domain.User, error)
}
