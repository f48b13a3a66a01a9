package invoice

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
)

// Engine 管理导游月度对账单从生成到归档的整个状态机。
// 所有操作在第一次写入前完成全部校验，校验类错误不会留下部分变更
type Engine struct {
	invoices     InvoiceStore
	shifts       ShiftReader
	guides       GuideDirectory
	morningFee   domain.Cents
	afternoonFee domain.Cents
	uploadGrace  time.Duration
	logger       *slog.Logger

	now func() time.Time
}

func NewEngine(invoices InvoiceStore, shifts ShiftReader, guides GuideDirectory, morningFee domain.Cents, afternoonFee domain.Cents, uploadGraceDays int, logger *slog.Logger) *Engine {
	return &Engine{
		invoices:     invoices,
		shifts:       shifts,
		guides:       guides,
		morningFee:   morningFee,
		afternoonFee: afternoonFee,
		uploadGrace:  time.Duration(uploadGraceDays) * 24 * time.Hour,
		logger:       logger,
		now:          time.Now,
	}
}

func (e *Engine) slotFee(slot domain.Slot) domain.Cents {
	if slot == domain.SlotMorning {
		return e.morningFee
	}
	return e.afternoonFee
}

// Generate 为 (导游, 月份) 生成对账单。幂等：已存在时不会产生重复记录，
// 而是在未发出/被驳回的对账单上合并新检测到的已分配班次，
// 已有行的编辑和经理手动添加的额外行都会保留
func (e *Engine) Generate(p domain.Principal, guideID int64, month string) (*domain.Invoice, error) {
	if !p.IsManager() {
		return nil, domain.ErrPermissionDenied
	}

	inv, err := e.invoices.GetInvoiceByGuideAndMonth(guideID, month)
	switch {
	case err == nil:
		// 已经发给导游或进入后续流程的对账单不再自动变更
		if inv.Status != domain.InvoiceStatusManagerReview && inv.Status != domain.InvoiceStatusRejected {
			return inv, nil
		}
		if err := e.mergeShifts(inv); err != nil {
			return nil, err
		}
		inv.Status = domain.InvoiceStatusManagerReview
		if err := e.invoices.UpdateInvoice(inv); err != nil {
			return nil, err
		}
		return inv, nil
	case errors.Is(err, domain.ErrInvoiceNotFound):
		inv = &domain.Invoice{
			GuideID: guideID,
			Month:   month,
			Status:  domain.InvoiceStatusManagerReview,
			Lines:   []domain.InvoiceLine{},
		}
		if err := e.mergeShifts(inv); err != nil {
			return nil, err
		}
		if err := e.invoices.CreateInvoice(inv); err != nil {
			return nil, err
		}
		return inv, nil
	default:
		return nil, err
	}
}

// mergeShifts 把该月新检测到的已分配班次追加为行项目，不动已有的行
func (e *Engine) mergeShifts(inv *domain.Invoice) error {
	from, to, err := domain.MonthRange(inv.Month)
	if err != nil {
		return err
	}

	assigned, err := e.shifts.ListAssignedShifts(inv.GuideID, from, to)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(inv.Lines))
	for _, line := range inv.Lines {
		if line.IsDerived() && line.ShiftDate != nil {
			existing[shiftKey(*line.ShiftDate, line.ShiftSlot)] = true
		}
	}

	for _, shift := range assigned {
		if existing[shiftKey(shift.Date, shift.Slot)] {
			continue
		}

		desc := fmt.Sprintf("%s %s", shift.Date.Format("2006-01-02"), shift.Slot)
		if shift.Tour != nil {
			desc = fmt.Sprintf("%s %s %s", shift.Date.Format("2006-01-02"), shift.Slot, shift.Tour.DisplayName)
		}

		date := shift.Date
		inv.Lines = append(inv.Lines, domain.InvoiceLine{
			ID:          uuid.NewString(),
			ShiftDate:   &date,
			ShiftSlot:   shift.Slot,
			Description: desc,
			Amount:      e.slotFee(shift.Slot),
		})
	}

	return nil
}

func shiftKey(date time.Time, slot domain.Slot) string {
	return date.Format("2006-01-02") + "|" + string(slot)
}

// GenerateForMonth 为所有在职导游生成某个月的对账单，每月任务和手动触发共用
func (e *Engine) GenerateForMonth(p domain.Principal, month string) (int, error) {
	if !p.IsManager() {
		return 0, domain.ErrPermissionDenied
	}

	guides, err := e.guides.GetActiveGuides()
	if err != nil {
		return 0, err
	}

	generated := 0
	for _, guide := range guides {
		if _, err := e.Generate(p, guide.ID, month); err != nil {
			e.logger.Error("生成对账单失败", "guideID", guide.ID, "month", month, "error", err)
			continue
		}
		generated++
	}

	return generated, nil
}

// Refresh 重新拉取该月新检测到的已分配班次，只允许在经理侧状态下执行
func (e *Engine) Refresh(p domain.Principal, invoiceID int64) (*domain.Invoice, error) {
	if !p.IsManager() {
		return nil, domain.ErrPermissionDenied
	}

	inv, err := e.invoices.GetInvoiceByID(invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.Status != domain.InvoiceStatusManagerReview && inv.Status != domain.InvoiceStatusRejected {
		return nil, domain.ErrInvalidTransition
	}

	if err := e.mergeShifts(inv); err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatusManagerReview
	inv.RejectionComment = ""

	if err := e.invoices.UpdateInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// LineChanges 描述经理对行项目的一次批量修改
type LineChanges struct {
	Updates []LineUpdate
	Add     []LineAddition
	Remove  []string
}

type LineUpdate struct {
	ID          string
	Description *string
	Amount      *domain.Cents
}

type LineAddition struct {
	Description string
	Amount      domain.Cents
}

// EditLines 修改行项目，只允许在对账单尚未发出或被驳回时进行
func (e *Engine) EditLines(p domain.Principal, invoiceID int64, changes LineChanges) (*domain.Invoice, error) {
	if !p.IsManager() {
		return nil, domain.ErrPermissionDenied
	}

	inv, err := e.invoices.GetInvoiceByID(invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.Status != domain.InvoiceStatusManagerReview && inv.Status != domain.InvoiceStatusRejected {
		return nil, domain.ErrInvalidTransition
	}

	for _, update := range changes.Updates {
		found := false
		for i := range inv.Lines {
			if inv.Lines[i].ID != update.ID {
				continue
			}
			if update.Description != nil {
				inv.Lines[i].Description = *update.Description
			}
			if update.Amount != nil {
				inv.Lines[i].Amount = *update.Amount
			}
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("行项目 %s 不存在", update.ID)
		}
	}

	for _, add := range changes.Add {
		inv.Lines = append(inv.Lines, domain.InvoiceLine{
			ID:          uuid.NewString(),
			Description: add.Description,
			Amount:      add.Amount,
			Extra:       true,
		})
	}

	for _, removeID := range changes.Remove {
		kept := inv.Lines[:0]
		for _, line := range inv.Lines {
			if line.ID != removeID {
				kept = append(kept, line)
			}
		}
		inv.Lines = kept
	}

	if err := e.invoices.UpdateInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Send 把对账单发给导游确认。对已在等待确认的对账单重发是幂等更新，
// 已经进入上传/核验/归档阶段的对账单禁止退回重审
func (e *Engine) Send(p domain.Principal, invoiceID int64) (*domain.Invoice, error) {
	if !p.IsManager() {
		return nil, domain.ErrPermissionDenied
	}

	inv, err := e.invoices.GetInvoiceByID(invoiceID)
	if err != nil {
		return nil, err
	}

	switch inv.Status {
	case domain.InvoiceStatusManagerReview, domain.InvoiceStatusRejected, domain.InvoiceStatusPendingApproval:
		inv.Status = domain.InvoiceStatusPendingApproval
		inv.RejectionComment = ""
	default:
		return nil, domain.ErrInvalidTransition
	}

	if err := e.invoices.UpdateInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// GuideApprove 由导游本人确认金额，确认时刻起算上传截止时间
func (e *Engine) GuideApprove(p domain.Principal, invoiceID int64) (*domain.Invoice, error) {
	inv, err := e.ownInvoice(p, invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.Status != domain.InvoiceStatusPendingApproval {
		return nil, domain.ErrInvalidTransition
	}

	deadline := e.now().Add(e.uploadGrace)
	inv.Status = domain.InvoiceStatusWaitingUpload
	inv.UploadDeadline = &deadline

	if err := e.invoices.UpdateInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (e *Engine) GuideReject(p domain.Principal, invoiceID int64, comment string) (*domain.Invoice, error) {
	inv, err := e.ownInvoice(p, invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.Status != domain.InvoiceStatusPendingApproval {
		return nil, domain.ErrInvalidTransition
	}

	inv.Status = domain.InvoiceStatusRejected
	inv.RejectionComment = comment

	if err := e.invoices.UpdateInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// GuideUpload 要求导游重新输入单据上的总金额作为人工核对，
// 与存储的总额（两位小数精确比较）不一致时拒绝上传
func (e *Engine) GuideUpload(p domain.Principal, invoiceID int64, documentKey string, enteredTotal domain.Cents) (*domain.Invoice, error) {
	inv, err := e.ownInvoice(p, invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.Status != domain.InvoiceStatusWaitingUpload {
		return nil, domain.ErrInvalidTransition
	}

	if total := inv.Total(); enteredTotal != total {
		return nil, &domain.TotalMismatchError{Expected: total, Entered: enteredTotal}
	}

	inv.Status = domain.InvoiceStatusPendingVerification
	inv.DocumentKey = documentKey

	if err := e.invoices.UpdateInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// ManagerVerify 是第二道人工核对：经理确认单据金额无误后对账单归档
func (e *Engine) ManagerVerify(p domain.Principal, invoiceID int64) (*domain.Invoice, error) {
	if !p.IsManager() {
		return nil, domain.ErrPermissionDenied
	}

	inv, err := e.invoices.GetInvoiceByID(invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.Status != domain.InvoiceStatusPendingVerification {
		return nil, domain.ErrInvalidTransition
	}

	inv.Status = domain.InvoiceStatusApproved

	if err := e.invoices.UpdateInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (e *Engine) ManagerReject(p domain.Principal, invoiceID int64, comment string) (*domain.Invoice, error) {
	if !p.IsManager() {
		return nil, domain.ErrPermissionDenied
	}

	inv, err := e.invoices.GetInvoiceByID(invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.Status != domain.InvoiceStatusPendingVerification {
		return nil, domain.ErrInvalidTransition
	}

	inv.Status = domain.InvoiceStatusRejected
	inv.RejectionComment = comment

	if err := e.invoices.UpdateInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Get 返回对账单，导游只能查看自己的
func (e *Engine) Get(p domain.Principal, invoiceID int64) (*domain.Invoice, error) {
	inv, err := e.invoices.GetInvoiceByID(invoiceID)
	if err != nil {
		return nil, err
	}

	if !p.IsManager() && inv.GuideID != p.UserID {
		return nil, domain.ErrPermissionDenied
	}

	return inv, nil
}

// List 列出对账单，导游只能看到自己的
func (e *Engine) List(p domain.Principal, guideID int64, month string) ([]*domain.Invoice, error) {
	if !p.IsManager() {
		if guideID != 0 && guideID != p.UserID {
			return nil, domain.ErrPermissionDenied
		}
		guideID = p.UserID
	}

	return e.invoices.ListInvoices(guideID, month)
}

// ownInvoice 校验主体是导游本人且对账单属于他，权限检查先于任何状态判断
func (e *Engine) ownInvoice(p domain.Principal, invoiceID int64) (*domain.Invoice, error) {
	if !p.IsGuide() {
		return nil, domain.ErrPermissionDenied
	}

	inv, err := e.invoices.GetInvoiceByID(invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.GuideID != p.UserID {
		return nil, domain.ErrPermissionDenied
	}

	return inv, nil
}
