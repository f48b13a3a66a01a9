package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/qihang-tours/guide-scheduler/backend/internal/invoice"
	amqp "github.com/rabbitmq/amqp091-go"
)

// invoiceView 在对账单上附加派生字段：总额始终由行项目计算，
// 超期上传状态由截止时间和当前时间派生
type invoiceView struct {
	*domain.Invoice
	EffectiveStatus domain.InvoiceStatus `json:"effectiveStatus"`
	TotalCents      domain.Cents         `json:"totalCents"`
}

func newInvoiceView(inv *domain.Invoice) invoiceView {
	return invoiceView{
		Invoice:         inv,
		EffectiveStatus: inv.EffectiveStatus(time.Now()),
		TotalCents:      inv.Total(),
	}
}

func newInvoiceViews(invoices []*domain.Invoice) []invoiceView {
	views := make([]invoiceView, 0, len(invoices))
	for _, inv := range invoices {
		views = append(views, newInvoiceView(inv))
	}
	return views
}

func (h *Handler) invoiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrInvoiceNotFound),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTotalMismatch):
		h.errorResponse(w, r, err.Error())
	default:
		h.internalServerError(w, r, err)
	}
}

func invoiceIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errors.New("对账单ID无效")
	}
	return id, nil
}

// publishInvoiceMail 把对账单相关的通知邮件发送到消息队列
func (h *Handler) publishInvoiceMail(msg domain.MailMessage) error {
	mailData, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.config.RabbitMQ.PublishTimeout)*time.Second)
	defer cancel()

	return h.mailChannel.PublishWithContext(
		ctx,
		"",
		"email_queue",
		true,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        mailData,
		},
	)
}

// GenerateInvoices 生成某月的对账单，指定导游时只生成他一人的，否则覆盖全部在职导游
func (h *Handler) GenerateInvoices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Month   string `json:"month" validate:"required"`
		GuideID int64  `json:"guideID"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	month, err := domain.ParseMonth(req.Month)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	if req.GuideID != 0 {
		inv, err := h.engine.Generate(p, req.GuideID, month)
		if err != nil {
			h.invoiceError(w, r, err)
			return
		}
		h.successResponse(w, r, "对账单生成成功", newInvoiceView(inv))
		return
	}

	generated, err := h.engine.GenerateForMonth(p, month)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.successResponse(w, r, "对账单生成成功", map[string]int{"generated": generated})
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	var guideID int64
	if param := r.URL.Query().Get("guideID"); param != "" {
		guideID, err = strconv.ParseInt(param, 10, 64)
		if err != nil {
			h.errorResponse(w, r, "导游ID无效")
			return
		}
	}

	month := r.URL.Query().Get("month")
	if month != "" {
		if month, err = domain.ParseMonth(month); err != nil {
			h.errorResponse(w, r, err.Error())
			return
		}
	}

	invoices, err := h.engine.List(p, guideID, month)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取对账单列表成功", newInvoiceViews(invoices))
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	inv, err := h.engine.Get(p, id)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取对账单成功", newInvoiceView(inv))
}

func (h *Handler) EditInvoiceLines(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []struct {
			ID          string   `json:"id" validate:"required"`
			Description *string  `json:"description"`
			Amount      *float64 `json:"amount"`
		} `json:"updates" validate:"dive"`
		Add []struct {
			Description string  `json:"description" validate:"required"`
			Amount      float64 `json:"amount" validate:"required"`
		} `json:"add" validate:"dive"`
		Remove []string `json:"remove"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	changes := invoice.LineChanges{Remove: req.Remove}
	for _, update := range req.Updates {
		lineUpdate := invoice.LineUpdate{ID: update.ID, Description: update.Description}
		if update.Amount != nil {
			amount := domain.CentsFromFloat(*update.Amount)
			lineUpdate.Amount = &amount
		}
		changes.Updates = append(changes.Updates, lineUpdate)
	}
	for _, add := range req.Add {
		changes.Add = append(changes.Add, invoice.LineAddition{
			Description: add.Description,
			Amount:      domain.CentsFromFloat(add.Amount),
		})
	}

	inv, err := h.engine.EditLines(p, id, changes)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.successResponse(w, r, "修改行项目成功", newInvoiceView(inv))
}

func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	inv, err := h.engine.Send(p, id)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	// 邮件通知导游确认，通知失败不影响发出动作
	guide, err := h.repository.GetUserByID(inv.GuideID)
	if err == nil {
		err = h.publishInvoiceMail(domain.MailMessage{
			Type: "invoice_sent",
			To:   guide.Email,
			Data: domain.InvoiceSentMailData{
				FullName: guide.FullName,
				Month:    inv.Month,
				Total:    inv.Total().String(),
			},
		})
	}
	if err != nil {
		h.logInternalServerError(r, err)
	}

	h.successResponse(w, r, "对账单已发出", newInvoiceView(inv))
}

func (h *Handler) RefreshInvoice(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	inv, err := h.engine.Refresh(p, id)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.successResponse(w, r, "对账单刷新成功", newInvoiceView(inv))
}

func (h *Handler) ApproveInvoice(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	inv, err := h.engine.GuideApprove(p, id)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.successResponse(w, r, "对账单确认成功", newInvoiceView(inv))
}

func (h *Handler) RejectInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment" validate:"required"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	inv, err := h.engine.GuideReject(p, id, req.Comment)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.successResponse(w, r, "对账单已驳回", newInvoiceView(inv))
}

func (h *Handler) UploadInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentKey string  `json:"documentKey" validate:"required"`
		Total       float64 `json:"total" validate:"required"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	inv, err := h.engine.GuideUpload(p, id, req.DocumentKey, domain.CentsFromFloat(req.Total))
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.successResponse(w, r, "单据上传成功", newInvoiceView(inv))
}

func (h *Handler) VerifyInvoice(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	inv, err := h.engine.ManagerVerify(p, id)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.notifyInvoiceResult(r, inv, "核验通过", "")

	h.successResponse(w, r, "对账单核验通过", newInvoiceView(inv))
}

func (h *Handler) ManagerRejectInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment" validate:"required"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	id, err := invoiceIDParam(r)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	inv, err := h.engine.ManagerReject(p, id, req.Comment)
	if err != nil {
		h.invoiceError(w, r, err)
		return
	}

	h.notifyInvoiceResult(r, inv, "单据被退回", req.Comment)

	h.successResponse(w, r, "对账单已退回", newInvoiceView(inv))
}

// notifyInvoiceResult 在核验结束后邮件通知导游，通知失败不影响核验结果
func (h *Handler) notifyInvoiceResult(r *http.Request, inv *domain.Invoice, result string, comment string) {
	guide, err := h.repository.GetUserByID(inv.GuideID)
	if err == nil {
		deadline := ""
		if inv.UploadDeadline != nil {
			deadline = inv.UploadDeadline.Format("2006-01-02 15:04")
		}
		err = h.publishInvoiceMail(domain.MailMessage{
			Type: "invoice_result",
			To:   guide.Email,
			Data: domain.InvoiceResultMailData{
				FullName: guide.FullName,
				Month:    inv.Month,
				Result:   result,
				Comment:  comment,
				Deadline: deadline,
			},
		})
	}
	if err != nil {
		h.logInternalServerError(r, err)
	}
}
