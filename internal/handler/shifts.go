package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
)

// shiftParams 从 URL 中解析 (导游, 日期, 时段) 三元组，afternoon 批量操作不带时段
func shiftParams(r *http.Request, withSlot bool) (int64, time.Time, domain.Slot, error) {
	guideID, err := strconv.ParseInt(chi.URLParam(r, "guideID"), 10, 64)
	if err != nil {
		return 0, time.Time{}, "", errors.New("导游ID无效")
	}

	date, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		return 0, time.Time{}, "", errors.New("日期格式无效，应为 2006-01-02")
	}

	var slot domain.Slot
	if withSlot {
		slot, err = domain.ParseSlot(chi.URLParam(r, "slot"))
		if err != nil {
			return 0, time.Time{}, "", err
		}
	}

	return guideID, date, slot, nil
}

// schedulingError 把核心逻辑的已知错误翻译成业务响应，其余按服务器内部错误处理
func (h *Handler) schedulingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrShiftNotFound),
		errors.Is(err, domain.ErrShiftNotAvailable),
		errors.Is(err, domain.ErrNoMatchingTour),
		errors.Is(err, domain.ErrSlotAlreadyTaken):
		h.errorResponse(w, r, err.Error())
	default:
		h.internalServerError(w, r, err)
	}
}

func (h *Handler) ListShifts(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse("2006-01-02", r.URL.Query().Get("from"))
	if err != nil {
		h.errorResponse(w, r, "起始日期无效，应为 2006-01-02")
		return
	}
	to, err := time.Parse("2006-01-02", r.URL.Query().Get("to"))
	if err != nil {
		h.errorResponse(w, r, "结束日期无效，应为 2006-01-02")
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

	shifts, err := h.repository.ListShiftsByDateRange(guideID, from, to)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取班次列表成功", shifts)
}

// MaterializeShifts 为一批导游物化一段日期内的班次记录，不传导游列表时默认所有在职导游
func (h *Handler) MaterializeShifts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GuideIDs []int64 `json:"guideIDs"`
		From     string  `json:"from" validate:"required"`
		To       string  `json:"to" validate:"required"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	from, err := time.Parse("2006-01-02", req.From)
	if err != nil {
		h.errorResponse(w, r, "起始日期无效，应为 2006-01-02")
		return
	}
	to, err := time.Parse("2006-01-02", req.To)
	if err != nil {
		h.errorResponse(w, r, "结束日期无效，应为 2006-01-02")
		return
	}
	if to.Before(from) {
		h.errorResponse(w, r, "结束日期不能早于起始日期")
		return
	}

	guideIDs := req.GuideIDs
	if len(guideIDs) == 0 {
		guides, err := h.repository.GetActiveGuides()
		if err != nil {
			h.internalServerError(w, r, err)
			return
		}
		for _, guide := range guides {
			guideIDs = append(guideIDs, guide.ID)
		}
	}

	created, err := h.repository.MaterializeShifts(guideIDs, from, to)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "班次物化成功", map[string]int64{"created": created})
}

func (h *Handler) AssignShift(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	guideID, date, slot, err := shiftParams(r, true)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	res, err := h.coordinator.Assign(r.Context(), p, guideID, date, slot)
	if err != nil {
		h.schedulingError(w, r, err)
		return
	}

	// 日历邀请同步失败时分配依然生效，警告随 data 一并返回
	h.successResponse(w, r, "班次分配成功", res)
}

func (h *Handler) ReleaseShift(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	guideID, date, slot, err := shiftParams(r, true)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	res, err := h.coordinator.Release(r.Context(), p, guideID, date, slot)
	if err != nil {
		h.schedulingError(w, r, err)
		return
	}

	h.successResponse(w, r, "班次释放成功", res)
}

func (h *Handler) BlockShift(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	guideID, date, slot, err := shiftParams(r, true)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	shift, err := h.coordinator.Block(r.Context(), p, guideID, date, slot)
	if err != nil {
		h.schedulingError(w, r, err)
		return
	}

	h.successResponse(w, r, "班次屏蔽成功", shift)
}

func (h *Handler) UnblockShift(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	guideID, date, slot, err := shiftParams(r, true)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	shift, err := h.coordinator.Unblock(r.Context(), p, guideID, date, slot)
	if err != nil {
		h.schedulingError(w, r, err)
		return
	}

	h.successResponse(w, r, "解除班次屏蔽成功", shift)
}

func (h *Handler) BlockAfternoon(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	guideID, date, _, err := shiftParams(r, false)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	shifts, err := h.coordinator.BlockAfternoon(r.Context(), p, guideID, date)
	if err != nil {
		h.schedulingError(w, r, err)
		return
	}

	h.successResponse(w, r, "下午时段屏蔽成功", shifts)
}

func (h *Handler) UnblockAfternoon(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	guideID, date, _, err := shiftParams(r, false)
	if err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	shifts, err := h.coordinator.UnblockAfternoon(r.Context(), p, guideID, date)
	if err != nil {
		h.schedulingError(w, r, err)
		return
	}

	h.successResponse(w, r, "解除下午时段屏蔽成功", shifts)
}
