package invoice

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoices struct {
	invoices map[int64]*domain.Invoice
	nextID   int64
}

func newFakeInvoices() *fakeInvoices {
	return &fakeInvoices{invoices: make(map[int64]*domain.Invoice), nextID: 1}
}

func (f *fakeInvoices) GetInvoiceByID(id int64) (*domain.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	copied := *inv
	copied.Lines = append([]domain.InvoiceLine{}, inv.Lines...)
	return &copied, nil
}

func (f *fakeInvoices) GetInvoiceByGuideAndMonth(guideID int64, month string) (*domain.Invoice, error) {
	for _, inv := range f.invoices {
		if inv.GuideID == guideID && inv.Month == month {
			return f.GetInvoiceByID(inv.ID)
		}
	}
	return nil, domain.ErrInvoiceNotFound
}

func (f *fakeInvoices) CreateInvoice(inv *domain.Invoice) error {
	inv.ID = f.nextID
	f.nextID++
	copied := *inv
	copied.Lines = append([]domain.InvoiceLine{}, inv.Lines...)
	f.invoices[inv.ID] = &copied
	return nil
}

func (f *fakeInvoices) UpdateInvoice(inv *domain.Invoice) error {
	if _, ok := f.invoices[inv.ID]; !ok {
		return domain.ErrInvoiceNotFound
	}
	copied := *inv
	copied.Lines = append([]domain.InvoiceLine{}, inv.Lines...)
	f.invoices[inv.ID] = &copied
	return nil
}

func (f *fakeInvoices) ListInvoices(guideID int64, month string) ([]*domain.Invoice, error) {
	result := []*domain.Invoice{}
	for _, inv := range f.invoices {
		if guideID != 0 && inv.GuideID != guideID {
			continue
		}
		if month != "" && inv.Month != month {
			continue
		}
		copied, _ := f.GetInvoiceByID(inv.ID)
		result = append(result, copied)
	}
	return result, nil
}

type fakeShifts struct {
	assigned []*domain.Shift
}

func (f *fakeShifts) ListAssignedShifts(guideID int64, from time.Time, to time.Time) ([]*domain.Shift, error) {
	result := []*domain.Shift{}
	for _, shift := range f.assigned {
		if shift.GuideID != guideID {
			continue
		}
		if shift.Date.Before(from) || !shift.Date.Before(to) {
			continue
		}
		result = append(result, shift)
	}
	return result, nil
}

type fakeGuides struct {
	guides []*domain.User
}

func (f *fakeGuides) GetActiveGuides() ([]*domain.User, error) {
	return f.guides, nil
}

var (
	manager  = domain.Principal{UserID: 100, Role: domain.RoleManager}
	guideOne = domain.Principal{UserID: 1, Role: domain.RoleGuide}
	guideTwo = domain.Principal{UserID: 2, Role: domain.RoleGuide}

	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func assignedShift(guideID int64, date time.Time, slot domain.Slot, tourName string) *domain.Shift {
	return &domain.Shift{
		GuideID: guideID,
		Date:    domain.DateOnly(date),
		Slot:    slot,
		State:   domain.ShiftStateAssigned,
		Tour:    &domain.TourRef{EventID: "evt-" + tourName, DisplayName: tourName},
	}
}

func newTestEngine(shifts *fakeShifts, guides *fakeGuides) (*Engine, *fakeInvoices) {
	invoices := newFakeInvoices()
	engine := NewEngine(invoices, shifts, guides, 30000, 20000, 10, testLogger)
	return engine, invoices
}

func TestGenerate(t *testing.T) {
	aug5 := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	aug12 := time.Date(2026, 8, 12, 0, 0, 0, 0, time.UTC)

	t.Run("根据已分配班次生成行项目并按时段计费", func(t *testing.T) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
			assignedShift(1, aug12, domain.SlotAfternoon2, "长城半日游"),
		}}
		engine, _ := newTestEngine(shifts, &fakeGuides{})

		inv, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)
		require.Len(t, inv.Lines, 2)
		assert.Equal(t, domain.InvoiceStatusManagerReview, inv.Status)
		assert.Equal(t, domain.Cents(30000), inv.Lines[0].Amount)
		assert.Equal(t, domain.Cents(20000), inv.Lines[1].Amount)
		assert.Equal(t, domain.Cents(50000), inv.Total())
		for _, line := range inv.Lines {
			assert.True(t, line.IsDerived())
			assert.NotEmpty(t, line.ID)
		}
	})

	t.Run("重复生成不会产生重复记录或重复行", func(t *testing.T) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
		}}
		engine, invoices := newTestEngine(shifts, &fakeGuides{})

		first, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)
		second, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, second.Lines, 1)
		assert.Len(t, invoices.invoices, 1)
	})

	t.Run("合并新班次时保留已编辑的行和手动添加的额外行", func(t *testing.T) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
		}}
		engine, _ := newTestEngine(shifts, &fakeGuides{})

		inv, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)

		// 经理把第一行调价并加了一笔额外补贴
		adjusted := domain.Cents(35000)
		inv, err = engine.EditLines(manager, inv.ID, LineChanges{
			Updates: []LineUpdate{{ID: inv.Lines[0].ID, Amount: &adjusted}},
			Add:     []LineAddition{{Description: "交通补贴", Amount: 5000}},
		})
		require.NoError(t, err)

		// 之后又多了一个已分配班次
		shifts.assigned = append(shifts.assigned, assignedShift(1, aug12, domain.SlotAfternoon1, "长城半日游"))

		inv, err = engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)
		require.Len(t, inv.Lines, 3)
		assert.Equal(t, domain.Cents(35000), inv.Lines[0].Amount)
		assert.Equal(t, "交通补贴", inv.Lines[1].Description)
		assert.True(t, inv.Lines[0].IsDerived())
		assert.False(t, inv.Lines[1].IsDerived())
		assert.Equal(t, domain.Cents(60000), inv.Total())
	})

	t.Run("已发给导游的对账单不再自动变更", func(t *testing.T) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
		}}
		engine, _ := newTestEngine(shifts, &fakeGuides{})

		inv, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)
		_, err = engine.Send(manager, inv.ID)
		require.NoError(t, err)

		shifts.assigned = append(shifts.assigned, assignedShift(1, aug12, domain.SlotAfternoon1, "长城半日游"))

		inv, err = engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)
		assert.Len(t, inv.Lines, 1)
		assert.Equal(t, domain.InvoiceStatusPendingApproval, inv.Status)
	})

	t.Run("导游不能触发生成", func(t *testing.T) {
		engine, _ := newTestEngine(&fakeShifts{}, &fakeGuides{})

		_, err := engine.Generate(guideOne, 1, "2026-08")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})
}

func TestGenerateForMonth(t *testing.T) {
	aug5 := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)

	t.Run("为所有在职导游生成", func(t *testing.T) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
		}}
		guides := &fakeGuides{guides: []*domain.User{
			{ID: 1, Role: domain.RoleGuide, IsActive: true},
			{ID: 2, Role: domain.RoleGuide, IsActive: true},
		}}
		engine, invoices := newTestEngine(shifts, guides)

		generated, err := engine.GenerateForMonth(manager, "2026-08")
		require.NoError(t, err)
		assert.Equal(t, 2, generated)
		assert.Len(t, invoices.invoices, 2)

		// 没有班次的导游也有一张空对账单
		empty, err := invoices.GetInvoiceByGuideAndMonth(2, "2026-08")
		require.NoError(t, err)
		assert.Empty(t, empty.Lines)
		assert.Equal(t, domain.Cents(0), empty.Total())
	})
}

func TestWorkflow(t *testing.T) {
	aug5 := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*Engine, *domain.Invoice) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
		}}
		engine, _ := newTestEngine(shifts, &fakeGuides{})
		inv, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)
		return engine, inv
	}

	t.Run("完整的通过路径", func(t *testing.T) {
		engine, inv := setup(t)

		inv, err := engine.Send(manager, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusPendingApproval, inv.Status)

		inv, err = engine.GuideApprove(guideOne, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusWaitingUpload, inv.Status)
		require.NotNil(t, inv.UploadDeadline)
		assert.WithinDuration(t, time.Now().Add(10*24*time.Hour), *inv.UploadDeadline, time.Minute)

		inv, err = engine.GuideUpload(guideOne, inv.ID, "invoices/2026-08/1.pdf", 30000)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusPendingVerification, inv.Status)
		assert.Equal(t, "invoices/2026-08/1.pdf", inv.DocumentKey)

		inv, err = engine.ManagerVerify(manager, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusApproved, inv.Status)
	})

	t.Run("导游驳回后经理修改重发", func(t *testing.T) {
		engine, inv := setup(t)

		inv, err := engine.Send(manager, inv.ID)
		require.NoError(t, err)

		inv, err = engine.GuideReject(guideOne, inv.ID, "8月5日的团实际没有带")
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusRejected, inv.Status)
		assert.Equal(t, "8月5日的团实际没有带", inv.RejectionComment)

		inv, err = engine.EditLines(manager, inv.ID, LineChanges{Remove: []string{inv.Lines[0].ID}})
		require.NoError(t, err)
		assert.Empty(t, inv.Lines)

		inv, err = engine.Send(manager, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusPendingApproval, inv.Status)
		assert.Empty(t, inv.RejectionComment)
	})

	t.Run("上传金额必须与对账单总额精确一致", func(t *testing.T) {
		engine, inv := setup(t)

		_, err := engine.Send(manager, inv.ID)
		require.NoError(t, err)
		_, err = engine.GuideApprove(guideOne, inv.ID)
		require.NoError(t, err)

		// 差一分钱也不行
		_, err = engine.GuideUpload(guideOne, inv.ID, "doc", 30001)
		assert.ErrorIs(t, err, domain.ErrTotalMismatch)

		var mismatch *domain.TotalMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, domain.Cents(30000), mismatch.Expected)
		assert.Equal(t, domain.Cents(30001), mismatch.Entered)

		_, err = engine.GuideUpload(guideOne, inv.ID, "doc", 30000)
		assert.NoError(t, err)
	})

	t.Run("经理退回单据后导游重新上传", func(t *testing.T) {
		engine, inv := setup(t)

		_, err := engine.Send(manager, inv.ID)
		require.NoError(t, err)
		_, err = engine.GuideApprove(guideOne, inv.ID)
		require.NoError(t, err)
		_, err = engine.GuideUpload(guideOne, inv.ID, "doc-v1", 30000)
		require.NoError(t, err)

		inv, err = engine.ManagerReject(manager, inv.ID, "单据抬头开错了")
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceStatusRejected, inv.Status)

		// 退回后重新走发出-确认-上传
		_, err = engine.Send(manager, inv.ID)
		require.NoError(t, err)
		_, err = engine.GuideApprove(guideOne, inv.ID)
		require.NoError(t, err)
		inv, err = engine.GuideUpload(guideOne, inv.ID, "doc-v2", 30000)
		require.NoError(t, err)
		assert.Equal(t, "doc-v2", inv.DocumentKey)
	})

	t.Run("状态不允许的操作被拒绝", func(t *testing.T) {
		engine, inv := setup(t)

		// 还没发出就确认
		_, err := engine.GuideApprove(guideOne, inv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		// 已归档后不能再编辑
		_, err = engine.Send(manager, inv.ID)
		require.NoError(t, err)
		_, err = engine.GuideApprove(guideOne, inv.ID)
		require.NoError(t, err)
		_, err = engine.GuideUpload(guideOne, inv.ID, "doc", 30000)
		require.NoError(t, err)
		_, err = engine.ManagerVerify(manager, inv.ID)
		require.NoError(t, err)

		_, err = engine.EditLines(manager, inv.ID, LineChanges{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		_, err = engine.Send(manager, inv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("别的导游不能操作或查看", func(t *testing.T) {
		engine, inv := setup(t)

		_, err := engine.Send(manager, inv.ID)
		require.NoError(t, err)

		_, err = engine.GuideApprove(guideTwo, inv.ID)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		_, err = engine.Get(guideTwo, inv.ID)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		_, err = engine.Get(guideOne, inv.ID)
		assert.NoError(t, err)
	})
}

func TestList(t *testing.T) {
	aug5 := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) *Engine {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
			assignedShift(2, aug5, domain.SlotAfternoon1, "长城半日游"),
		}}
		guides := &fakeGuides{guides: []*domain.User{
			{ID: 1, Role: domain.RoleGuide, IsActive: true},
			{ID: 2, Role: domain.RoleGuide, IsActive: true},
		}}
		engine, _ := newTestEngine(shifts, guides)
		_, err := engine.GenerateForMonth(manager, "2026-08")
		require.NoError(t, err)
		return engine
	}

	t.Run("经理可以看到全部", func(t *testing.T) {
		engine := setup(t)

		all, err := engine.List(manager, 0, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("导游只能看到自己的", func(t *testing.T) {
		engine := setup(t)

		own, err := engine.List(guideOne, 0, "")
		require.NoError(t, err)
		require.Len(t, own, 1)
		assert.Equal(t, int64(1), own[0].GuideID)

		_, err = engine.List(guideOne, 2, "")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})
}

func TestRefresh(t *testing.T) {
	aug5 := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	aug12 := time.Date(2026, 8, 12, 0, 0, 0, 0, time.UTC)

	t.Run("刷新合并新班次并回到经理审核状态", func(t *testing.T) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
		}}
		engine, _ := newTestEngine(shifts, &fakeGuides{})

		inv, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)

		shifts.assigned = append(shifts.assigned, assignedShift(1, aug12, domain.SlotAfternoon3, "长城半日游"))

		inv, err = engine.Refresh(manager, inv.ID)
		require.NoError(t, err)
		assert.Len(t, inv.Lines, 2)
		assert.Equal(t, domain.InvoiceStatusManagerReview, inv.Status)
	})

	t.Run("发出后的对账单不允许刷新", func(t *testing.T) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
		}}
		engine, _ := newTestEngine(shifts, &fakeGuides{})

		inv, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)
		_, err = engine.Send(manager, inv.ID)
		require.NoError(t, err)

		_, err = engine.Refresh(manager, inv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestEditLines(t *testing.T) {
	aug5 := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)

	t.Run("修改不存在的行返回错误", func(t *testing.T) {
		shifts := &fakeShifts{assigned: []*domain.Shift{
			assignedShift(1, aug5, domain.SlotMorning, "故宫一日游"),
		}}
		engine, _ := newTestEngine(shifts, &fakeGuides{})

		inv, err := engine.Generate(manager, 1, "2026-08")
		require.NoError(t, err)

		desc := "改描述"
		_, err = engine.EditLines(manager, inv.ID, LineChanges{
			Updates: []LineUpdate{{ID: "no-such-line", Description: &desc}},
		})
		require.Error(t, err)
		assert.Equal(t, fmt.Sprintf("行项目 %s 不存在", "no-such-line"), err.Error())
	})
}
