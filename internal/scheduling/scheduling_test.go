package scheduling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	shifts map[string]*domain.Shift
}

func newFakeStore() *fakeStore {
	return &fakeStore{shifts: make(map[string]*domain.Shift)}
}

func shiftMapKey(guideID int64, date time.Time, slot domain.Slot) string {
	return fmt.Sprintf("%d|%s|%s", guideID, domain.DateOnly(date).Format("2006-01-02"), slot)
}

func (s *fakeStore) put(guideID int64, date time.Time, slot domain.Slot, state domain.ShiftState, tour *domain.TourRef) *domain.Shift {
	shift := &domain.Shift{
		ID:      int64(len(s.shifts) + 1),
		GuideID: guideID,
		Date:    domain.DateOnly(date),
		Slot:    slot,
		State:   state,
		Tour:    tour,
		Version: 1,
	}
	s.shifts[shiftMapKey(guideID, date, slot)] = shift
	return shift
}

func (s *fakeStore) GetShift(guideID int64, date time.Time, slot domain.Slot) (*domain.Shift, error) {
	shift, ok := s.shifts[shiftMapKey(guideID, date, slot)]
	if !ok {
		return nil, domain.ErrShiftNotFound
	}
	copied := *shift
	return &copied, nil
}

func (s *fakeStore) ListAssignedByDateSlot(date time.Time, slot domain.Slot) ([]*domain.Shift, error) {
	result := []*domain.Shift{}
	for _, shift := range s.shifts {
		if shift.Date.Equal(domain.DateOnly(date)) && shift.Slot == slot && shift.State == domain.ShiftStateAssigned {
			copied := *shift
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (s *fakeStore) ListAssignedInWindow(from time.Time, to time.Time) ([]*domain.Shift, error) {
	result := []*domain.Shift{}
	for _, shift := range s.shifts {
		if shift.State != domain.ShiftStateAssigned {
			continue
		}
		if shift.Date.Before(domain.DateOnly(from)) || shift.Date.After(domain.DateOnly(to)) {
			continue
		}
		copied := *shift
		result = append(result, &copied)
	}
	return result, nil
}

func (s *fakeStore) SetShiftState(shift *domain.Shift, newState domain.ShiftState, tour *domain.TourRef) error {
	stored, ok := s.shifts[shiftMapKey(shift.GuideID, shift.Date, shift.Slot)]
	if !ok || stored.Version != shift.Version {
		return domain.ErrShiftNotAvailable
	}

	stored.State = newState
	stored.Tour = tour
	stored.Version++

	shift.State = newState
	shift.Tour = tour
	shift.Version = stored.Version
	return nil
}

type fakeUsers struct {
	users map[int64]*domain.User
}

func (u *fakeUsers) GetUserByID(id int64) (*domain.User, error) {
	user, ok := u.users[id]
	if !ok {
		return nil, errors.New("用户不存在")
	}
	return user, nil
}

type fakeRegistry struct {
	tours     map[string]*domain.Tour
	cancelled map[string]bool

	addErr    error
	removeErr error

	added   []string
	removed []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		tours:     make(map[string]*domain.Tour),
		cancelled: make(map[string]bool),
	}
}

func (r *fakeRegistry) putTour(date time.Time, slot domain.Slot, eventID string, name string) {
	r.tours[shiftMapKey(0, date, slot)] = &domain.Tour{
		EventID:     eventID,
		Date:        domain.DateOnly(date),
		Slot:        slot,
		DisplayName: name,
	}
}

func (r *fakeRegistry) TourForSlot(ctx context.Context, date time.Time, slot domain.Slot) (*domain.Tour, error) {
	return r.tours[shiftMapKey(0, date, slot)], nil
}

func (r *fakeRegistry) IsCancelled(ctx context.Context, eventID string) (bool, error) {
	return r.cancelled[eventID], nil
}

func (r *fakeRegistry) CancelledFlags(ctx context.Context, eventIDs []string) (map[string]bool, error) {
	flags := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		flags[id] = r.cancelled[id]
	}
	return flags, nil
}

func (r *fakeRegistry) AddParticipant(ctx context.Context, eventID string, email string) error {
	if r.addErr != nil {
		return r.addErr
	}
	r.added = append(r.added, eventID+"|"+email)
	return nil
}

func (r *fakeRegistry) RemoveParticipant(ctx context.Context, eventID string, email string) error {
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, eventID+"|"+email)
	return nil
}

var (
	manager    = domain.Principal{UserID: 100, Role: domain.RoleManager}
	guideOne   = domain.Principal{UserID: 1, Role: domain.RoleGuide}
	guideTwo   = domain.Principal{UserID: 2, Role: domain.RoleGuide}
	testDate   = time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func newTestCoordinator() (*Coordinator, *fakeStore, *fakeRegistry) {
	store := newFakeStore()
	users := &fakeUsers{users: map[int64]*domain.User{
		1: {ID: 1, FullName: "张三", Email: "zhangsan@qihang.test", Role: domain.RoleGuide},
		2: {ID: 2, FullName: "李四", Email: "lisi@qihang.test", Role: domain.RoleGuide},
	}}
	reg := newFakeRegistry()
	return NewCoordinator(store, users, reg, testLogger), store, reg
}

func TestAssign(t *testing.T) {
	ctx := context.Background()

	t.Run("空闲班次分配成功并发出日历邀请", func(t *testing.T) {
		c, store, reg := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)
		reg.putTour(testDate, domain.SlotMorning, "evt-1", "故宫一日游")

		res, err := c.Assign(ctx, manager, 1, testDate, domain.SlotMorning)
		require.NoError(t, err)
		assert.Empty(t, res.Warning)
		assert.Equal(t, domain.ShiftStateAssigned, res.Shift.State)
		require.NotNil(t, res.Shift.Tour)
		assert.Equal(t, "evt-1", res.Shift.Tour.EventID)
		assert.Equal(t, []string{"evt-1|zhangsan@qihang.test"}, reg.added)

		stored, err := store.GetShift(1, testDate, domain.SlotMorning)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateAssigned, stored.State)
	})

	t.Run("导游不能执行分配", func(t *testing.T) {
		c, store, reg := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)
		reg.putTour(testDate, domain.SlotMorning, "evt-1", "故宫一日游")

		_, err := c.Assign(ctx, guideOne, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("屏蔽中的班次不允许直接分配", func(t *testing.T) {
		c, store, reg := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateBlocked, nil)
		reg.putTour(testDate, domain.SlotMorning, "evt-1", "故宫一日游")

		_, err := c.Assign(ctx, manager, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrShiftNotAvailable)
	})

	t.Run("该时段没有团时拒绝分配", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)

		_, err := c.Assign(ctx, manager, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrNoMatchingTour)
	})

	t.Run("同一时段已有其他导游时返回冲突和对方姓名", func(t *testing.T) {
		c, store, reg := newTestCoordinator()
		reg.putTour(testDate, domain.SlotMorning, "evt-1", "故宫一日游")
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)
		store.put(2, testDate, domain.SlotMorning, domain.ShiftStateAssigned, &domain.TourRef{EventID: "evt-1"})

		_, err := c.Assign(ctx, manager, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrSlotAlreadyTaken)

		var conflict *domain.SlotConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(2), conflict.GuideID)
		assert.Equal(t, "李四", conflict.GuideName)
	})

	t.Run("日历邀请失败时分配依然生效并返回警告", func(t *testing.T) {
		c, store, reg := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)
		reg.putTour(testDate, domain.SlotMorning, "evt-1", "故宫一日游")
		reg.addErr = errors.New("日历服务不可用")

		res, err := c.Assign(ctx, manager, 1, testDate, domain.SlotMorning)
		require.NoError(t, err)
		assert.NotEmpty(t, res.Warning)
		assert.Equal(t, domain.ShiftStateAssigned, res.Shift.State)

		stored, err := store.GetShift(1, testDate, domain.SlotMorning)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateAssigned, stored.State)
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("已分配班次释放回空闲并移除日历邀请", func(t *testing.T) {
		c, store, reg := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateAssigned, &domain.TourRef{EventID: "evt-1", DisplayName: "故宫一日游"})

		res, err := c.Release(ctx, manager, 1, testDate, domain.SlotMorning)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateFree, res.Shift.State)
		assert.Nil(t, res.Shift.Tour)
		assert.Equal(t, []string{"evt-1|zhangsan@qihang.test"}, reg.removed)
	})

	t.Run("空闲班次不允许释放", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)

		_, err := c.Release(ctx, manager, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrShiftNotAvailable)
	})

	t.Run("导游不能执行释放", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateAssigned, &domain.TourRef{EventID: "evt-1"})

		_, err := c.Release(ctx, guideOne, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})
}

func TestBlockUnblock(t *testing.T) {
	ctx := context.Background()

	t.Run("导游本人可以屏蔽自己的空闲班次", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)

		shift, err := c.Block(ctx, guideOne, 1, testDate, domain.SlotMorning)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateBlocked, shift.State)
	})

	t.Run("导游不能屏蔽别人的班次", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)

		_, err := c.Block(ctx, guideTwo, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("经理可以代导游屏蔽", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateFree, nil)

		shift, err := c.Block(ctx, manager, 1, testDate, domain.SlotMorning)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateBlocked, shift.State)
	})

	t.Run("已分配的班次不允许屏蔽", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateAssigned, &domain.TourRef{EventID: "evt-1"})

		_, err := c.Block(ctx, guideOne, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrShiftNotAvailable)
	})

	t.Run("只有屏蔽中的班次可以解除屏蔽", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotMorning, domain.ShiftStateBlocked, nil)

		shift, err := c.Unblock(ctx, guideOne, 1, testDate, domain.SlotMorning)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateFree, shift.State)

		_, err = c.Unblock(ctx, guideOne, 1, testDate, domain.SlotMorning)
		assert.ErrorIs(t, err, domain.ErrShiftNotAvailable)
	})
}

func TestBulkAfternoon(t *testing.T) {
	ctx := context.Background()

	t.Run("批量屏蔽跳过已分配的时段", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotAfternoon1, domain.ShiftStateFree, nil)
		store.put(1, testDate, domain.SlotAfternoon2, domain.ShiftStateAssigned, &domain.TourRef{EventID: "evt-1"})
		store.put(1, testDate, domain.SlotAfternoon3, domain.ShiftStateFree, nil)

		updated, err := c.BlockAfternoon(ctx, guideOne, 1, testDate)
		require.NoError(t, err)
		assert.Len(t, updated, 2)

		assigned, err := store.GetShift(1, testDate, domain.SlotAfternoon2)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateAssigned, assigned.State)
	})

	t.Run("未物化的时段跳过", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotAfternoon1, domain.ShiftStateFree, nil)

		updated, err := c.BlockAfternoon(ctx, guideOne, 1, testDate)
		require.NoError(t, err)
		assert.Len(t, updated, 1)
	})

	t.Run("批量解除屏蔽只作用于屏蔽中的时段", func(t *testing.T) {
		c, store, _ := newTestCoordinator()
		store.put(1, testDate, domain.SlotAfternoon1, domain.ShiftStateBlocked, nil)
		store.put(1, testDate, domain.SlotAfternoon2, domain.ShiftStateFree, nil)
		store.put(1, testDate, domain.SlotAfternoon3, domain.ShiftStateBlocked, nil)

		updated, err := c.UnblockAfternoon(ctx, guideOne, 1, testDate)
		require.NoError(t, err)
		assert.Len(t, updated, 2)
		for _, shift := range updated {
			assert.Equal(t, domain.ShiftStateFree, shift.State)
		}
	})
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()

	newTestReconciler := func(c *Coordinator, store *fakeStore, reg *fakeRegistry) *Reconciler {
		return NewReconciler(c, store, reg, 900, 7, 60, testLogger)
	}

	t.Run("取消的团对应的班次被释放", func(t *testing.T) {
		c, store, reg := newTestCoordinator()
		today := domain.DateOnly(time.Now())
		store.put(1, today, domain.SlotMorning, domain.ShiftStateAssigned, &domain.TourRef{EventID: "evt-1"})
		store.put(2, today, domain.SlotAfternoon1, domain.ShiftStateAssigned, &domain.TourRef{EventID: "evt-2"})
		reg.cancelled["evt-1"] = true

		released, err := newTestReconciler(c, store, reg).RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		freed, err := store.GetShift(1, today, domain.SlotMorning)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateFree, freed.State)

		kept, err := store.GetShift(2, today, domain.SlotAfternoon1)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateAssigned, kept.State)
	})

	t.Run("窗口外的班次不参与对账", func(t *testing.T) {
		c, store, reg := newTestCoordinator()
		farFuture := domain.DateOnly(time.Now()).AddDate(0, 0, 90)
		store.put(1, farFuture, domain.SlotMorning, domain.ShiftStateAssigned, &domain.TourRef{EventID: "evt-1"})
		reg.cancelled["evt-1"] = true

		released, err := newTestReconciler(c, store, reg).RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, released)
	})

	t.Run("没有已分配班次时不请求外部日历", func(t *testing.T) {
		c, store, reg := newTestCoordinator()

		released, err := newTestReconciler(c, store, reg).RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, released)
	})
}
