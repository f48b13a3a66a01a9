package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
)

func scanShift(dst interface{ Scan(...any) error }, shift *domain.Shift) error {
	var eventID, displayName sql.NullString

	if err := dst.Scan(&shift.ID, &shift.GuideID, &shift.Date, &shift.Slot, &shift.State, &eventID, &displayName, &shift.UpdatedAt, &shift.Version); err != nil {
		return err
	}

	if eventID.Valid {
		shift.Tour = &domain.TourRef{
			EventID:     eventID.String,
			DisplayName: displayName.String,
		}
	}

	return nil
}

func (r *Repository) GetShift(guideID int64, date time.Time, slot domain.Slot) (*domain.Shift, error) {
	query := `
		SELECT id, guide_id, date, slot, state, tour_event_id, tour_display_name, updated_at, version
		FROM shifts WHERE guide_id = $1 AND date = $2 AND slot = $3
	`

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	shift := &domain.Shift{}
	if err := scanShift(r.dbpool.QueryRowContext(ctx, query, guideID, domain.DateOnly(date), slot), shift); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, domain.ErrShiftNotFound
		default:
			return nil, err
		}
	}

	return shift, nil
}

// SetShiftState 以乐观版本号为条件做单条记录的原子读改写，
// 版本不匹配说明班次刚被并发修改，按状态不可用处理
func (r *Repository) SetShiftState(shift *domain.Shift, newState domain.ShiftState, tour *domain.TourRef) error {
	query := `
		UPDATE shifts
		SET
			state = $1,
			tour_event_id = $2,
			tour_display_name = $3,
			updated_at = NOW(),
			version = version + 1
		WHERE id = $4 AND version = $5
		RETURNING updated_at, version
	`

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	var eventID, displayName sql.NullString
	if tour != nil {
		eventID = sql.NullString{String: tour.EventID, Valid: true}
		displayName = sql.NullString{String: tour.DisplayName, Valid: true}
	}

	args := []any{newState, eventID, displayName, shift.ID, shift.Version}
	if err := r.dbpool.QueryRowContext(ctx, query, args...).Scan(&shift.UpdatedAt, &shift.Version); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return domain.ErrShiftNotAvailable
		default:
			return err
		}
	}

	shift.State = newState
	shift.Tour = tour

	return nil
}

func (r *Repository) queryShifts(query string, args ...any) ([]*domain.Shift, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]*domain.Shift, 0)
	for rows.Next() {
		shift := &domain.Shift{}
		if err := scanShift(rows, shift); err != nil {
			return nil, err
		}
		shifts = append(shifts, shift)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return shifts, nil
}

// ListShiftsByDateRange 按日期区间列出班次，guideID 为 0 时不按导游过滤
func (r *Repository) ListShiftsByDateRange(guideID int64, from time.Time, to time.Time) ([]*domain.Shift, error) {
	query := `
		SELECT id, guide_id, date, slot, state, tour_event_id, tour_display_name, updated_at, version
		FROM shifts
		WHERE date >= $1 AND date <= $2 AND ($3 = 0 OR guide_id = $3)
		ORDER BY date, slot, guide_id
	`

	return r.queryShifts(query, domain.DateOnly(from), domain.DateOnly(to), guideID)
}

func (r *Repository) ListAssignedByDateSlot(date time.Time, slot domain.Slot) ([]*domain.Shift, error) {
	query := `
		SELECT id, guide_id, date, slot, state, tour_event_id, tour_display_name, updated_at, version
		FROM shifts
		WHERE date = $1 AND slot = $2 AND state = 'ASSIGNED'
	`

	return r.queryShifts(query, domain.DateOnly(date), slot)
}

func (r *Repository) ListAssignedInWindow(from time.Time, to time.Time) ([]*domain.Shift, error) {
	query := `
		SELECT id, guide_id, date, slot, state, tour_event_id, tour_display_name, updated_at, version
		FROM shifts
		WHERE date >= $1 AND date <= $2 AND state = 'ASSIGNED'
		ORDER BY date, slot
	`

	return r.queryShifts(query, domain.DateOnly(from), domain.DateOnly(to))
}

// ListAssignedShifts 供对账单生成读取某导游一段时间内的已分配班次，区间为 [from, to)
func (r *Repository) ListAssignedShifts(guideID int64, from time.Time, to time.Time) ([]*domain.Shift, error) {
	query := `
		SELECT id, guide_id, date, slot, state, tour_event_id, tour_display_name, updated_at, version
		FROM shifts
		WHERE guide_id = $1 AND date >= $2 AND date < $3 AND state = 'ASSIGNED'
		ORDER BY date, slot
	`

	return r.queryShifts(query, guideID, domain.DateOnly(from), domain.DateOnly(to))
}

// MaterializeShifts 为一批导游物化一段日期内的全部班次记录，
// 已存在的 (导游, 日期, 时段) 记录保持原样
func (r *Repository) MaterializeShifts(guideIDs []int64, from time.Time, to time.Time) (int64, error) {
	query := `
		INSERT INTO shifts (guide_id, date, slot, state)
		VALUES ($1, $2, $3, 'FREE')
		ON CONFLICT (guide_id, date, slot) DO NOTHING
	`

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.TransactionTimeout)*time.Second)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var created int64
	for _, guideID := range guideIDs {
		for date := domain.DateOnly(from); !date.After(domain.DateOnly(to)); date = date.AddDate(0, 0, 1) {
			for _, slot := range domain.AllSlots {
				res, err := tx.ExecContext(ctx, query, guideID, date, slot)
				if err != nil {
					return 0, err
				}
				if n, err := res.RowsAffected(); err == nil {
					created += n
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return created, nil
}
