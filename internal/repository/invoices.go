package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
)

// 行项目整体存成 jsonb，对账单的更新始终是单条记录的原子写入

func (r *Repository) GetInvoiceByID(id int64) (*domain.Invoice, error) {
	query := `
		SELECT guide_id, month, lines, status, rejection_comment, upload_deadline, document_key, created_at, version
		FROM invoices WHERE id = $1
	`

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	inv := &domain.Invoice{
		ID: id,
	}

	if err := scanInvoice(r.dbpool.QueryRowContext(ctx, query, id), inv); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, domain.ErrInvoiceNotFound
		default:
			return nil, err
		}
	}

	return inv, nil
}

func scanInvoice(dst interface{ Scan(...any) error }, inv *domain.Invoice) error {
	var lines []byte
	var comment, documentKey sql.NullString
	var deadline sql.NullTime

	if err := dst.Scan(&inv.GuideID, &inv.Month, &lines, &inv.Status, &comment, &deadline, &documentKey, &inv.CreatedAt, &inv.Version); err != nil {
		return err
	}

	if err := json.Unmarshal(lines, &inv.Lines); err != nil {
		return err
	}
	inv.RejectionComment = comment.String
	inv.DocumentKey = documentKey.String
	if deadline.Valid {
		inv.UploadDeadline = &deadline.Time
	}

	return nil
}

func (r *Repository) GetInvoiceByGuideAndMonth(guideID int64, month string) (*domain.Invoice, error) {
	query := `
		SELECT id, guide_id, month, lines, status, rejection_comment, upload_deadline, document_key, created_at, version
		FROM invoices WHERE guide_id = $1 AND month = $2
	`

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	inv := &domain.Invoice{}
	row := r.dbpool.QueryRowContext(ctx, query, guideID, month)

	var lines []byte
	var comment, documentKey sql.NullString
	var deadline sql.NullTime

	if err := row.Scan(&inv.ID, &inv.GuideID, &inv.Month, &lines, &inv.Status, &comment, &deadline, &documentKey, &inv.CreatedAt, &inv.Version); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, domain.ErrInvoiceNotFound
		default:
			return nil, err
		}
	}

	if err := json.Unmarshal(lines, &inv.Lines); err != nil {
		return nil, err
	}
	inv.RejectionComment = comment.String
	inv.DocumentKey = documentKey.String
	if deadline.Valid {
		inv.UploadDeadline = &deadline.Time
	}

	return inv, nil
}

func (r *Repository) CreateInvoice(inv *domain.Invoice) error {
	query := `
		INSERT INTO invoices (guide_id, month, lines, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, version
	`

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}

	args := []any{inv.GuideID, inv.Month, lines, inv.Status}
	if err := r.dbpool.QueryRowContext(ctx, query, args...).Scan(&inv.ID, &inv.CreatedAt, &inv.Version); err != nil {
		return err
	}

	return nil
}

func (r *Repository) UpdateInvoice(inv *domain.Invoice) error {
	query := `
		UPDATE invoices
		SET
			lines = $1,
			status = $2,
			rejection_comment = $3,
			upload_deadline = $4,
			document_key = $5,
			version = version + 1
		WHERE id = $6 AND version = $7
		RETURNING version
	`

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}

	var comment, documentKey sql.NullString
	if inv.RejectionComment != "" {
		comment = sql.NullString{String: inv.RejectionComment, Valid: true}
	}
	if inv.DocumentKey != "" {
		documentKey = sql.NullString{String: inv.DocumentKey, Valid: true}
	}
	var deadline sql.NullTime
	if inv.UploadDeadline != nil {
		deadline = sql.NullTime{Time: *inv.UploadDeadline, Valid: true}
	}

	args := []any{lines, inv.Status, comment, deadline, documentKey, inv.ID, inv.Version}
	if err := r.dbpool.QueryRowContext(ctx, query, args...).Scan(&inv.Version); err != nil {
		return err
	}

	return nil
}

// ListInvoices 按条件列出对账单，guideID 为 0 或 month 为空表示不过滤
func (r *Repository) ListInvoices(guideID int64, month string) ([]*domain.Invoice, error) {
	query := `
		SELECT id, guide_id, month, lines, status, rejection_comment, upload_deadline, document_key, created_at, version
		FROM invoices
		WHERE ($1 = 0 OR guide_id = $1) AND ($2 = '' OR month = $2)
		ORDER BY month DESC, guide_id
	`

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query, guideID, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]*domain.Invoice, 0)
	for rows.Next() {
		inv := &domain.Invoice{}

		var lines []byte
		var comment, documentKey sql.NullString
		var deadline sql.NullTime

		if err := rows.Scan(&inv.ID, &inv.GuideID, &inv.Month, &lines, &inv.Status, &comment, &deadline, &documentKey, &inv.CreatedAt, &inv.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lines, &inv.Lines); err != nil {
			return nil, err
		}
		inv.RejectionComment = comment.String
		inv.DocumentKey = documentKey.String
		if deadline.Valid {
			inv.UploadDeadline = &deadline.Time
		}

		invoices = append(invoices, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return invoices, nil
}
