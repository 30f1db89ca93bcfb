package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// AuditLog writes crawl_logs rows.
type AuditLog struct {
	db *sqlx.DB
}

// NewAuditLog returns an AuditLog on db.
func NewAuditLog(db *sqlx.DB) *AuditLog {
	return &AuditLog{db: db}
}

type auditRow struct {
	ID           int64          `db:"id"`
	Level        string         `db:"level"`
	Message      string         `db:"message"`
	BookID       sql.NullInt64  `db:"book_id"`
	URL          sql.NullString `db:"url"`
	ErrorDetails sql.NullString `db:"error_details"`
	CreatedAt    string         `db:"created_at"`
}

// Append inserts entries in one transaction.
func (l *AuditLog) Append(ctx context.Context, entries []queue.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("begin audit append", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	for _, e := range entries {
		row := auditRow{
			Level:        e.Level,
			Message:      e.Message,
			ErrorDetails: nullString(e.ErrorDetails),
			CreatedAt:    formatTime(e.CreatedAt),
		}
		if e.BookID != nil {
			row.BookID = sql.NullInt64{Int64: *e.BookID, Valid: true}
		}
		if e.URL != "" {
			row.URL = sql.NullString{String: e.URL, Valid: true}
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO crawl_logs (level, message, book_id, url, error_details, created_at)
			VALUES (:level, :message, :book_id, :url, :error_details, :created_at)`, row)
		if err != nil {
			return wrap("insert audit entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit audit append", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (l *AuditLog) Recent(ctx context.Context, limit int) ([]queue.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []auditRow
	err := l.db.SelectContext(ctx, &rows, `SELECT id, level, message, book_id, url, error_details, created_at
		FROM crawl_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list audit entries", err)
	}
	out := make([]queue.AuditEntry, 0, len(rows))
	for _, r := range rows {
		created, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("audit entry %d: %w", r.ID, err)
		}
		e := queue.AuditEntry{
			ID:        r.ID,
			Level:     r.Level,
			Message:   r.Message,
			URL:       r.URL.String,
			CreatedAt: created,
		}
		if r.BookID.Valid {
			id := r.BookID.Int64
			e.BookID = &id
		}
		if r.ErrorDetails.Valid {
			d := r.ErrorDetails.String
			e.ErrorDetails = &d
		}
		out = append(out, e)
	}
	return out, nil
}
