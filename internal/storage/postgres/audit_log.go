package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/migrations"
)

// AuditLog writes crawl_logs rows.
type AuditLog struct {
	pool pool
}

// NewAuditLogWithPool constructs an AuditLog from an existing pool.
func NewAuditLogWithPool(p pool) *AuditLog {
	return &AuditLog{pool: p}
}

// Append inserts entries as one batch.
func (l *AuditLog) Append(ctx context.Context, entries []queue.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return wrap("begin audit append", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	const query = `
INSERT INTO crawl_logs (level, message, book_id, url, error_details, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6);`
	for _, e := range entries {
		if _, err := tx.Exec(ctx, query, e.Level, e.Message, e.BookID, e.URL, e.ErrorDetails, e.CreatedAt); err != nil {
			return wrap("insert audit entry", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit audit append", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (l *AuditLog) Recent(ctx context.Context, limit int) ([]queue.AuditEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := l.pool.Query(ctx, `
SELECT id, level, message, book_id, COALESCE(url, ''), error_details, created_at
FROM crawl_logs
ORDER BY created_at DESC, id DESC
LIMIT $1;`, lim)
	if err != nil {
		return nil, wrap("list audit entries", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.AuditEntry, error) {
		var e queue.AuditEntry
		err := row.Scan(&e.ID, &e.Level, &e.Message, &e.BookID, &e.URL, &e.ErrorDetails, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit rows: %w", err)
	}
	return entries, nil
}

// Migrate applies the embedded schema through a database/sql view of p.
func Migrate(p *pgxpool.Pool) error {
	m, err := migrations.New(stdlib.OpenDBFromPool(p), migrations.Postgres)
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck // closes only the sql.DB wrapper
	return m.Up()
}
