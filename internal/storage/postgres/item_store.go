// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/migrations"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the stores.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// ItemStore implements queue.Store on Postgres. Claims lock their candidate
// row with FOR UPDATE SKIP LOCKED so concurrent claimers never collide.
type ItemStore struct {
	pool pool
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, wrap("connect postgres", err)
	}
	return p, nil
}

// NewItemStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithPool(p pool) (*ItemStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ItemStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func selectColumns(kind queue.Kind) string {
	bookID := "NULL::bigint AS book_id"
	if kind == queue.KindBookDetail {
		bookID = "book_id"
	}
	return "id, " + bookID + `, url, url_type, priority, status, retry_count, max_retries,
		error_message, books_found, books_saved, lease_token, created_at, updated_at,
		available_at, processing_started_at, completed_at`
}

func scanItem(row pgx.Row, kind queue.Kind) (queue.WorkItem, error) {
	var (
		item   queue.WorkItem
		status string
	)
	err := row.Scan(
		&item.ID,
		&item.BookID,
		&item.URL,
		&item.URLType,
		&item.Priority,
		&status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.ErrorMessage,
		&item.BooksFound,
		&item.BooksSaved,
		&item.LeaseToken,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.AvailableAt,
		&item.ProcessingStartedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return queue.WorkItem{}, err
	}
	item.Kind = kind
	item.Status = queue.Status(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	item.AvailableAt = item.AvailableAt.UTC()
	return item, nil
}

// Insert adds a new item to its kind's table.
func (s *ItemStore) Insert(ctx context.Context, item queue.WorkItem) error {
	if item.ID == "" || item.URL == "" || !item.Kind.Valid() {
		return fmt.Errorf("insert item: id, url and kind are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, url, url_type, priority, status, retry_count, max_retries, error_message,
	books_found, books_saved, lease_token, created_at, updated_at, available_at,
	processing_started_at, completed_at%s
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16%s);`,
		item.Kind.Table(), bookIDColumn(item.Kind), bookIDParam(item.Kind))
	args := []any{
		item.ID, item.URL, item.URLType, item.Priority, string(item.Status), item.RetryCount,
		item.MaxRetries, item.ErrorMessage, item.BooksFound, item.BooksSaved, item.LeaseToken,
		item.CreatedAt, item.UpdatedAt, item.AvailableAt, item.ProcessingStartedAt, item.CompletedAt,
	}
	if item.Kind == queue.KindBookDetail {
		args = append(args, item.BookID)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", item.URL, queue.ErrDuplicateURL)
		}
		return wrap("insert item", err)
	}
	return nil
}

func bookIDColumn(kind queue.Kind) string {
	if kind == queue.KindBookDetail {
		return ", book_id"
	}
	return ""
}

func bookIDParam(kind queue.Kind) string {
	if kind == queue.KindBookDetail {
		return ", $17"
	}
	return ""
}

// Get loads an item by id from whichever table holds it.
func (s *ItemStore) Get(ctx context.Context, id string) (queue.WorkItem, error) {
	for _, kind := range queue.Kinds {
		item, err := s.getOne(ctx, s.pool, kind, "id", id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		return item, err
	}
	return queue.WorkItem{}, fmt.Errorf("get %s: %w", id, queue.ErrNotFound)
}

// GetByURL loads an item by its dedup key.
func (s *ItemStore) GetByURL(ctx context.Context, kind queue.Kind, url string) (queue.WorkItem, error) {
	return s.getOne(ctx, s.pool, kind, "url", url)
}

func (s *ItemStore) getOne(ctx context.Context, q querier, kind queue.Kind, column, value string) (queue.WorkItem, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1;", selectColumns(kind), kind.Table(), column)
	item, err := scanItem(q.QueryRow(ctx, query, value), kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.WorkItem{}, fmt.Errorf("get %s: %w", value, queue.ErrNotFound)
		}
		return queue.WorkItem{}, wrap("get item", err)
	}
	return item, nil
}

// Claim locks, leases and returns the best eligible item.
func (s *ItemStore) Claim(ctx context.Context, req queue.ClaimRequest) (queue.WorkItem, error) {
	if !req.Kind.Valid() {
		return queue.WorkItem{}, fmt.Errorf("claim: unknown kind %q", req.Kind)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return queue.WorkItem{}, wrap("begin claim", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status IN ('pending', 'retry') AND available_at <= $1
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED;`, selectColumns(req.Kind), req.Kind.Table())
	prev, err := scanItem(tx.QueryRow(ctx, query, req.Now), req.Kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.WorkItem{}, queue.ErrNoWork
		}
		return queue.WorkItem{}, wrap("select claim candidate", err)
	}
	next, err := queue.Apply(prev, queue.Transition{Event: queue.EventClaim, At: req.Now, NewToken: req.Token})
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("claim %s: %w", prev.ID, err)
	}
	if err := compareAndSet(ctx, tx, prev, next); err != nil {
		return queue.WorkItem{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return queue.WorkItem{}, wrap("commit claim", err)
	}
	return next, nil
}

// UpdateStatus applies tr and persists it with a compare-and-set.
func (s *ItemStore) UpdateStatus(ctx context.Context, id string, tr queue.Transition) (queue.WorkItem, error) {
	prev, err := s.Get(ctx, id)
	if err != nil {
		return queue.WorkItem{}, err
	}
	next, err := queue.Apply(prev, tr)
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("update %s: %w", id, err)
	}
	if err := compareAndSet(ctx, s.pool, prev, next); err != nil {
		return queue.WorkItem{}, err
	}
	return next, nil
}

func compareAndSet(ctx context.Context, q querier, prev, next queue.WorkItem) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, retry_count = $2, error_message = $3, books_found = $4, books_saved = $5,
	lease_token = $6, updated_at = $7, available_at = $8, processing_started_at = $9, completed_at = $10
WHERE id = $11 AND status = $12 AND lease_token = $13 AND retry_count = $14;`, prev.Kind.Table())
	tag, err := q.Exec(ctx, query,
		string(next.Status), next.RetryCount, next.ErrorMessage, next.BooksFound, next.BooksSaved,
		next.LeaseToken, next.UpdatedAt, next.AvailableAt, next.ProcessingStartedAt, next.CompletedAt,
		prev.ID, string(prev.Status), prev.LeaseToken, prev.RetryCount)
	if err != nil {
		return wrap("update item", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: item %s changed concurrently", queue.ErrInvalidTransition, prev.ID)
	}
	return nil
}

// ListByStatus returns a page of items; an empty status matches all.
func (s *ItemStore) ListByStatus(ctx context.Context, q queue.ListQuery) ([]queue.WorkItem, error) {
	if !q.Kind.Valid() {
		return nil, fmt.Errorf("list: unknown kind %q", q.Kind)
	}
	order := "priority DESC, created_at ASC, id ASC"
	if q.Order == queue.OrderNewest {
		order = "created_at DESC, id DESC"
	}
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}
	var status *string
	if q.Status != "" {
		v := string(q.Status)
		status = &v
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY %s
		LIMIT $2 OFFSET $3;`, selectColumns(q.Kind), q.Kind.Table(), order)
	return s.queryItems(ctx, q.Kind, query, status, limit, max(q.Offset, 0))
}

// ListExpired returns processing items whose lease began before cutoff.
func (s *ItemStore) ListExpired(ctx context.Context, kind queue.Kind, cutoff time.Time, limit int) ([]queue.WorkItem, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = 'processing' AND processing_started_at < $1
		ORDER BY processing_started_at ASC
		LIMIT $2;`, selectColumns(kind), kind.Table())
	return s.queryItems(ctx, kind, query, cutoff, lim)
}

func (s *ItemStore) queryItems(ctx context.Context, kind queue.Kind, query string, args ...any) ([]queue.WorkItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list items", err)
	}
	defer rows.Close()

	items := []queue.WorkItem{}
	for rows.Next() {
		item, err := scanItem(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list items", err)
	}
	return items, nil
}

// Stats groups the kind's table by status.
func (s *ItemStore) Stats(ctx context.Context, kind queue.Kind) ([]queue.StatusStats, error) {
	query := fmt.Sprintf(`
SELECT status, COUNT(*), COALESCE(SUM(books_found), 0), COALESCE(SUM(books_saved), 0)
FROM %s
GROUP BY status;`, kind.Table())
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, wrap("stats", err)
	}
	defer rows.Close()

	var out []queue.StatusStats
	for rows.Next() {
		var (
			st     queue.StatusStats
			status string
		)
		if err := rows.Scan(&status, &st.Count, &st.BooksFound, &st.BooksSaved); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		st.Status = queue.Status(status)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("stats", err)
	}
	sort.Slice(out, func(i, j int) bool { return statusRank(out[i].Status) < statusRank(out[j].Status) })
	return out, nil
}

// SchemaVersion reads the migrate bookkeeping table; 0 when absent.
func (s *ItemStore) SchemaVersion(ctx context.Context) (uint, error) {
	var (
		version int64
		dirty   bool
	)
	err := s.pool.QueryRow(ctx, migrations.VersionQuery).Scan(&version, &dirty)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "42P01") {
			return 0, nil
		}
		return 0, wrap("schema version", err)
	}
	if dirty {
		return 0, fmt.Errorf("schema version %d is dirty", version)
	}
	return uint(version), nil
}

func statusRank(s queue.Status) int {
	for i, st := range queue.Statuses {
		if st == s {
			return i
		}
	}
	return len(queue.Statuses)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrap tags connection failures with queue.ErrStoreUnavailable.
func wrap(op string, err error) error {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
