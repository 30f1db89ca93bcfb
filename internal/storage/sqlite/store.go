// Package sqlite implements the queue store on SQLite, the crawler's original
// database, through sqlx and mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/migrations"
)

// Config controls how the database file is opened.
type Config struct {
	// Path is a file path or ":memory:".
	Path        string
	BusyTimeout time.Duration
}

// Store implements queue.Store on SQLite. Writers run in IMMEDIATE
// transactions over a single connection, so claims never interleave.
type Store struct {
	db *sqlx.DB
}

// Open connects to the configured database file.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_foreign_keys=on", cfg.Path, busy.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrap("ping sqlite", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for repositories sharing the connection.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Migrate applies the embedded schema to this database. The migrator is not
// closed because it shares the store's handle.
func (s *Store) Migrate() error {
	m, err := migrations.New(s.db.DB, migrations.SQLite)
	if err != nil {
		return err
	}
	return m.Up()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Insert adds a new item to its kind's table.
func (s *Store) Insert(ctx context.Context, item queue.WorkItem) error {
	if item.ID == "" || item.URL == "" || !item.Kind.Valid() {
		return errors.New("insert item: id, url and kind are required")
	}
	cols := `id, url, url_type, priority, status, retry_count, max_retries, error_message,
		books_found, books_saved, lease_token, created_at, updated_at, available_at,
		processing_started_at, completed_at`
	vals := `:id, :url, :url_type, :priority, :status, :retry_count, :max_retries, :error_message,
		:books_found, :books_saved, :lease_token, :created_at, :updated_at, :available_at,
		:processing_started_at, :completed_at`
	if item.Kind == queue.KindBookDetail {
		cols += ", book_id"
		vals += ", :book_id"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", item.Kind.Table(), cols, vals)
	if _, err := s.db.NamedExecContext(ctx, query, toRow(item)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", item.URL, queue.ErrDuplicateURL)
		}
		return wrap("insert item", err)
	}
	return nil
}

// Get loads an item by id from whichever table holds it.
func (s *Store) Get(ctx context.Context, id string) (queue.WorkItem, error) {
	for _, kind := range queue.Kinds {
		item, err := s.getOne(ctx, s.db, kind, "id = ?", id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		return item, err
	}
	return queue.WorkItem{}, fmt.Errorf("get %s: %w", id, queue.ErrNotFound)
}

// GetByURL loads an item by its dedup key.
func (s *Store) GetByURL(ctx context.Context, kind queue.Kind, url string) (queue.WorkItem, error) {
	return s.getOne(ctx, s.db, kind, "url = ?", url)
}

// Claim selects and leases the best eligible item in one transaction.
func (s *Store) Claim(ctx context.Context, req queue.ClaimRequest) (queue.WorkItem, error) {
	if !req.Kind.Valid() {
		return queue.WorkItem{}, fmt.Errorf("claim: unknown kind %q", req.Kind)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return queue.WorkItem{}, wrap("begin claim", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status IN ('pending', 'retry') AND available_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1`, selectColumns(req.Kind), req.Kind.Table())
	var row itemRow
	if err := tx.GetContext(ctx, &row, query, formatTime(req.Now)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.WorkItem{}, queue.ErrNoWork
		}
		return queue.WorkItem{}, wrap("select claim candidate", err)
	}
	prev, err := row.toItem(req.Kind)
	if err != nil {
		return queue.WorkItem{}, err
	}
	next, err := queue.Apply(prev, queue.Transition{Event: queue.EventClaim, At: req.Now, NewToken: req.Token})
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("claim %s: %w", prev.ID, err)
	}
	if err := compareAndSet(ctx, tx, prev, next); err != nil {
		return queue.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return queue.WorkItem{}, wrap("commit claim", err)
	}
	return next, nil
}

// UpdateStatus applies tr and persists the result if the row is unchanged.
func (s *Store) UpdateStatus(ctx context.Context, id string, tr queue.Transition) (queue.WorkItem, error) {
	prev, err := s.Get(ctx, id)
	if err != nil {
		return queue.WorkItem{}, err
	}
	next, err := queue.Apply(prev, tr)
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("update %s: %w", id, err)
	}
	if err := compareAndSet(ctx, s.db, prev, next); err != nil {
		return queue.WorkItem{}, err
	}
	return next, nil
}

// ListByStatus returns a page of items.
func (s *Store) ListByStatus(ctx context.Context, q queue.ListQuery) ([]queue.WorkItem, error) {
	if !q.Kind.Valid() {
		return nil, fmt.Errorf("list: unknown kind %q", q.Kind)
	}
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	order := "priority DESC, created_at ASC, id ASC"
	if q.Order == queue.OrderNewest {
		order = "created_at DESC, id DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY %s LIMIT ? OFFSET ?",
		selectColumns(q.Kind), q.Kind.Table(), whereClause(where), order)
	args = append(args, limit, max(q.Offset, 0))
	return s.selectItems(ctx, q.Kind, query, args...)
}

// ListExpired returns processing items whose lease began before cutoff.
func (s *Store) ListExpired(ctx context.Context, kind queue.Kind, cutoff time.Time, limit int) ([]queue.WorkItem, error) {
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = 'processing' AND processing_started_at < ?
		ORDER BY processing_started_at ASC LIMIT ?`, selectColumns(kind), kind.Table())
	return s.selectItems(ctx, kind, query, formatTime(cutoff), limit)
}

// Stats groups the kind's table by status.
func (s *Store) Stats(ctx context.Context, kind queue.Kind) ([]queue.StatusStats, error) {
	var rows []struct {
		Status     string `db:"status"`
		Count      int64  `db:"count"`
		BooksFound int64  `db:"books_found"`
		BooksSaved int64  `db:"books_saved"`
	}
	query := fmt.Sprintf(`SELECT status, COUNT(*) AS count,
		COALESCE(SUM(books_found), 0) AS books_found,
		COALESCE(SUM(books_saved), 0) AS books_saved
		FROM %s GROUP BY status`, kind.Table())
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, wrap("stats", err)
	}
	out := make([]queue.StatusStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, queue.StatusStats{
			Status:     queue.Status(r.Status),
			Count:      r.Count,
			BooksFound: r.BooksFound,
			BooksSaved: r.BooksSaved,
		})
	}
	sort.Slice(out, func(i, j int) bool { return statusRank(out[i].Status) < statusRank(out[j].Status) })
	return out, nil
}

// SchemaVersion reads the migrate bookkeeping table; 0 when absent.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var (
		version uint
		dirty   bool
	)
	err := s.db.QueryRowxContext(ctx, migrations.VersionQuery).Scan(&version, &dirty)
	switch {
	case err == nil:
		if dirty {
			return 0, fmt.Errorf("schema version %d is dirty", version)
		}
		return version, nil
	case errors.Is(err, sql.ErrNoRows), strings.Contains(err.Error(), "no such table"):
		return 0, nil
	default:
		return 0, wrap("schema version", err)
	}
}

func (s *Store) getOne(ctx context.Context, q sqlx.QueryerContext, kind queue.Kind, where string, arg any) (queue.WorkItem, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", selectColumns(kind), kind.Table(), where)
	var row itemRow
	if err := sqlx.GetContext(ctx, q, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.WorkItem{}, fmt.Errorf("get %v: %w", arg, queue.ErrNotFound)
		}
		return queue.WorkItem{}, wrap("get item", err)
	}
	return row.toItem(kind)
}

func (s *Store) selectItems(ctx context.Context, kind queue.Kind, query string, args ...any) ([]queue.WorkItem, error) {
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrap("list items", err)
	}
	items := make([]queue.WorkItem, 0, len(rows))
	for _, r := range rows {
		item, err := r.toItem(kind)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// compareAndSet writes next only if the row still holds prev's status, lease
// and retry count.
func compareAndSet(ctx context.Context, exec sqlx.ExecerContext, prev, next queue.WorkItem) error {
	row := toRow(next)
	query := fmt.Sprintf(`UPDATE %s SET
		status = ?, retry_count = ?, error_message = ?, books_found = ?, books_saved = ?,
		lease_token = ?, updated_at = ?, available_at = ?, processing_started_at = ?, completed_at = ?
		WHERE id = ? AND status = ? AND lease_token = ? AND retry_count = ?`, prev.Kind.Table())
	res, err := exec.ExecContext(ctx, query,
		row.Status, row.RetryCount, row.ErrorMessage, row.BooksFound, row.BooksSaved,
		row.LeaseToken, row.UpdatedAt, row.AvailableAt, row.ProcessingStartedAt, row.CompletedAt,
		prev.ID, string(prev.Status), prev.LeaseToken, prev.RetryCount)
	if err != nil {
		return wrap("update item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update item", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: item %s changed concurrently", queue.ErrInvalidTransition, prev.ID)
	}
	return nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conds, " AND ")
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
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// wrap tags connectivity and locking failures with queue.ErrStoreUnavailable.
func wrap(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
