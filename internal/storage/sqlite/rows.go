package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// timeLayout is fixed width so text comparison matches time order.
const timeLayout = "2006-01-02 15:04:05.000000000"

type itemRow struct {
	ID                  string         `db:"id"`
	BookID              sql.NullInt64  `db:"book_id"`
	URL                 string         `db:"url"`
	URLType             string         `db:"url_type"`
	Priority            int            `db:"priority"`
	Status              string         `db:"status"`
	RetryCount          int            `db:"retry_count"`
	MaxRetries          int            `db:"max_retries"`
	ErrorMessage        sql.NullString `db:"error_message"`
	BooksFound          int            `db:"books_found"`
	BooksSaved          int            `db:"books_saved"`
	LeaseToken          string         `db:"lease_token"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
	AvailableAt         string         `db:"available_at"`
	ProcessingStartedAt sql.NullString `db:"processing_started_at"`
	CompletedAt         sql.NullString `db:"completed_at"`
}

func selectColumns(kind queue.Kind) string {
	bookID := "NULL AS book_id"
	if kind == queue.KindBookDetail {
		bookID = "book_id"
	}
	return "id, " + bookID + `, url, url_type, priority, status, retry_count, max_retries,
		error_message, books_found, books_saved, lease_token, created_at, updated_at,
		available_at, processing_started_at, completed_at`
}

func toRow(item queue.WorkItem) itemRow {
	row := itemRow{
		ID:                  item.ID,
		URL:                 item.URL,
		URLType:             item.URLType,
		Priority:            item.Priority,
		Status:              string(item.Status),
		RetryCount:          item.RetryCount,
		MaxRetries:          item.MaxRetries,
		ErrorMessage:        nullString(item.ErrorMessage),
		BooksFound:          item.BooksFound,
		BooksSaved:          item.BooksSaved,
		LeaseToken:          item.LeaseToken,
		CreatedAt:           formatTime(item.CreatedAt),
		UpdatedAt:           formatTime(item.UpdatedAt),
		AvailableAt:         formatTime(item.AvailableAt),
		ProcessingStartedAt: nullTime(item.ProcessingStartedAt),
		CompletedAt:         nullTime(item.CompletedAt),
	}
	if item.BookID != nil {
		row.BookID = sql.NullInt64{Int64: *item.BookID, Valid: true}
	}
	return row
}

func (r itemRow) toItem(kind queue.Kind) (queue.WorkItem, error) {
	item := queue.WorkItem{
		ID:         r.ID,
		URL:        r.URL,
		Kind:       kind,
		URLType:    r.URLType,
		Priority:   r.Priority,
		Status:     queue.Status(r.Status),
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		BooksFound: r.BooksFound,
		BooksSaved: r.BooksSaved,
		LeaseToken: r.LeaseToken,
	}
	if r.ErrorMessage.Valid {
		msg := r.ErrorMessage.String
		item.ErrorMessage = &msg
	}
	if r.BookID.Valid {
		id := r.BookID.Int64
		item.BookID = &id
	}
	var err error
	if item.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return queue.WorkItem{}, err
	}
	if item.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return queue.WorkItem{}, err
	}
	if item.AvailableAt, err = parseTime(r.AvailableAt); err != nil {
		return queue.WorkItem{}, err
	}
	if item.ProcessingStartedAt, err = parseNullTime(r.ProcessingStartedAt); err != nil {
		return queue.WorkItem{}, err
	}
	if item.CompletedAt, err = parseNullTime(r.CompletedAt); err != nil {
		return queue.WorkItem{}, err
	}
	return item, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
