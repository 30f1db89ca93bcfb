package queue

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two work queues. Each kind is persisted in its own
// table; book-detail items additionally carry an owning book id.
type Kind string

// Supported queue kinds.
const (
	KindListing    Kind = "listing"
	KindBookDetail Kind = "book-detail"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindListing, KindBookDetail}

// Table returns the table name backing the kind.
func (k Kind) Table() string {
	switch k {
	case KindBookDetail:
		return "crawl_links"
	default:
		return "url_queue"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindListing || k == KindBookDetail
}

// ParseKind accepts the kind name or its table name.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "listing", "url_queue", "url-queue":
		return KindListing, nil
	case "book-detail", "book_detail", "crawl_links", "crawl-links":
		return KindBookDetail, nil
	default:
		return "", fmt.Errorf("unknown kind %q", raw)
	}
}

// Status is the lifecycle state of a work item.
type Status string

// Work item statuses persisted in the status column.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusRetry, StatusCompleted, StatusFailed}

// Terminal reports whether no further transitions leave s (re-enqueue aside).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetry:
		return true
	default:
		return false
	}
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// URL types carried over from the discovery scraper.
const (
	URLTypePage       = "page"
	URLTypeBookDetail = "book_detail"
	URLTypeCategory   = "category"
	URLTypeAuthor     = "author"
)

// WorkItem is one crawl target tracked through its processing lifecycle.
type WorkItem struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Kind                Kind       `json:"kind"`
	URLType             string     `json:"url_type"`
	Priority            int        `json:"priority"`
	Status              Status     `json:"status"`
	RetryCount          int        `json:"retry_count"`
	MaxRetries          int        `json:"max_retries"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	BooksFound          int        `json:"books_found"`
	BooksSaved          int        `json:"books_saved"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	AvailableAt         time.Time  `json:"available_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	BookID              *int64     `json:"book_id,omitempty"`
	// LeaseToken identifies the current claim; empty unless processing.
	LeaseToken string `json:"-"`
}

// Error returns the error message or "".
func (w WorkItem) Error() string {
	if w.ErrorMessage == nil {
		return ""
	}
	return *w.ErrorMessage
}

// Lease is handed to a worker by Claim. The token must accompany the report.
type Lease struct {
	Item      WorkItem  `json:"item"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ClaimRequest selects the queue to claim from.
type ClaimRequest struct {
	Kind  Kind
	Token string
	Now   time.Time
}

// Order controls list ordering.
type Order string

// Supported list orders.
const (
	// OrderDispatch sorts by priority desc, then created_at asc (claim order).
	OrderDispatch Order = "priority"
	// OrderNewest sorts by created_at desc (reporting order).
	OrderNewest Order = "newest"
)

// ListQuery filters ListByStatus. An empty Status matches every status.
type ListQuery struct {
	Kind   Kind
	Status Status
	Order  Order
	Limit  int
	Offset int
}

// StatusStats aggregates one status bucket of a queue.
type StatusStats struct {
	Status     Status `json:"status"`
	Count      int64  `json:"count"`
	BooksFound int64  `json:"books_found"`
	BooksSaved int64  `json:"books_saved"`
}

// AuditEntry is one row of the crawl_logs audit table.
type AuditEntry struct {
	ID           int64     `json:"id"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	BookID       *int64    `json:"book_id,omitempty"`
	URL          string    `json:"url,omitempty"`
	ErrorDetails *string   `json:"error_details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SchemaVersion is the migration level the stores in this module expect.
const SchemaVersion uint = 2
