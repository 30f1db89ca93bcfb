package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// Admission events are not state machine edges but are reported alongside them.
const (
	EventEnqueued queue.Event = "enqueue"
)

// Event records one successful item transition.
type Event struct {
	ItemID string      `json:"item_id"`
	Kind   queue.Kind  `json:"kind"`
	URL    string      `json:"url"`
	BookID *int64      `json:"book_id,omitempty"`
	Event  queue.Event `json:"event"`
	// From is empty for enqueue events.
	From       queue.Status `json:"from,omitempty"`
	To         queue.Status `json:"to"`
	RetryCount int          `json:"retry_count"`
	BooksFound int          `json:"books_found"`
	BooksSaved int          `json:"books_saved"`
	// Note carries the error message of retry and failure events.
	Note string `json:"note,omitempty"`
	// Dur is the time spent processing, set when processing ends.
	Dur time.Duration `json:"duration_ns,omitempty"`
	TS  time.Time     `json:"ts"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ItemID == "" {
		return errors.New("item id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if !e.To.Valid() {
		return fmt.Errorf("unknown target status %q", e.To)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event left the item completed or failed.
func (e Event) Terminal() bool {
	return e.To.Terminal()
}

// FromTransition describes the change from prev to next caused by ev.
func FromTransition(prev, next queue.WorkItem, ev queue.Event) Event {
	out := Event{
		ItemID:     next.ID,
		Kind:       next.Kind,
		URL:        next.URL,
		BookID:     next.BookID,
		Event:      ev,
		From:       prev.Status,
		To:         next.Status,
		RetryCount: next.RetryCount,
		BooksFound: next.BooksFound,
		BooksSaved: next.BooksSaved,
		Note:       next.Error(),
		TS:         next.UpdatedAt,
	}
	if prev.Status == queue.StatusProcessing && prev.ProcessingStartedAt != nil {
		if d := next.UpdatedAt.Sub(*prev.ProcessingStartedAt); d > 0 {
			out.Dur = d
		}
	}
	return out
}

// Enqueued describes a newly admitted item.
func Enqueued(item queue.WorkItem) Event {
	return Event{
		ItemID: item.ID,
		Kind:   item.Kind,
		URL:    item.URL,
		BookID: item.BookID,
		Event:  EventEnqueued,
		To:     item.Status,
		TS:     item.CreatedAt,
	}
}

// Attributes returns message attributes for brokers that route on metadata.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"item_id": e.ItemID,
		"kind":    string(e.Kind),
		"event":   string(e.Event),
		"status":  string(e.To),
	}
}
