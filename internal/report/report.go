// Package report serves read-only views over the queue for dashboards, the
// CLI and the HTTP API. A store that was never migrated reads as empty.
package report

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlqueue/internal/aggregate"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// Paging limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Query selects a page of items.
type Query struct {
	Kind queue.Kind
	// Status is optional; empty lists every status.
	Status queue.Status
	Order  queue.Order
	Page   int
	Size   int
}

// Page is one page of items.
type Page struct {
	Kind   queue.Kind       `json:"kind"`
	Status queue.Status     `json:"status,omitempty"`
	Page   int              `json:"page"`
	Size   int              `json:"size"`
	Items  []queue.WorkItem `json:"items"`
	// HasMore is true when another page may follow.
	HasMore bool `json:"has_more"`
}

// Summary is the headline view of one queue.
type Summary struct {
	aggregate.Snapshot
	SchemaVersion uint `json:"schema_version"`
}

// Reader is the slice of queue.Store that reporting needs.
type Reader interface {
	aggregate.StatsSource
	Get(ctx context.Context, id string) (queue.WorkItem, error)
	ListByStatus(ctx context.Context, q queue.ListQuery) ([]queue.WorkItem, error)
	SchemaVersion(ctx context.Context) (uint, error)
}

// Reporter answers reporting queries.
type Reporter struct {
	store Reader
	agg   *aggregate.Aggregator
}

// New constructs a Reporter.
func New(store Reader) *Reporter {
	return &Reporter{store: store, agg: aggregate.New(store)}
}

// ready reports whether the store has a schema to read from.
func (r *Reporter) ready(ctx context.Context) (uint, bool, error) {
	version, err := r.store.SchemaVersion(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("schema version: %w", err)
	}
	return version, version > 0, nil
}

// List returns one page of items, newest first unless q.Order says otherwise.
func (r *Reporter) List(ctx context.Context, q Query) (Page, error) {
	if !q.Kind.Valid() {
		return Page{}, fmt.Errorf("unknown kind %q", q.Kind)
	}
	if q.Status != "" && !q.Status.Valid() {
		return Page{}, fmt.Errorf("unknown status %q", q.Status)
	}
	q = normalize(q)
	page := Page{Kind: q.Kind, Status: q.Status, Page: q.Page, Size: q.Size, Items: []queue.WorkItem{}}

	_, ok, err := r.ready(ctx)
	if err != nil || !ok {
		return page, err
	}
	items, err := r.store.ListByStatus(ctx, queue.ListQuery{
		Kind:   q.Kind,
		Status: q.Status,
		Order:  q.Order,
		Limit:  q.Size + 1,
		Offset: (q.Page - 1) * q.Size,
	})
	if err != nil {
		return page, fmt.Errorf("list %s items: %w", q.Kind, err)
	}
	if len(items) > q.Size {
		page.HasMore = true
		items = items[:q.Size]
	}
	page.Items = items
	return page, nil
}

// Item returns one item or queue.ErrNotFound.
func (r *Reporter) Item(ctx context.Context, id string) (queue.WorkItem, error) {
	_, ok, err := r.ready(ctx)
	if err != nil {
		return queue.WorkItem{}, err
	}
	if !ok {
		return queue.WorkItem{}, fmt.Errorf("item %s: %w", id, queue.ErrNotFound)
	}
	item, err := r.store.Get(ctx, id)
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("item %s: %w", id, err)
	}
	return item, nil
}

// Summary aggregates kind.
func (r *Reporter) Summary(ctx context.Context, kind queue.Kind) (Summary, error) {
	if !kind.Valid() {
		return Summary{}, fmt.Errorf("unknown kind %q", kind)
	}
	version, ok, err := r.ready(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !ok {
		return Summary{Snapshot: aggregate.FromStats(kind, nil)}, nil
	}
	snap, err := r.agg.Snapshot(ctx, kind)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Snapshot: snap, SchemaVersion: version}, nil
}

// Summaries aggregates every kind.
func (r *Reporter) Summaries(ctx context.Context) ([]Summary, error) {
	out := make([]Summary, 0, len(queue.Kinds))
	for _, kind := range queue.Kinds {
		s, err := r.Summary(ctx, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func normalize(q Query) Query {
	if q.Order == "" {
		q.Order = queue.OrderNewest
	}
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.Size <= 0:
		q.Size = DefaultPageSize
	case q.Size > MaxPageSize:
		q.Size = MaxPageSize
	}
	return q
}
