// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

type record struct {
	item queue.WorkItem
}

// ItemStore implements queue.Store with mutex-guarded maps. Claim and
// UpdateStatus hold the write lock for the whole read-apply-write cycle.
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]*record
	urls  map[queue.Kind]map[string]string
}

// NewItemStore constructs an empty ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{
		items: make(map[string]*record),
		urls:  make(map[queue.Kind]map[string]string),
	}
}

// Insert stores a new item.
func (s *ItemStore) Insert(_ context.Context, item queue.WorkItem) error {
	if item.ID == "" || item.URL == "" || !item.Kind.Valid() {
		return fmt.Errorf("insert item: id, url and kind are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("insert item %s: id already exists", item.ID)
	}
	byURL := s.urls[item.Kind]
	if byURL == nil {
		byURL = make(map[string]string)
		s.urls[item.Kind] = byURL
	}
	if _, ok := byURL[item.URL]; ok {
		return fmt.Errorf("insert %s: %w", item.URL, queue.ErrDuplicateURL)
	}
	s.items[item.ID] = &record{item: item}
	byURL[item.URL] = item.ID
	return nil
}

// Get fetches an item by id.
func (s *ItemStore) Get(_ context.Context, id string) (queue.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return queue.WorkItem{}, fmt.Errorf("get %s: %w", id, queue.ErrNotFound)
	}
	return rec.item, nil
}

// GetByURL fetches an item by kind and url.
func (s *ItemStore) GetByURL(_ context.Context, kind queue.Kind, url string) (queue.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.urls[kind][url]
	if !ok {
		return queue.WorkItem{}, fmt.Errorf("get %s: %w", url, queue.ErrNotFound)
	}
	return s.items[id].item, nil
}

// Claim moves the best eligible item of the requested kind to processing.
func (s *ItemStore) Claim(_ context.Context, req queue.ClaimRequest) (queue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *record
	for _, rec := range s.items {
		it := rec.item
		if it.Kind != req.Kind || !queue.Allowed(it.Status, queue.EventClaim) || it.AvailableAt.After(req.Now) {
			continue
		}
		if best == nil || dispatchLess(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return queue.WorkItem{}, queue.ErrNoWork
	}
	next, err := queue.Apply(best.item, queue.Transition{Event: queue.EventClaim, At: req.Now, NewToken: req.Token})
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("claim %s: %w", best.item.ID, err)
	}
	best.item = next
	return next, nil
}

// UpdateStatus applies tr to the stored item.
func (s *ItemStore) UpdateStatus(_ context.Context, id string, tr queue.Transition) (queue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return queue.WorkItem{}, fmt.Errorf("update %s: %w", id, queue.ErrNotFound)
	}
	next, err := queue.Apply(rec.item, tr)
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("update %s: %w", id, err)
	}
	rec.item = next
	return next, nil
}

// ListByStatus returns a page of items matching q.
func (s *ItemStore) ListByStatus(_ context.Context, q queue.ListQuery) ([]queue.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*record, 0, len(s.items))
	for _, rec := range s.items {
		if q.Kind != "" && rec.item.Kind != q.Kind {
			continue
		}
		if q.Status != "" && rec.item.Status != q.Status {
			continue
		}
		matched = append(matched, rec)
	}

	if q.Order == queue.OrderNewest {
		sort.Slice(matched, func(i, j int) bool { return newestLess(matched[i], matched[j]) })
	} else {
		sort.Slice(matched, func(i, j int) bool { return dispatchLess(matched[i], matched[j]) })
	}
	return page(matched, q.Limit, q.Offset), nil
}

// ListExpired returns processing items whose lease started before cutoff,
// oldest first.
func (s *ItemStore) ListExpired(_ context.Context, kind queue.Kind, cutoff time.Time, limit int) ([]queue.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*record
	for _, rec := range s.items {
		it := rec.item
		if it.Kind != kind || it.Status != queue.StatusProcessing || it.ProcessingStartedAt == nil {
			continue
		}
		if it.ProcessingStartedAt.Before(cutoff) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].item.ProcessingStartedAt.Before(*matched[j].item.ProcessingStartedAt)
	})
	return page(matched, limit, 0), nil
}

// Stats groups the kind's items by status.
func (s *ItemStore) Stats(_ context.Context, kind queue.Kind) ([]queue.StatusStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := make(map[queue.Status]*queue.StatusStats)
	for _, rec := range s.items {
		if rec.item.Kind != kind {
			continue
		}
		b := buckets[rec.item.Status]
		if b == nil {
			b = &queue.StatusStats{Status: rec.item.Status}
			buckets[rec.item.Status] = b
		}
		b.Count++
		b.BooksFound += int64(rec.item.BooksFound)
		b.BooksSaved += int64(rec.item.BooksSaved)
	}
	out := make([]queue.StatusStats, 0, len(buckets))
	for _, status := range queue.Statuses {
		if b, ok := buckets[status]; ok {
			out = append(out, *b)
		}
	}
	return out, nil
}

// SchemaVersion always reports the current version; there is nothing to migrate.
func (s *ItemStore) SchemaVersion(context.Context) (uint, error) {
	return queue.SchemaVersion, nil
}

// Close is a no-op.
func (s *ItemStore) Close() error { return nil }

func dispatchLess(a, b *record) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority > b.item.Priority
	}
	if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
		return a.item.CreatedAt.Before(b.item.CreatedAt)
	}
	return a.item.ID < b.item.ID
}

func newestLess(a, b *record) bool {
	if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
		return a.item.CreatedAt.After(b.item.CreatedAt)
	}
	return a.item.ID > b.item.ID
}

func page(recs []*record, limit, offset int) []queue.WorkItem {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return []queue.WorkItem{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	out := make([]queue.WorkItem, len(recs))
	for i, rec := range recs {
		out[i] = rec.item
	}
	return out
}
