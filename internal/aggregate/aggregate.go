// Package aggregate derives queue progress counters from the store.
// Nothing is cached: every snapshot reflects the persisted state at the
// time it is taken.
package aggregate

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// StatsSource is the slice of queue.Store the aggregator reads.
type StatsSource interface {
	Stats(ctx context.Context, kind queue.Kind) ([]queue.StatusStats, error)
}

// Snapshot summarizes one queue.
type Snapshot struct {
	Kind       queue.Kind                         `json:"kind"`
	ByStatus   map[queue.Status]queue.StatusStats `json:"by_status"`
	Total      int64                              `json:"total"`
	BooksFound int64                              `json:"books_found"`
	BooksSaved int64                              `json:"books_saved"`
	// SuccessRate is books_saved/books_found, 0 when nothing was found.
	SuccessRate float64 `json:"success_rate"`
}

// Count returns the number of items in status.
func (s Snapshot) Count(status queue.Status) int64 {
	return s.ByStatus[status].Count
}

// Remaining counts items that still need work.
func (s Snapshot) Remaining() int64 {
	return s.Count(queue.StatusPending) + s.Count(queue.StatusRetry) + s.Count(queue.StatusProcessing)
}

// Aggregator computes snapshots.
type Aggregator struct {
	source StatsSource
}

// New constructs an Aggregator.
func New(source StatsSource) *Aggregator {
	return &Aggregator{source: source}
}

// Snapshot aggregates kind. Every status appears in ByStatus, zero-filled.
func (a *Aggregator) Snapshot(ctx context.Context, kind queue.Kind) (Snapshot, error) {
	stats, err := a.source.Stats(ctx, kind)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats for %s: %w", kind, err)
	}
	return FromStats(kind, stats), nil
}

// SnapshotAll aggregates every kind.
func (a *Aggregator) SnapshotAll(ctx context.Context) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(queue.Kinds))
	for _, kind := range queue.Kinds {
		snap, err := a.Snapshot(ctx, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// FromStats folds per-status rows into a Snapshot.
func FromStats(kind queue.Kind, stats []queue.StatusStats) Snapshot {
	snap := Snapshot{Kind: kind, ByStatus: make(map[queue.Status]queue.StatusStats, len(queue.Statuses))}
	for _, status := range queue.Statuses {
		snap.ByStatus[status] = queue.StatusStats{Status: status}
	}
	for _, row := range stats {
		if !row.Status.Valid() {
			continue
		}
		bucket := snap.ByStatus[row.Status]
		bucket.Count += row.Count
		bucket.BooksFound += row.BooksFound
		bucket.BooksSaved += row.BooksSaved
		snap.ByStatus[row.Status] = bucket
		snap.Total += row.Count
		snap.BooksFound += row.BooksFound
		snap.BooksSaved += row.BooksSaved
	}
	if snap.BooksFound > 0 {
		snap.SuccessRate = float64(snap.BooksSaved) / float64(snap.BooksFound)
	}
	return snap
}
