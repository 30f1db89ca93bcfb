package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/clock/fake"
	"github.com/JakeFAU/crawlqueue/internal/id/uuid"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/scheduler"
	"github.com/JakeFAU/crawlqueue/internal/storage/memory"
	"github.com/JakeFAU/crawlqueue/internal/storage/storetest"
	"github.com/JakeFAU/crawlqueue/internal/worker"
)

func TestPoolRejectsZeroConcurrency(t *testing.T) {
	t.Parallel()

	_, err := Pool(nil, nil, worker.Config{}, 0, nil)
	require.Error(t, err)
}

// TestDispatcherDrainsQueue runs several workers over one store and checks
// that every item is handled exactly once.
func TestDispatcherDrainsQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewItemStore()
	const items = 40
	for i := range items {
		id := fmt.Sprintf("item-%02d", i)
		require.NoError(t, store.Insert(ctx, storetest.NewItem(id, "https://books.example/"+id, queue.KindListing, i%3, time.Duration(i)*time.Second)))
	}
	sched := scheduler.New(store, fake.New(storetest.Base.Add(time.Hour)), uuid.Tokens{}, scheduler.Config{})

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := worker.HandlerFunc(func(_ context.Context, item queue.WorkItem) (worker.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[item.ID]++
		return worker.Outcome{BooksFound: 1, BooksSaved: 1}, nil
	})

	d, err := Pool(sched, handler, worker.Config{Kind: queue.KindListing, IdleBackoff: time.Millisecond}, 4, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 4, d.Size())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		d.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stats, err := store.Stats(ctx, queue.KindListing)
		require.NoError(t, err)
		return len(stats) == 1 && stats[0].Status == queue.StatusCompleted && stats[0].Count == items
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, items)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}

func TestDispatcherDrainReturnsWhenEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewItemStore()
	const items = 25
	for i := range items {
		id := fmt.Sprintf("drain-%02d", i)
		require.NoError(t, store.Insert(ctx, storetest.NewItem(id, "https://books.example/"+id, queue.KindBookDetail, 1, time.Duration(i)*time.Second)))
	}
	sched := scheduler.New(store, fake.New(storetest.Base.Add(time.Hour)), uuid.Tokens{}, scheduler.Config{})
	handler := worker.HandlerFunc(func(context.Context, queue.WorkItem) (worker.Outcome, error) {
		return worker.Outcome{BooksFound: 2, BooksSaved: 1}, nil
	})

	d, err := Pool(sched, handler, worker.Config{Kind: queue.KindBookDetail}, 3, nil)
	require.NoError(t, err)

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, items, n)

	stats, err := store.Stats(ctx, queue.KindBookDetail)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, queue.StatusCompleted, stats[0].Status)
	require.EqualValues(t, items, stats[0].Count)
	require.EqualValues(t, 2*items, stats[0].BooksFound)
}
