package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlqueue/internal/clock/fake"
	"github.com/JakeFAU/crawlqueue/internal/hash/sha256"
	"github.com/JakeFAU/crawlqueue/internal/id/uuid"
	redisindex "github.com/JakeFAU/crawlqueue/internal/index/redis"
	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/memory"
)

var start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) kinds() []queue.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.Event, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

func newAdmitter(t *testing.T, cfg Config, opts ...Option) (*Admitter, *memory.ItemStore, *fake.Clock) {
	t.Helper()
	store := memory.NewItemStore()
	clk := fake.New(start)
	return New(store, clk, uuid.New(), cfg, opts...), store, clk
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"  HTTPS://Books.Example.COM:443/list?b=2&a=1#top ", "https://books.example.com/list?a=1&b=2"},
		{"http://example.com:80/x", "http://example.com/x"},
		{"http://example.com:8080/x", "http://example.com:8080/x"},
		{"https://example.com/Path/Case", "https://example.com/Path/Case"},
	}
	for _, tc := range cases {
		got, err := Canonicalize(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}

	for _, bad := range []string{"", "   ", "/relative/path", "ftp://example.com/file", "https://", "://nope"} {
		_, err := Canonicalize(bad)
		require.ErrorIs(t, err, ErrInvalidURL, bad)
	}
}

func TestEnqueueInsertsPendingItem(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a, store, _ := newAdmitter(t, DefaultConfig(), WithEmitter(rec))
	bookID := int64(42)

	res, err := a.Enqueue(context.Background(), Request{
		URL:    "https://books.example/book/1#reviews",
		Kind:   queue.KindBookDetail,
		BookID: &bookID,
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.False(t, res.Reenqueued)
	require.Equal(t, queue.StatusPending, res.Status)
	require.Equal(t, "https://books.example/book/1", res.URL)

	item, err := store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	require.Equal(t, queue.URLTypeBookDetail, item.URLType)
	require.Equal(t, 1, item.Priority)
	require.Equal(t, 3, item.MaxRetries)
	require.Equal(t, start, item.CreatedAt)
	require.Equal(t, start, item.AvailableAt)
	require.Equal(t, &bookID, item.BookID)
	require.Equal(t, []queue.Event{progress.EventEnqueued}, rec.kinds())
}

func TestEnqueueOverrides(t *testing.T) {
	t.Parallel()

	a, store, _ := newAdmitter(t, DefaultConfig())
	prio, retries := 9, 0
	res, err := a.Enqueue(context.Background(), Request{
		URL:        "https://books.example/category/sci-fi",
		Kind:       queue.KindListing,
		URLType:    queue.URLTypeCategory,
		Priority:   &prio,
		MaxRetries: &retries,
	})
	require.NoError(t, err)

	item, err := store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	require.Equal(t, queue.URLTypeCategory, item.URLType)
	require.Equal(t, 9, item.Priority)
	require.Zero(t, item.MaxRetries)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a, store, _ := newAdmitter(t, DefaultConfig(), WithEmitter(rec))
	ctx := context.Background()

	first, err := a.Enqueue(ctx, Request{URL: "https://books.example/list?page=1", Kind: queue.KindListing})
	require.NoError(t, err)
	second, err := a.Enqueue(ctx, Request{URL: "HTTPS://books.example/list?page=1#x", Kind: queue.KindListing})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.False(t, second.Created)

	// Same url under the other kind is a different queue.
	other, err := a.Enqueue(ctx, Request{URL: "https://books.example/list?page=1", Kind: queue.KindBookDetail})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	stats, err := store.Stats(ctx, queue.KindListing)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.EqualValues(t, 1, stats[0].Count)
	require.Len(t, rec.kinds(), 2)
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	a, _, _ := newAdmitter(t, DefaultConfig())
	_, err := a.Enqueue(context.Background(), Request{URL: "", Kind: queue.KindListing})
	require.ErrorIs(t, err, ErrInvalidURL)
	_, err = a.Enqueue(context.Background(), Request{URL: "https://x.example", Kind: "podcast"})
	require.ErrorIs(t, err, ErrInvalidURL)
}

func failItem(t *testing.T, store queue.Store, clk *fake.Clock, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Claim(ctx, queue.ClaimRequest{Kind: queue.KindListing, Token: "tok", Now: clk.Now()})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, id, queue.Transition{Event: queue.EventFail, At: clk.Now(), Token: "tok", ErrorMessage: "404"})
	require.NoError(t, err)
}

func TestEnqueueReenqueuesFailed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a, store, clk := newAdmitter(t, DefaultConfig(), WithEmitter(rec))
	ctx := context.Background()

	res, err := a.Enqueue(ctx, Request{URL: "https://books.example/list", Kind: queue.KindListing})
	require.NoError(t, err)
	failItem(t, store, clk, res.ID)
	clk.Advance(time.Hour)

	again, err := a.Enqueue(ctx, Request{URL: "https://books.example/list", Kind: queue.KindListing})
	require.NoError(t, err)
	require.Equal(t, res.ID, again.ID)
	require.True(t, again.Reenqueued)
	require.Equal(t, queue.StatusPending, again.Status)

	item, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Zero(t, item.RetryCount)
	require.Nil(t, item.ErrorMessage)
	require.Nil(t, item.CompletedAt)
	require.Equal(t, start, item.CreatedAt)
	require.Equal(t, []queue.Event{progress.EventEnqueued, queue.EventReenqueue}, rec.kinds())
}

func TestEnqueueKeepsFailedWhenPolicyOff(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ReenqueueFailed = false
	a, store, clk := newAdmitter(t, cfg)
	ctx := context.Background()

	res, err := a.Enqueue(ctx, Request{URL: "https://books.example/list", Kind: queue.KindListing})
	require.NoError(t, err)
	failItem(t, store, clk, res.ID)

	again, err := a.Enqueue(ctx, Request{URL: "https://books.example/list", Kind: queue.KindListing})
	require.NoError(t, err)
	require.False(t, again.Reenqueued)
	require.Equal(t, queue.StatusFailed, again.Status)
}

func TestEnqueueBatch(t *testing.T) {
	t.Parallel()

	a, _, _ := newAdmitter(t, DefaultConfig())
	results, errs, err := a.EnqueueBatch(context.Background(), []Request{
		{URL: "https://books.example/a", Kind: queue.KindListing},
		{URL: "mailto:someone@example.com", Kind: queue.KindListing},
		{URL: "https://books.example/a", Kind: queue.KindListing},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].Created)
	require.ErrorIs(t, errs[1], ErrInvalidURL)
	require.Equal(t, results[0].ID, results[2].ID)
	require.False(t, results[2].Created)
}

func TestRequeueFailed(t *testing.T) {
	t.Parallel()

	a, store, clk := newAdmitter(t, DefaultConfig())
	ctx := context.Background()

	var ids []string
	for _, u := range []string{"https://books.example/1", "https://books.example/2", "https://books.example/3"} {
		res, err := a.Enqueue(ctx, Request{URL: u, Kind: queue.KindListing})
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}
	failItem(t, store, clk, ids[0])
	failItem(t, store, clk, ids[1])

	moved, err := a.RequeueFailed(ctx, queue.KindListing)
	require.NoError(t, err)
	require.Equal(t, 2, moved)

	failed, err := store.ListByStatus(ctx, queue.ListQuery{Kind: queue.KindListing, Status: queue.StatusFailed})
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestEnqueueUsesURLIndex(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	index := redisindex.New(client, sha256.New(), time.Hour)

	a, _, _ := newAdmitter(t, DefaultConfig(), WithIndex(index))
	ctx := context.Background()

	res, err := a.Enqueue(ctx, Request{URL: "https://books.example/list", Kind: queue.KindListing})
	require.NoError(t, err)

	id, ok, err := index.Lookup(ctx, queue.KindListing, "https://books.example/list")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.ID, id)

	again, err := a.Enqueue(ctx, Request{URL: "https://books.example/list", Kind: queue.KindListing})
	require.NoError(t, err)
	require.Equal(t, res.ID, again.ID)

	// A stale cache entry falls back to the store.
	require.NoError(t, index.Remember(ctx, queue.KindListing, "https://books.example/other", "missing-id"))
	fresh, err := a.Enqueue(ctx, Request{URL: "https://books.example/other", Kind: queue.KindListing})
	require.NoError(t, err)
	require.True(t, fresh.Created)
	require.NotEqual(t, "missing-id", fresh.ID)
}

func TestEnqueueConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	a, store, _ := newAdmitter(t, DefaultConfig())
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Enqueue(ctx, Request{URL: "https://books.example/hot", Kind: queue.KindListing})
			if err == nil {
				ids[i] = res.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	all, err := store.ListByStatus(ctx, queue.ListQuery{Kind: queue.KindListing})
	require.NoError(t, err)
	require.Len(t, all, 1)
}
