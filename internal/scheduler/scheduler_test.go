package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlqueue/internal/clock/fake"
	"github.com/JakeFAU/crawlqueue/internal/id/uuid"
	"github.com/JakeFAU/crawlqueue/internal/policy/retry"
	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/memory"
	"github.com/JakeFAU/crawlqueue/internal/storage/storetest"
)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type fixture struct {
	store *memory.ItemStore
	clock *fake.Clock
	sched *Scheduler
	rec   *recorder
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	store := memory.NewItemStore()
	clk := fake.New(storetest.Base.Add(time.Hour))
	rec := &recorder{}
	return fixture{
		store: store,
		clock: clk,
		sched: New(store, clk, uuid.Tokens{}, cfg, WithEmitter(rec)),
		rec:   rec,
	}
}

func (f fixture) insert(t *testing.T, id string, priority int, offset time.Duration, maxRetries int) {
	t.Helper()
	item := storetest.NewItem(id, "https://books.example/"+id, queue.KindListing, priority, offset)
	item.MaxRetries = maxRetries
	require.NoError(t, f.store.Insert(context.Background(), item))
}

func TestClaimIssuesLease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{LeaseDuration: 5 * time.Minute})
	f.insert(t, "a", 1, 0, 3)

	lease, err := f.sched.Claim(context.Background(), queue.KindListing)
	require.NoError(t, err)
	require.Equal(t, "a", lease.Item.ID)
	require.NotEmpty(t, lease.Token)
	require.Equal(t, queue.StatusProcessing, lease.Item.Status)
	require.Equal(t, f.clock.Now().Add(5*time.Minute), lease.ExpiresAt)

	events := f.rec.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, queue.EventClaim, events[0].Event)
	require.Equal(t, queue.StatusPending, events[0].From)
	require.Equal(t, queue.StatusProcessing, events[0].To)

	_, err = f.sched.Claim(context.Background(), queue.KindListing)
	require.ErrorIs(t, err, queue.ErrNoWork)
}

func TestClaimRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.sched.Claim(context.Background(), "podcast")
	require.ErrorIs(t, err, ErrUnknownKind)
	require.Equal(t, DefaultLeaseDuration, f.sched.LeaseDuration())
}

func TestClaimOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.insert(t, "A", 5, 0, 3)
	f.insert(t, "B", 1, time.Second, 3)
	f.insert(t, "C", 5, 2*time.Second, 3)

	var got []string
	for range 3 {
		lease, err := f.sched.Claim(context.Background(), queue.KindListing)
		require.NoError(t, err)
		got = append(got, lease.Item.ID)
	}
	require.Equal(t, []string{"A", "C", "B"}, got)
}

func TestReportSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.insert(t, "a", 1, 0, 3)
	ctx := context.Background()

	lease, err := f.sched.Claim(ctx, queue.KindListing)
	require.NoError(t, err)

	_, err = f.sched.ReportSuccess(ctx, "a", lease.Token, 3, 4)
	require.ErrorIs(t, err, queue.ErrInvalidCounters)

	f.clock.Advance(2 * time.Second)
	item, err := f.sched.ReportSuccess(ctx, "a", lease.Token, 20, 18)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, item.Status)
	require.Equal(t, 20, item.BooksFound)
	require.Equal(t, 18, item.BooksSaved)
	require.NotNil(t, item.CompletedAt)

	events := f.rec.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, queue.EventSucceed, events[1].Event)
	require.Equal(t, 2*time.Second, events[1].Dur)

	_, err = f.sched.ReportSuccess(ctx, "a", lease.Token, 20, 18)
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	_, err = f.sched.ReportSuccess(ctx, "missing", "tok", 0, 0)
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestRetryBudgetScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.insert(t, "x", 1, 0, 2)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		lease, err := f.sched.Claim(ctx, queue.KindListing)
		require.NoError(t, err)
		item, err := f.sched.ReportRetry(ctx, "x", lease.Token, "timeout")
		require.NoError(t, err)
		require.Equal(t, queue.StatusRetry, item.Status)
		require.Equal(t, attempt, item.RetryCount)
	}

	lease, err := f.sched.Claim(ctx, queue.KindListing)
	require.NoError(t, err)
	require.Equal(t, 2, lease.Item.RetryCount)
	item, err := f.sched.ReportRetry(ctx, "x", lease.Token, "timeout")
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, item.Status)
	require.Contains(t, item.Error(), "retry budget exhausted after 2 retries: timeout")

	_, err = f.sched.Claim(ctx, queue.KindListing)
	require.ErrorIs(t, err, queue.ErrNoWork)

	events := f.rec.snapshot()
	require.Equal(t, queue.StatusRetry, events[2].From, "second claim comes from retry")
}

func TestReportRetryBackoff(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Retry: retry.Policy{BaseDelay: time.Minute, MaxDelay: time.Hour}})
	f.insert(t, "x", 1, 0, 3)
	ctx := context.Background()

	lease, err := f.sched.Claim(ctx, queue.KindListing)
	require.NoError(t, err)
	item, err := f.sched.ReportRetry(ctx, "x", lease.Token, "503")
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(time.Minute), item.AvailableAt)

	_, err = f.sched.Claim(ctx, queue.KindListing)
	require.ErrorIs(t, err, queue.ErrNoWork)
	f.clock.Advance(time.Minute)
	_, err = f.sched.Claim(ctx, queue.KindListing)
	require.NoError(t, err)
}

func TestReportFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.insert(t, "x", 1, 0, 3)
	ctx := context.Background()

	lease, err := f.sched.Claim(ctx, queue.KindListing)
	require.NoError(t, err)
	item, err := f.sched.ReportFailure(ctx, "x", lease.Token, "404 not found")
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, item.Status)
	require.Zero(t, item.RetryCount)
	require.Equal(t, "404 not found", item.Error())
}

func TestStaleLeaseAfterSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{LeaseDuration: time.Minute})
	f.insert(t, "x", 1, 0, 3)
	ctx := context.Background()
	sweeper := NewSweeper(f.store, f.clock, SweeperConfig{LeaseDuration: time.Minute})

	first, err := f.sched.Claim(ctx, queue.KindListing)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second, err := f.sched.Claim(ctx, queue.KindListing)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	_, err = f.sched.ReportSuccess(ctx, "x", first.Token, 1, 1)
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	item, err := f.sched.ReportSuccess(ctx, "x", second.Token, 1, 1)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, item.Status)
	require.Equal(t, 1, item.RetryCount)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	for i := range 30 {
		f.insert(t, fmt.Sprintf("item-%02d", i), 1, time.Duration(i)*time.Millisecond, 3)
	}
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				lease, err := f.sched.Claim(ctx, queue.KindListing)
				if err != nil {
					return
				}
				mu.Lock()
				seen[lease.Item.ID]++
				mu.Unlock()
				_, _ = f.sched.ReportSuccess(ctx, lease.Item.ID, lease.Token, 0, 0)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 30)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}
