// Package storetest holds behavioral tests shared by every queue.Store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) queue.Store

// Base is the reference time used by the suite.
var Base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// NewItem builds a pending item created at Base+offset.
func NewItem(id, url string, kind queue.Kind, priority int, offset time.Duration) queue.WorkItem {
	created := Base.Add(offset)
	return queue.WorkItem{
		ID:          id,
		URL:         url,
		Kind:        kind,
		URLType:     queue.URLTypePage,
		Priority:    priority,
		Status:      queue.StatusPending,
		MaxRetries:  3,
		CreatedAt:   created,
		UpdatedAt:   created,
		AvailableAt: created,
	}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("ClaimOrder", func(t *testing.T) { testClaimOrder(t, newStore(t)) })
	t.Run("ClaimRespectsAvailability", func(t *testing.T) { testClaimAvailability(t, newStore(t)) })
	t.Run("ClaimIsolatesKinds", func(t *testing.T) { testClaimKinds(t, newStore(t)) })
	t.Run("RetryScenario", func(t *testing.T) { testRetryScenario(t, newStore(t)) })
	t.Run("StaleReport", func(t *testing.T) { testStaleReport(t, newStore(t)) })
	t.Run("ExpireIdempotent", func(t *testing.T) { testExpire(t, newStore(t)) })
	t.Run("ListAndStats", func(t *testing.T) { testListAndStats(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
}

func claim(t *testing.T, s queue.Store, kind queue.Kind, token string, at time.Time) queue.WorkItem {
	t.Helper()
	item, err := s.Claim(context.Background(), queue.ClaimRequest{Kind: kind, Token: token, Now: at})
	require.NoError(t, err)
	return item
}

func testInsertAndGet(t *testing.T, s queue.Store) {
	ctx := context.Background()
	book := int64(42)
	item := NewItem("01-a", "https://books.example/b/1", queue.KindBookDetail, 2, 0)
	item.BookID = &book
	require.NoError(t, s.Insert(ctx, item))

	err := s.Insert(ctx, NewItem("01-b", item.URL, queue.KindBookDetail, 1, time.Second))
	require.ErrorIs(t, err, queue.ErrDuplicateURL)
	require.NoError(t, s.Insert(ctx, NewItem("01-c", item.URL, queue.KindListing, 1, time.Second)),
		"urls are unique per kind")

	got, err := s.Get(ctx, "01-a")
	require.NoError(t, err)
	require.Equal(t, item.URL, got.URL)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Equal(t, 3, got.MaxRetries)
	require.True(t, got.CreatedAt.Equal(item.CreatedAt))
	require.NotNil(t, got.BookID)
	require.Equal(t, book, *got.BookID)
	require.Nil(t, got.CompletedAt)

	byURL, err := s.GetByURL(ctx, queue.KindListing, item.URL)
	require.NoError(t, err)
	require.Equal(t, "01-c", byURL.ID)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)
	_, err = s.GetByURL(ctx, queue.KindListing, "https://nowhere.example")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func testClaimOrder(t *testing.T, s queue.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewItem("02-a", "https://books.example/a", queue.KindListing, 5, 1*time.Second)))
	require.NoError(t, s.Insert(ctx, NewItem("02-b", "https://books.example/b", queue.KindListing, 1, 2*time.Second)))
	require.NoError(t, s.Insert(ctx, NewItem("02-c", "https://books.example/c", queue.KindListing, 5, 3*time.Second)))

	now := Base.Add(time.Minute)
	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, claim(t, s, queue.KindListing, fmt.Sprintf("tok-%d", i), now).URL)
	}
	require.Equal(t, []string{"https://books.example/a", "https://books.example/c", "https://books.example/b"}, order)

	_, err := s.Claim(ctx, queue.ClaimRequest{Kind: queue.KindListing, Token: "tok-x", Now: now})
	require.ErrorIs(t, err, queue.ErrNoWork)
}

func testClaimAvailability(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := NewItem("03-a", "https://books.example/later", queue.KindListing, 1, 0)
	item.AvailableAt = Base.Add(time.Hour)
	require.NoError(t, s.Insert(ctx, item))

	_, err := s.Claim(ctx, queue.ClaimRequest{Kind: queue.KindListing, Token: "t", Now: Base})
	require.ErrorIs(t, err, queue.ErrNoWork)
	got := claim(t, s, queue.KindListing, "t", Base.Add(time.Hour))
	require.Equal(t, "03-a", got.ID)
	require.Equal(t, queue.StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessingStartedAt)
}

func testClaimKinds(t *testing.T, s queue.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewItem("04-a", "https://books.example/x", queue.KindBookDetail, 1, 0)))
	_, err := s.Claim(ctx, queue.ClaimRequest{Kind: queue.KindListing, Token: "t", Now: Base.Add(time.Minute)})
	require.ErrorIs(t, err, queue.ErrNoWork)
	require.Equal(t, "04-a", claim(t, s, queue.KindBookDetail, "t", Base.Add(time.Minute)).ID)
}

func testRetryScenario(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := NewItem("05-a", "https://books.example/flaky", queue.KindListing, 1, 0)
	item.MaxRetries = 2
	require.NoError(t, s.Insert(ctx, item))

	at := Base.Add(time.Minute)
	for i := 1; i <= 2; i++ {
		token := fmt.Sprintf("tok-%d", i)
		claim(t, s, queue.KindListing, token, at)
		got, err := s.UpdateStatus(ctx, item.ID, queue.Transition{Event: queue.EventRetry, At: at, Token: token, ErrorMessage: "timeout"})
		require.NoError(t, err)
		require.Equal(t, queue.StatusRetry, got.Status)
		require.Equal(t, i, got.RetryCount)
		at = at.Add(time.Second)
	}
	claim(t, s, queue.KindListing, "tok-3", at)
	got, err := s.UpdateStatus(ctx, item.ID, queue.Transition{Event: queue.EventRetry, At: at, Token: "tok-3", ErrorMessage: "timeout"})
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.CompletedAt)

	stored, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, stored.Status)
	require.Contains(t, stored.Error(), "retry budget exhausted")

	_, err = s.UpdateStatus(ctx, item.ID, queue.Transition{Event: queue.EventSucceed, At: at})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	back, err := s.UpdateStatus(ctx, item.ID, queue.Transition{Event: queue.EventReenqueue, At: at})
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, back.Status)
	require.Zero(t, back.RetryCount)
	require.Nil(t, back.ErrorMessage)
}

func testStaleReport(t *testing.T, s queue.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewItem("06-a", "https://books.example/s", queue.KindListing, 1, 0)))
	claim(t, s, queue.KindListing, "first", Base.Add(time.Second))

	_, err := s.UpdateStatus(ctx, "06-a", queue.Transition{Event: queue.EventSucceed, At: Base.Add(2 * time.Second), Token: "other", BooksFound: 1, BooksSaved: 1})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	_, err = s.UpdateStatus(ctx, "06-a", queue.Transition{Event: queue.EventSucceed, At: Base.Add(2 * time.Second), Token: "first", BooksFound: 1, BooksSaved: 2})
	require.ErrorIs(t, err, queue.ErrInvalidCounters)

	done, err := s.UpdateStatus(ctx, "06-a", queue.Transition{Event: queue.EventSucceed, At: Base.Add(2 * time.Second), Token: "first", BooksFound: 12, BooksSaved: 10})
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, done.Status)
	require.Equal(t, 12, done.BooksFound)
	require.Equal(t, 10, done.BooksSaved)

	_, err = s.UpdateStatus(ctx, "06-a", queue.Transition{Event: queue.EventSucceed, At: Base.Add(3 * time.Second), Token: "first", BooksFound: 12, BooksSaved: 10})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	_, err = s.UpdateStatus(ctx, "missing", queue.Transition{Event: queue.EventFail, At: Base})
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func testExpire(t *testing.T, s queue.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewItem("07-a", "https://books.example/old", queue.KindListing, 1, 0)))
	require.NoError(t, s.Insert(ctx, NewItem("07-b", "https://books.example/new", queue.KindListing, 1, time.Second)))
	claim(t, s, queue.KindListing, "old", Base.Add(time.Minute))
	claim(t, s, queue.KindListing, "new", Base.Add(10*time.Minute))

	cutoff := Base.Add(5 * time.Minute)
	expired, err := s.ListExpired(ctx, queue.KindListing, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "07-a", expired[0].ID)

	tr := queue.Transition{Event: queue.EventExpire, At: Base.Add(11 * time.Minute), Token: expired[0].LeaseToken, Cutoff: cutoff}
	got, err := s.UpdateStatus(ctx, "07-a", tr)
	require.NoError(t, err)
	require.Equal(t, queue.StatusRetry, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, queue.ErrLeaseExpired.Error(), got.Error())

	_, err = s.UpdateStatus(ctx, "07-a", tr)
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	again, err := s.ListExpired(ctx, queue.KindListing, cutoff, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	_, err = s.UpdateStatus(ctx, "07-b", queue.Transition{Event: queue.EventSucceed, At: Base.Add(12 * time.Minute), Token: "old"})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
}

func testListAndStats(t *testing.T, s queue.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert(ctx, NewItem(fmt.Sprintf("08-%d", i), fmt.Sprintf("https://books.example/p/%d", i), queue.KindListing, i%2, time.Duration(i)*time.Second)))
	}
	at := Base.Add(time.Minute)
	first := claim(t, s, queue.KindListing, "a", at)
	_, err := s.UpdateStatus(ctx, first.ID, queue.Transition{Event: queue.EventSucceed, At: at, Token: "a", BooksFound: 20, BooksSaved: 15})
	require.NoError(t, err)
	second := claim(t, s, queue.KindListing, "b", at)
	_, err = s.UpdateStatus(ctx, second.ID, queue.Transition{Event: queue.EventFail, At: at, Token: "b", ErrorMessage: "404"})
	require.NoError(t, err)

	pending, err := s.ListByStatus(ctx, queue.ListQuery{Kind: queue.KindListing, Status: queue.StatusPending, Limit: 10})
	require.NoError(t, err)
	require.Len(t, pending, 3)

	newest, err := s.ListByStatus(ctx, queue.ListQuery{Kind: queue.KindListing, Order: queue.OrderNewest, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	require.Equal(t, "08-3", newest[0].ID)
	require.Equal(t, "08-2", newest[1].ID)

	empty, err := s.ListByStatus(ctx, queue.ListQuery{Kind: queue.KindBookDetail, Limit: 10})
	require.NoError(t, err)
	require.Empty(t, empty)

	stats, err := s.Stats(ctx, queue.KindListing)
	require.NoError(t, err)
	byStatus := make(map[queue.Status]queue.StatusStats)
	var total int64
	for _, st := range stats {
		byStatus[st.Status] = st
		total += st.Count
	}
	require.EqualValues(t, 5, total)
	require.EqualValues(t, 3, byStatus[queue.StatusPending].Count)
	require.EqualValues(t, 1, byStatus[queue.StatusCompleted].Count)
	require.EqualValues(t, 20, byStatus[queue.StatusCompleted].BooksFound)
	require.EqualValues(t, 15, byStatus[queue.StatusCompleted].BooksSaved)
	require.EqualValues(t, 1, byStatus[queue.StatusFailed].Count)

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.SchemaVersion, version)
}

func testConcurrentClaims(t *testing.T, s queue.Store) {
	ctx := context.Background()
	const items = 40
	const workers = 8
	for i := 0; i < items; i++ {
		require.NoError(t, s.Insert(ctx, NewItem(fmt.Sprintf("09-%03d", i), fmt.Sprintf("https://books.example/c/%d", i), queue.KindListing, 1, time.Duration(i)*time.Millisecond)))
	}
	var (
		mu      sync.Mutex
		seen    = make(map[string]int)
		claimed atomic.Int64
		wg      sync.WaitGroup
	)
	now := Base.Add(time.Hour)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; ; n++ {
				item, err := s.Claim(ctx, queue.ClaimRequest{Kind: queue.KindListing, Token: fmt.Sprintf("w%d-%d", w, n), Now: now})
				if errors.Is(err, queue.ErrNoWork) {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				claimed.Add(1)
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	require.EqualValues(t, items, claimed.Load())
	require.Len(t, seen, items)
	for id, n := range seen {
		require.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}
