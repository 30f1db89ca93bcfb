package report

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/memory"
	"github.com/JakeFAU/crawlqueue/internal/storage/storetest"
)

// unmigrated reports schema version 0 and fails every other read.
type unmigrated struct {
	*memory.ItemStore
}

func (unmigrated) SchemaVersion(context.Context) (uint, error) { return 0, nil }

func (unmigrated) ListByStatus(context.Context, queue.ListQuery) ([]queue.WorkItem, error) {
	return nil, queue.ErrSchemaMissing
}

func (unmigrated) Stats(context.Context, queue.Kind) ([]queue.StatusStats, error) {
	return nil, queue.ErrSchemaMissing
}

func seeded(t *testing.T, n int) *memory.ItemStore {
	t.Helper()
	store := memory.NewItemStore()
	for i := range n {
		item := storetest.NewItem(fmt.Sprintf("item-%02d", i), fmt.Sprintf("https://books.example/%d", i),
			queue.KindListing, i%3, time.Duration(i)*time.Second)
		require.NoError(t, store.Insert(context.Background(), item))
	}
	return store
}

func TestListPagesNewestFirst(t *testing.T) {
	t.Parallel()

	r := New(seeded(t, 5))
	page, err := r.List(context.Background(), Query{Kind: queue.KindListing, Size: 2})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, 1, page.Page)
	require.Len(t, page.Items, 2)
	require.Equal(t, "item-04", page.Items[0].ID)
	require.Equal(t, "item-03", page.Items[1].ID)

	last, err := r.List(context.Background(), Query{Kind: queue.KindListing, Size: 2, Page: 3})
	require.NoError(t, err)
	require.False(t, last.HasMore)
	require.Len(t, last.Items, 1)
	require.Equal(t, "item-00", last.Items[0].ID)
}

func TestListDispatchOrderAndFilter(t *testing.T) {
	t.Parallel()

	r := New(seeded(t, 6))
	page, err := r.List(context.Background(), Query{Kind: queue.KindListing, Order: queue.OrderDispatch})
	require.NoError(t, err)
	require.Len(t, page.Items, 6)
	require.Equal(t, "item-02", page.Items[0].ID, "priority 2, oldest first")
	require.Equal(t, "item-05", page.Items[1].ID)

	none, err := r.List(context.Background(), Query{Kind: queue.KindListing, Status: queue.StatusFailed})
	require.NoError(t, err)
	require.Empty(t, none.Items)

	_, err = r.List(context.Background(), Query{Kind: queue.KindListing, Status: "done"})
	require.Error(t, err)
	_, err = r.List(context.Background(), Query{Kind: "nope"})
	require.Error(t, err)
}

func TestNormalizeClampsSize(t *testing.T) {
	t.Parallel()

	q := normalize(Query{Size: 10_000, Page: -1})
	require.Equal(t, MaxPageSize, q.Size)
	require.Equal(t, 1, q.Page)
	require.Equal(t, queue.OrderNewest, q.Order)
	require.Equal(t, DefaultPageSize, normalize(Query{}).Size)
}

func TestItem(t *testing.T) {
	t.Parallel()

	r := New(seeded(t, 1))
	item, err := r.Item(context.Background(), "item-00")
	require.NoError(t, err)
	require.Equal(t, "https://books.example/0", item.URL)

	_, err = r.Item(context.Background(), "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	r := New(seeded(t, 3))
	s, err := r.Summary(context.Background(), queue.KindListing)
	require.NoError(t, err)
	require.EqualValues(t, 3, s.Total)
	require.EqualValues(t, 3, s.Count(queue.StatusPending))
	require.Equal(t, queue.SchemaVersion, s.SchemaVersion)

	all, err := r.Summaries(context.Background())
	require.NoError(t, err)
	require.Len(t, all, len(queue.Kinds))
}

func TestUnmigratedStoreReadsEmpty(t *testing.T) {
	t.Parallel()

	r := New(unmigrated{memory.NewItemStore()})
	page, err := r.List(context.Background(), Query{Kind: queue.KindListing})
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.NotNil(t, page.Items)

	s, err := r.Summary(context.Background(), queue.KindBookDetail)
	require.NoError(t, err)
	require.Zero(t, s.Total)
	require.Zero(t, s.SchemaVersion)

	_, err = r.Item(context.Background(), "any")
	require.ErrorIs(t, err, queue.ErrNotFound)
}
