package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/storetest"
)

func TestItemStoreSuite(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) queue.Store { return NewItemStore() })
}

func TestItemStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewItemStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, storetest.NewItem("a", "https://books.example/a", queue.KindListing, 1, 0)))

	items, err := store.ListByStatus(ctx, queue.ListQuery{Kind: queue.KindListing})
	require.NoError(t, err)
	require.Len(t, items, 1)
	items[0].URL = "modified"

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "https://books.example/a", got.URL)
}

func TestItemStoreInsertValidation(t *testing.T) {
	t.Parallel()

	store := NewItemStore()
	err := store.Insert(context.Background(), queue.WorkItem{ID: "x", Kind: queue.KindListing})
	require.Error(t, err)
	require.NoError(t, store.Close())
}

func TestAuditLogRecent(t *testing.T) {
	t.Parallel()

	log := NewAuditLog()
	ctx := context.Background()
	require.NoError(t, log.Append(ctx, []queue.AuditEntry{
		{Level: "info", Message: "first"},
		{Level: "error", Message: "second"},
		{Level: "info", Message: "third"},
	}))

	recent, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "third", recent[0].Message)
	require.EqualValues(t, 3, recent[0].ID)
	require.Equal(t, "second", recent[1].Message)

	all, err := log.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
