package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/storetest"
)

func openMigrated(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSuite(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) queue.Store { return openMigrated(t) })
}

func TestStoreInMemory(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate())
	require.NoError(t, store.Insert(context.Background(), storetest.NewItem("m-1", "https://books.example/m", queue.KindListing, 1, 0)))
	got, err := store.Get(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)
}

func TestSchemaVersionBeforeMigrate(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "fresh.db")})
	require.NoError(t, err)
	defer store.Close()

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Zero(t, version)
}

func TestTimestampsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openMigrated(t)
	ctx := context.Background()
	item := storetest.NewItem("ts-1", "https://books.example/ts", queue.KindListing, 1, 123456789*time.Nanosecond)
	require.NoError(t, store.Insert(ctx, item))
	got, err := store.Get(ctx, "ts-1")
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(item.CreatedAt))
	require.Equal(t, time.UTC, got.CreatedAt.Location())
}

func TestAuditLogRoundTrip(t *testing.T) {
	t.Parallel()

	store := openMigrated(t)
	log := NewAuditLog(store.DB())
	ctx := context.Background()
	book := int64(7)
	details := "timeout"
	require.NoError(t, log.Append(ctx, []queue.AuditEntry{
		{Level: "info", Message: "claimed", URL: "https://books.example/a", CreatedAt: storetest.Base},
		{Level: "error", Message: "failed", BookID: &book, ErrorDetails: &details, CreatedAt: storetest.Base.Add(time.Second)},
	}))
	require.NoError(t, log.Append(ctx, nil))

	recent, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "failed", recent[0].Message)
	require.NotNil(t, recent[0].BookID)
	require.Equal(t, book, *recent[0].BookID)
	require.Equal(t, "timeout", *recent[0].ErrorDetails)
	require.Equal(t, "https://books.example/a", recent[1].URL)
}

func TestDriverFailuresMapToUnavailable(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewWithDB(sqlx.NewDb(db, "sqlite3"))

	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)
	_, err = store.Claim(context.Background(), queue.ClaimRequest{Kind: queue.KindListing, Token: "t", Now: storetest.Base})
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)

	mock.ExpectQuery("SELECT status, COUNT").WillReturnError(sql.ErrConnDone)
	_, err = store.Stats(context.Background(), queue.KindListing)
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSetConflict(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	prev := storetest.NewItem("cas-1", "https://books.example/cas", queue.KindListing, 1, 0)
	next, err := queue.Apply(prev, queue.Transition{Event: queue.EventClaim, At: storetest.Base, NewToken: "t"})
	require.NoError(t, err)

	mock.ExpectExec("UPDATE url_queue SET").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"t", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"cas-1", "pending", "", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = compareAndSet(context.Background(), sqlx.NewDb(db, "sqlite3"), prev, next)
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}
