package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/admission"
	"github.com/JakeFAU/crawlqueue/internal/config"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Backend = config.BackendMemory
	cfg.Progress.MaxBatchWait = 10 * time.Millisecond
	cfg.Progress.LogEvents = false
	return cfg
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestBuildMemoryBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := BuildWithLogger(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	h := app.Handler()
	rec := post(t, h, "/v1/items", admission.Request{URL: "https://books.example/list", Kind: queue.KindListing})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = post(t, h, "/v1/claims", map[string]string{"kind": "listing"})
	require.Equal(t, http.StatusOK, rec.Code)
	var lease queue.Lease
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lease))

	rec = post(t, h, "/v1/items/"+lease.Item.ID+"/success", map[string]any{"token": lease.Token, "books_found": 5, "books_saved": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		entries, err := app.backend.Audit.Recent(ctx, 10)
		require.NoError(t, err)
		return len(entries) > 0
	}, 2*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawlqueue_items")
	require.Contains(t, rec.Body.String(), "crawlqueue_transitions_total")
}

func TestBuildSQLiteBackendMigrates(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "queue.db")

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	version, err := app.Store().SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.SchemaVersion, version)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildWithRedisIndex(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Index.Enabled = true
	cfg.Index.Address = mr.Addr()

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	res, err := app.Admitter.Enqueue(context.Background(), admission.Request{URL: "https://books.example/a", Kind: queue.KindBookDetail})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.NotEmpty(t, mr.Keys())
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Index.Enabled = true
	cfg.Index.Address = "127.0.0.1:1"

	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestBackendMigrator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem, err := OpenBackend(ctx, config.StoreConfig{Backend: config.BackendMemory}, nil)
	require.NoError(t, err)
	_, err = mem.Migrator()
	require.ErrorIs(t, err, ErrNoSchema)

	b, err := OpenBackend(ctx, config.StoreConfig{
		Backend: config.BackendSQLite,
		SQLite:  config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "m.db")},
	}, nil)
	require.NoError(t, err)
	m, err := b.Migrator()
	require.NoError(t, err)
	version, _, err := m.Version()
	require.NoError(t, err)
	require.Zero(t, version)
	require.NoError(t, m.Up())
	version, _, err = m.Version()
	require.NoError(t, err)
	require.EqualValues(t, queue.SchemaVersion, version)
	require.NoError(t, m.Close())

	_, err = OpenBackend(ctx, config.StoreConfig{Backend: "mongo"}, nil)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Port = 0
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after context cancel")
	}
}
