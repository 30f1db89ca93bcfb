package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlqueue/internal/admission"
	"github.com/JakeFAU/crawlqueue/internal/api"
	"github.com/JakeFAU/crawlqueue/internal/clock/fake"
	"github.com/JakeFAU/crawlqueue/internal/id/uuid"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/report"
	"github.com/JakeFAU/crawlqueue/internal/scheduler"
	"github.com/JakeFAU/crawlqueue/internal/storage/memory"
)

func newTestClient(t *testing.T, opts api.Options) *Client {
	t.Helper()
	store := memory.NewItemStore()
	clk := fake.New(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	opts.Gatherer = prometheus.NewRegistry()
	srv := api.NewServer(api.Deps{
		Scheduler: scheduler.New(store, clk, uuid.Tokens{}, scheduler.Config{}),
		Admitter:  admission.New(store, clk, uuid.New(), admission.DefaultConfig()),
		Reporter:  report.New(store),
	}, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := New(Config{BaseURL: ts.URL + "/", APIKey: opts.APIKey, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestClient(t, api.Options{})

	_, err := c.Claim(ctx, queue.KindListing)
	require.ErrorIs(t, err, queue.ErrNoWork)

	res, err := c.Enqueue(ctx, admission.Request{URL: "https://books.example/list?b=2&a=1", Kind: queue.KindListing})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, "https://books.example/list?a=1&b=2", res.URL)

	lease, err := c.Claim(ctx, queue.KindListing)
	require.NoError(t, err)
	require.Equal(t, res.ID, lease.Item.ID)
	require.Equal(t, lease.Token, lease.Item.LeaseToken)

	_, err = c.ReportSuccess(ctx, res.ID, lease.Token, 1, 2)
	require.ErrorIs(t, err, queue.ErrInvalidCounters)

	item, err := c.ReportSuccess(ctx, res.ID, lease.Token, 4, 2)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, item.Status)

	_, err = c.ReportFailure(ctx, res.ID, lease.Token, "late")
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 409, se.Status)

	summary, err := c.Summary(ctx, queue.KindListing)
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.Count(queue.StatusCompleted))
	require.EqualValues(t, 4, summary.BooksFound)

	_, err = c.Item(ctx, "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestClientRetryFailureAndRequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestClient(t, api.Options{})

	results, err := c.EnqueueBatch(ctx, []admission.Request{
		{URL: "https://books.example/a", Kind: queue.KindBookDetail},
		{URL: "ftp://books.example/b", Kind: queue.KindBookDetail},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotEmpty(t, results[1].Error)

	lease, err := c.Claim(ctx, queue.KindBookDetail)
	require.NoError(t, err)
	item, err := c.ReportRetry(ctx, lease.Item.ID, lease.Token, "503")
	require.NoError(t, err)
	require.Equal(t, queue.StatusRetry, item.Status)
	require.Equal(t, 1, item.RetryCount)

	lease, err = c.Claim(ctx, queue.KindBookDetail)
	require.NoError(t, err)
	item, err = c.ReportFailure(ctx, lease.Item.ID, lease.Token, "404")
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, item.Status)

	moved, err := c.RequeueFailed(ctx, queue.KindBookDetail)
	require.NoError(t, err)
	require.Equal(t, 1, moved)
}

func TestClientAPIKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestClient(t, api.Options{AuthEnabled: true, APIKey: "k"})
	_, err := c.Claim(ctx, queue.KindListing)
	require.ErrorIs(t, err, queue.ErrNoWork)

	c.http.SetHeader("X-API-Key", "wrong")
	_, err = c.Claim(ctx, queue.KindListing)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, api.CodeUnauthorized, se.Code)
}

func TestClientTransportFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Claim(context.Background(), queue.KindListing)
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)
}
