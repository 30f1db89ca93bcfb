package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/publisher/memory"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	storemem "github.com/JakeFAU/crawlqueue/internal/storage/memory"
)

var ts = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func batch() []progress.Event {
	book := int64(11)
	return []progress.Event{
		{ItemID: "a", Kind: queue.KindListing, URL: "https://books.example/l/1", Event: queue.EventClaim,
			From: queue.StatusPending, To: queue.StatusProcessing, TS: ts},
		{ItemID: "a", Kind: queue.KindListing, URL: "https://books.example/l/1", Event: queue.EventSucceed,
			From: queue.StatusProcessing, To: queue.StatusCompleted, BooksFound: 20, BooksSaved: 18,
			Dur: 3 * time.Second, TS: ts.Add(3 * time.Second)},
		{ItemID: "b", Kind: queue.KindBookDetail, URL: "https://books.example/b/11", BookID: &book,
			Event: queue.EventRetry, From: queue.StatusProcessing, To: queue.StatusRetry, RetryCount: 1,
			Note: "timeout", Dur: time.Second, TS: ts.Add(4 * time.Second)},
		{ItemID: "b", Kind: queue.KindBookDetail, URL: "https://books.example/b/11", BookID: &book,
			Event: queue.EventFail, From: queue.StatusProcessing, To: queue.StatusFailed, RetryCount: 1,
			Note: "404", TS: ts.Add(5 * time.Second)},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), batch()))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("listing", "claim")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("book-detail", "fail")), 1e-9)
	require.InDelta(t, 18.0, testutil.ToFloat64(sink.booksSaved.WithLabelValues("listing")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.processing, "crawlqueue_processing_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.NoError(t, sink.Close(context.Background()))

	require.Equal(t, 4, logs.Len())
	require.Equal(t, 2, logs.FilterLevelExact(zap.WarnLevel).Len())
	completed := logs.FilterField(zap.Int("books_saved", 18)).All()
	require.Len(t, completed, 1)
}

func TestAuditSinkPersistsOutcomes(t *testing.T) {
	t.Parallel()

	log := storemem.NewAuditLog()
	sink := NewAuditSink(log, nil)
	require.NoError(t, sink.Consume(context.Background(), batch()))

	entries, err := log.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3, "claims are not audited")
	require.Equal(t, "error", entries[0].Level)
	require.NotNil(t, entries[0].ErrorDetails)
	require.Equal(t, "404", *entries[0].ErrorDetails)
	require.EqualValues(t, 11, *entries[0].BookID)
	require.Equal(t, "warn", entries[1].Level)
	require.Equal(t, "info", entries[2].Level)
	require.Contains(t, entries[2].Message, "20 books found, 18 saved")

	require.NoError(t, sink.Consume(context.Background(), batch()[:1]))
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, []queue.AuditEntry) error { return errors.New("disk full") }
func (failingAudit) Recent(context.Context, int) ([]queue.AuditEntry, error) {
	return nil, nil
}

func TestAuditSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	err := NewAuditSink(failingAudit{}, zap.NewNop()).Consume(context.Background(), batch())
	require.ErrorContains(t, err, "disk full")
}

func TestPubSubSinkPublishesTerminalOnly(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPubSubSink(pub, "crawl-outcomes", nil)
	require.NoError(t, sink.Consume(context.Background(), batch()))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "crawl-outcomes", msgs[0].Topic)
	evt, ok := msgs[0].Payload.(progress.Event)
	require.True(t, ok)
	require.Equal(t, queue.StatusCompleted, evt.To)

	pub.Err = errors.New("unavailable")
	err := sink.Consume(context.Background(), batch())
	require.ErrorContains(t, err, "unavailable")
}
