package aggregate

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

const scrapeTimeout = 5 * time.Second

// Collector exports queue snapshots as gauges, evaluated at scrape time.
type Collector struct {
	agg    *Aggregator
	logger *zap.Logger

	items      *prometheus.Desc
	booksFound *prometheus.Desc
	booksSaved *prometheus.Desc
	scrapeErr  *prometheus.Desc
}

// NewCollector builds a Collector; register it with a prometheus.Registerer.
func NewCollector(agg *Aggregator, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	labels := []string{"kind", "status"}
	return &Collector{
		agg:        agg,
		logger:     logger.Named("aggregate"),
		items:      prometheus.NewDesc("crawlqueue_items", "Work items per kind and status.", labels, nil),
		booksFound: prometheus.NewDesc("crawlqueue_books_found", "Sum of books_found per kind and status.", labels, nil),
		booksSaved: prometheus.NewDesc("crawlqueue_books_saved", "Sum of books_saved per kind and status.", labels, nil),
		scrapeErr:  prometheus.NewDesc("crawlqueue_stats_scrape_error", "1 when the last stats read for a kind failed.", []string{"kind"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.booksFound
	ch <- c.booksSaved
	ch <- c.scrapeErr
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	for _, kind := range queue.Kinds {
		snap, err := c.agg.Snapshot(ctx, kind)
		if err != nil {
			c.logger.Warn("stats scrape failed", zap.String("kind", string(kind)), zap.Error(err))
			ch <- prometheus.MustNewConstMetric(c.scrapeErr, prometheus.GaugeValue, 1, string(kind))
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.scrapeErr, prometheus.GaugeValue, 0, string(kind))
		for _, status := range queue.Statuses {
			b := snap.ByStatus[status]
			k, s := string(kind), string(status)
			ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(b.Count), k, s)
			ch <- prometheus.MustNewConstMetric(c.booksFound, prometheus.GaugeValue, float64(b.BooksFound), k, s)
			ch <- prometheus.MustNewConstMetric(c.booksSaved, prometheus.GaugeValue, float64(b.BooksSaved), k, s)
		}
	}
}
