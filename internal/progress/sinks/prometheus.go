package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlqueue/internal/progress"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// PrometheusSink counts transitions and observes processing time.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	processing  *prometheus.HistogramVec
	booksSaved  *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlqueue_transitions_total",
			Help: "Work item transitions partitioned by kind and event.",
		}, []string{"kind", "event"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlqueue_processing_seconds",
			Help:    "Time from claim to outcome partitioned by kind and resulting status.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind", "status"}),
		booksSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlqueue_books_saved_total",
			Help: "Books saved by completed items.",
		}, []string{"kind"}),
	}
	for _, collector := range []prometheus.Collector{s.transitions, s.processing, s.booksSaved} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		kind := string(evt.Kind)
		s.transitions.WithLabelValues(kind, string(evt.Event)).Inc()
		if evt.Dur > 0 {
			s.processing.WithLabelValues(kind, string(evt.To)).Observe(evt.Dur.Seconds())
		}
		if evt.To == queue.StatusCompleted && evt.BooksSaved > 0 {
			s.booksSaved.WithLabelValues(kind).Add(float64(evt.BooksSaved))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
