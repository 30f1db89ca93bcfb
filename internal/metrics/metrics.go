// Package metrics exposes Prometheus collectors for the crawlqueue service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Claim results recorded by ObserveClaim.
const (
	ClaimLeased = "leased"
	ClaimEmpty  = "empty"
	ClaimError  = "error"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	claimsTotal                *prometheus.CounterVec
	reportsTotal               *prometheus.CounterVec
	leasesExpiredTotal         *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	claimThrottleSeconds       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlqueue_claims_total",
				Help: "Total number of claim attempts, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		reportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlqueue_reports_total",
				Help: "Total number of worker reports, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		leasesExpiredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlqueue_leases_expired_total",
				Help: "Total number of leases reclaimed by the sweeper, labeled by kind.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlqueue_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		claimThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlqueue_claim_throttle_seconds",
				Help:    "Histogram of rate limit waits before a claim.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveClaim counts one claim attempt.
func ObserveClaim(kind, result string) {
	Init()
	claimsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveReport counts one worker report.
func ObserveReport(kind, outcome string) {
	Init()
	reportsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveLeaseExpired counts one reclaimed lease.
func ObserveLeaseExpired(kind string) {
	Init()
	leasesExpiredTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveClaimThrottle records the duration of a rate limit wait.
func ObserveClaimThrottle(kind string, duration time.Duration) {
	Init()
	claimThrottleSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}
