// Package sinks implements progress consumers: structured logs, Prometheus
// metrics, the crawl_logs audit table and a Pub/Sub outcome feed.
package sinks
