// Package progress carries queue transition events from the scheduler to
// observability sinks. The Hub batches events on a background goroutine and
// never blocks the caller; nothing in the queue reads events back.
package progress
