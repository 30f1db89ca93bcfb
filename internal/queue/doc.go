// Package queue defines the crawl work item model shared by every subsystem:
// the item lifecycle state machine, the sentinel errors, and the interfaces
// implemented by stores (memory, sqlite, postgres) and consumed by the
// admission layer, the scheduler, workers, and read-only reporting.
//
// The state machine lives in Apply and is the only place item transitions
// are decided. Store backends load an item, call Apply, and persist the
// result with a compare-and-set so concurrent writers cannot interleave.
package queue
