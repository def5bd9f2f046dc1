// Package queue implements the persistent work-queue engine: prioritized,
// leased, retryable work items with an append-only run history.
//
// Every state transition is a single storage batch guarded by a per-queue
// mutex, so an item can never be claimed twice, lose an attempt, or disagree
// with its run ledger. Ordering within a queue is priority descending, then
// enqueue time ascending, via an inverted-priority ready index.
package queue
