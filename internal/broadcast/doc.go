// Package broadcast runs a message broadcast: one send per recipient through
// a bounded worker pool, with per-record lifecycle tracking, retries and
// cooperative cancellation.
//
// A Service owns at most one running run at a time. Each run keeps its state
// in a Store, which is the single source of truth read by Snapshot() and
// mutated by workers and by asynchronous delivery/read receipts.
//
// Lifecycle of a record:
//
//	pending -> attempting -> sent
//	                      -> retrying -> attempting ...
//	                      -> failed
//
// Delivery and read receipts only apply to records that reached sent.
package broadcast
