// Package queue is the durable, throttled outbound email queue.
//
// Put records a message against the store after a per-recipient throttle
// check. Flush drains pending messages through a Sender in insertion order:
// sent rows are deleted, rows without an address are dropped, and the first
// delivery failure marks its row dead and aborts the pass. Dead letters are
// never retried by Flush; Requeue revives one explicitly.
//
// Flush is single-worker: a concurrent call returns ErrFlushInProgress. The
// guard is a lease kept in the store, so it also holds across processes that
// share a database.
package queue
