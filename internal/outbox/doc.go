// Package outbox implements a durable, per-destination retry queue for
// fire-and-forget one-way calls.
//
// Send persists an entry and, when its destination is idle, delivers it at
// once without waiting for a tick. A failed attempt moves the entry to its
// destination's queue with linear backoff (attempts × base delay). Tick
// dispatches the due head of every idle destination, up to a batch limit,
// concurrently across destinations and strictly one at a time within a
// destination, so each destination sees entries in send order. Entries are
// dropped after MaxAttempts failed tries.
//
// The outbox owns no timer. It calls JobControl.Start when its queue becomes
// non-empty and JobControl.Stop when a pass leaves it empty; the host runtime
// is expected to call Tick while the job is running.
//
// Keys:
//   - act/{actor}/obx/q/{destination}\x00{id} entry (CBOR)
package outbox
