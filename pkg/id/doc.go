// Package id generates the outbox entry identifiers.
//
// An ID is 16 bytes: a big-endian millisecond timestamp followed by a
// per-millisecond sequence. Comparing the bytes compares creation order, which
// is what the outbox relies on for FIFO order within a destination and for
// breaking ties between entries due at the same instant.
//
// A Generator never goes backwards. A clock that steps back is pinned to the
// last millisecond it emitted, and Observe lets a restarted outbox seed the
// generator with the largest ID it reloaded from disk.
package id
