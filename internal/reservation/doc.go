// Package reservation stores saga reservations in Pebble.
//
// A reservation provisionally and exclusively claims a subject on behalf of a
// claimant while a remote value transfer is outstanding. Each reservation
// carries a lock key; at most one Reserved or Committed reservation may hold
// a given lock key at a time. Callers choose the lock key: the subject alone
// for one-winner subjects, or subject plus claimant when many claimants may
// each hold one.
//
// Keys:
//   - act/{actor}/rsv/t/{token}              full record (kept as a tombstone after rollback)
//   - act/{actor}/rsv/c/{subject}\x00{claimant} token
//   - act/{actor}/rsv/l/{lock}               token of the active holder
//
// The store performs no locking of its own. Mutations must run inside the
// owning actor's turns.
package reservation
