// Package pebblestore wraps one Pebble database shared by every store of an
// actor. Reservations, journal events, outbox entries and binaries all live
// under their own key prefixes; callers stage writes in a batch and commit
// them together so a state change and its journal event land atomically.
//
// Values go through the CBOR codec via GetRecord and SetRecord. The fsync
// policy is chosen per process with FsyncMode, and a Metrics hook observes
// reads, writes and batch commits.
//
//	b := db.NewBatch()
//	defer b.Close()
//	_ = pebblestore.SetRecord(b, key, rec)
//	err := db.CommitBatch(ctx, b)
package pebblestore
