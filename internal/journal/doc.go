// Package journal implements the per-actor append-only event journal that
// records saga transitions.
//
// # Overview
//
// A journal is scoped to an actor and a topic and persisted in Pebble. Keys
// are lexicographically ordered for range scans:
//   - act/{actor}/jrn/{topic}/m           (metadata: lastSeq)
//   - act/{actor}/jrn/{topic}/e/{seq_be8} (entries)
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload),
// where the header carries the event kind and its timestamp and the payload is
// the CBOR-encoded Event.
//
// API surface (internal)
//
//	j, _ := journal.Open(db, "prizes-1", "saga")
//	seqs, _ := j.Append(ctx, journal.Event{Kind: journal.KindCommitted, Subject: "m1"})
//
//	// Stage events into a caller-owned batch so they commit atomically with
//	// other records.
//	txn := j.Begin()
//	_, _ = txn.Add(b, ev)
//	err := db.CommitBatch(ctx, b)
//	txn.Done(err == nil)
//
//	// Read forward/reverse with an optional start sequence and limit
//	events, next := j.Read(journal.ReadOptions{Start: 1, Limit: 100})
//
//	// Age-based retention
//	_, _ = j.TrimOlderThan(ctx, cutoff, 1024)
package journal
