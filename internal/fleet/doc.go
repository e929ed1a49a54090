// Package fleet rolls new worker versions out across a fleet with bounded
// concurrency.
//
// A Registry holds one WorkerRecord per worker. The Scheduler keeps an
// in-memory upgrade queue (pending, in progress, skipped). Each Tick admits
// up to Concurrency-|in progress| pending workers and dispatches an
// asynchronous Install for each. Completions come back through MarkSuccess,
// MarkFailure and MarkSkipped. Failed upgrades are recorded and not retried;
// callers re-enqueue.
//
// A backpressure predicate, usually a CEL expression over the current load,
// can make a Tick skip its cycle entirely.
//
// Target binaries are kept in a BinaryStore, compressed and addressed by a
// BLAKE3 digest that travels with every install request.
package fleet
