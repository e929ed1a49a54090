// Package client provides the operator commands of the `steward` CLI.
//
// The commands talk to the HTTP API of a running steward server. The base
// URL comes from the embedding application via a BaseURLFunc; the
// standalone binary reads STEWARD_HTTP and defaults to
// http://127.0.0.1:8080.
//
// Usage
//
//	steward fleet join w1 --version 1.0.0
//	steward fleet upload 1.1.0 -f ./worker.wasm
//	steward fleet target 1.1.0
//	steward fleet status
//	steward fleet workers
//	steward fleet enqueue w1 --force
//
//	steward claim add-prize m1 10 20 30 --ttl 24h
//	steward claim prize m1 alice
//	steward claim offer-swap s1 alice 50
//	steward claim accept-swap s1 bob
//
//	steward outbox stats
//	steward outbox queue user/alice
//
//	steward reservation stale swap --age 10m
//	steward reservation rollback swap TOKEN --reason "ledger outage"
//
//	steward journal --start 1 --limit 50
//	steward journal --inbox
//
// Notes
//
//   - Claim failures the server marks as retryable are reported with a
//     "safe to retry" suffix: no value moved and nothing was left reserved.
//   - Colors are disabled automatically when output is not a terminal.
package client
