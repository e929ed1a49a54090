// Package httpserver is the operator REST gateway of a steward actor. It
// exposes fleet upgrades, outbox backlog, prize and swap claims, reservation
// inspection and the saga journal as JSON endpoints under /v1. Domain errors
// map to status codes in the controllers package; a retryable flag in the
// body tells clients whether resubmitting can succeed.
package httpserver
