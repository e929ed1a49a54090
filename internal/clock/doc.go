// Package clock provides an injectable time source.
//
// Components that compute due times (outbox backoff, reservation ages,
// periodic drivers) take a Clock instead of calling time.Now directly.
// Production wiring uses Real(); tests use Fake() and move time with
// Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	ob := outbox.New(db, caller, outbox.Options{Clock: c})
//	c.Advance(2 * time.Second) // next retry is now due
package clock
