// Package actor serializes an actor's state mutations into turns.
//
// A turn is a synchronous segment that runs to completion before any other
// turn of the same actor starts. Remote calls never happen inside a turn:
// callers do their local bookkeeping in one turn, make the call, and resume
// in a new turn. Everything that must be "first synchronous writer wins"
// (reservation exclusivity, outbox in-flight markers, scheduler slots) relies
// on this.
//
// Two implementations are provided:
//   - Mailbox: a single goroutine owns the state; turns are closures sent to it.
//   - Exclusive: a mutex held only for the duration of a turn.
//
// Turns must not start another turn on the same actor; with Mailbox that
// deadlocks.
package actor
