package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/steward/pkg/log"
)

var (
	// ErrStopped is returned by Turn after the mailbox has been closed.
	ErrStopped = errors.New("actor: stopped")
)

// PanicError reports a turn that panicked. The actor keeps running.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("actor: turn panicked: %v", e.Value) }

// Turns runs synchronous segments one at a time.
type Turns interface {
	// Turn runs fn exclusively and returns once it has finished. It returns
	// ctx.Err() without running fn if ctx is done first.
	Turn(ctx context.Context, fn func()) error
}

// Do runs fn in a turn and returns its results.
func Do[T any](ctx context.Context, t Turns, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if terr := t.Turn(ctx, func() { out, err = fn() }); terr != nil {
		var zero T
		return zero, terr
	}
	return out, err
}

// Do0 runs fn in a turn and returns its error.
func Do0(ctx context.Context, t Turns, fn func() error) error {
	var err error
	if terr := t.Turn(ctx, func() { err = fn() }); terr != nil {
		return terr
	}
	return err
}

// Do2 is Do for turns that produce two values.
func Do2[A, B any](ctx context.Context, t Turns, fn func() (A, B, error)) (A, B, error) {
	var (
		a   A
		b   B
		err error
	)
	if terr := t.Turn(ctx, func() { a, b, err = fn() }); terr != nil {
		var za A
		var zb B
		return za, zb, terr
	}
	return a, b, err
}

func run(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	fn()
	return nil
}

// Exclusive serializes turns with a mutex held only while fn runs.
type Exclusive struct {
	mu sync.Mutex
}

// NewExclusive returns a ready Exclusive.
func NewExclusive() *Exclusive { return &Exclusive{} }

// Turn implements Turns.
func (e *Exclusive) Turn(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return run(fn)
}

type turnRequest struct {
	fn   func()
	done chan error
}

// Mailbox runs turns on one goroutine, in arrival order.
type Mailbox struct {
	name   string
	logger log.Logger
	inbox  chan turnRequest

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewMailbox starts the mailbox goroutine. depth bounds the number of turns
// waiting to run.
func NewMailbox(name string, depth int, logger log.Logger) *Mailbox {
	if depth <= 0 {
		depth = 64
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &Mailbox{
		name:    name,
		logger:  logger.With(log.Actor(name)),
		inbox:   make(chan turnRequest, depth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Mailbox) loop() {
	defer close(m.stopped)
	for {
		select {
		case req := <-m.inbox:
			err := run(req.fn)
			if err != nil {
				m.logger.Error("turn failed", log.Err(err))
			}
			req.done <- err
		case <-m.stop:
			return
		}
	}
}

// Turn implements Turns. If ctx ends while the turn is queued, Turn returns
// ctx.Err() but the queued turn may still run.
func (m *Mailbox) Turn(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := turnRequest{fn: fn, done: make(chan error, 1)}
	select {
	case m.inbox <- req:
	case <-m.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-m.stopped:
		// The loop may have finished this turn just before stopping.
		select {
		case err := <-req.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the mailbox after the running turn finishes. Queued turns are
// abandoned and their callers get ErrStopped.
func (m *Mailbox) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.stopped
	return nil
}

// Name returns the actor name.
func (m *Mailbox) Name() string { return m.name }
