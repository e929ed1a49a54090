package outbox

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/steward/internal/actor"
	"github.com/rzbill/steward/internal/clock"
	"github.com/rzbill/steward/internal/codec"
	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
	"github.com/rzbill/steward/pkg/id"
	"github.com/rzbill/steward/pkg/log"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 50
	DefaultBatchSize   = 50
)

const tracerName = "github.com/rzbill/steward/internal/outbox"

// Caller performs one-way calls to other actors.
type Caller interface {
	CallOneWay(ctx context.Context, destination, method string, payload []byte) error
}

// JobControl starts and stops the host's periodic Tick driver. Both methods
// are called from inside a turn and must not block.
type JobControl interface {
	Start()
	Stop()
}

type noopJob struct{}

func (noopJob) Start() {}
func (noopJob) Stop()  {}

// Options configures an Outbox.
type Options struct {
	Actor       string
	DB          *pebblestore.DB
	Turns       actor.Turns
	Caller      Caller
	Job         JobControl
	Clock       clock.Clock
	Logger      log.Logger
	BaseDelay   time.Duration
	MaxAttempts int
	BatchSize   int
}

// Stats is a snapshot of outbox counters.
type Stats struct {
	Pending      int    `json:"pending"`
	InFlight     int    `json:"in_flight"`
	Destinations int    `json:"destinations"`
	JobActive    bool   `json:"job_active"`
	Delivered    uint64 `json:"delivered"`
	Retried      uint64 `json:"retried"`
	Dropped      uint64 `json:"dropped"`
}

// TickResult summarizes one Tick pass.
type TickResult struct {
	Dispatched int
	Delivered  int
	Failed     int
	Dropped    int
	// Again is set when due entries were left behind by the batch limit.
	Again bool
	// NextDue is the earliest due time among idle destinations, zero if none.
	NextDue time.Time
}

// Outbox is a per-destination retry queue owned by one actor.
type Outbox struct {
	actor       string
	db          *pebblestore.DB
	turns       actor.Turns
	caller      Caller
	clock       clock.Clock
	logger      log.Logger
	tracer      trace.Tracer
	ids         *id.Generator
	baseDelay   time.Duration
	maxAttempts int
	batchSize   int

	// ctx bounds inline deliveries; Close cancels it and waits on inline.
	ctx    context.Context
	cancel context.CancelFunc
	inline sync.WaitGroup

	// Everything below is only touched inside turns.
	closed    bool
	job       JobControl
	jobActive bool
	dests     map[string]*destination
	ready     readyHeap
	pending   int
	inFlight  int
	delivered uint64
	retried   uint64
	dropped   uint64
}

// Open restores queued entries from the store and returns the Outbox. If
// entries survived a restart the job is started immediately.
func Open(opts Options) (*Outbox, error) {
	if opts.DB == nil || opts.Turns == nil || opts.Caller == nil {
		return nil, errors.New("outbox: db, turns and caller are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Job == nil {
		opts.Job = noopJob{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		ctx:         ctx,
		cancel:      cancel,
		actor:       opts.Actor,
		db:          opts.DB,
		turns:       opts.Turns,
		caller:      opts.Caller,
		clock:       opts.Clock,
		logger:      opts.Logger.WithComponent("outbox").With(log.Actor(opts.Actor)),
		tracer:      otel.Tracer(tracerName),
		ids:         id.NewGeneratorWithClock(opts.Clock.Now),
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		batchSize:   opts.BatchSize,
		job:         opts.Job,
		dests:       make(map[string]*destination),
	}
	if err := o.restore(); err != nil {
		cancel()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) restore() error {
	prefix := queuePrefix(o.actor)
	err := o.db.ScanPrefix(prefix, func(k, v []byte) (bool, error) {
		if _, _, ok := splitEntryKey(prefix, k); !ok {
			o.logger.Warn("skipping malformed outbox key", log.Str("key", string(k)))
			return true, nil
		}
		e := &Entry{}
		if err := codec.Unmarshal(v, e); err != nil {
			return false, fmt.Errorf("decode outbox entry: %w", err)
		}
		d := o.dest(e.Destination)
		d.entries = append(d.entries, e)
		o.pending++
		o.ids.Observe(e.ID)
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, d := range o.dests {
		o.ready.schedule(d)
	}
	if o.pending > 0 {
		o.logger.Info("restored outbox", log.Int("pending", o.pending), log.Int("destinations", len(o.dests)))
	}
	o.syncJob()
	return nil
}

func (o *Outbox) dest(name string) *destination {
	d, ok := o.dests[name]
	if !ok {
		d = &destination{name: name, index: -1}
		o.dests[name] = d
	}
	return d
}

// syncJob starts the job when work is pending. Stopping only happens after a
// processing pass, in Tick.
func (o *Outbox) syncJob() {
	if o.pending > 0 && !o.jobActive {
		o.jobActive = true
		o.job.Start()
	}
}

func (o *Outbox) save(e *Entry) error {
	val, err := codec.Marshal(e)
	if err != nil {
		return err
	}
	return o.db.Set(entryKey(o.actor, e.Destination, e.ID), val)
}

func (o *Outbox) remove(e *Entry) error {
	return o.db.Delete(entryKey(o.actor, e.Destination, e.ID))
}

// Send durably queues a one-way call and returns once the entry is stored.
// If the destination is idle the first attempt starts right away in the
// background; otherwise the entry waits behind earlier ones for Tick.
// Delivery failures are retried and never returned; only a failure to
// persist the entry is.
func (o *Outbox) Send(ctx context.Context, destination, method string, payload []byte) error {
	e, inline, err := actor.Do2(ctx, o.turns, func() (*Entry, bool, error) {
		now := o.clock.Now()
		e := &Entry{
			ID:          o.ids.Next(),
			Destination: destination,
			Method:      method,
			Payload:     payload,
			DueAt:       now,
			CreatedAt:   now,
		}
		if err := o.save(e); err != nil {
			return nil, false, fmt.Errorf("persist outbox entry: %w", err)
		}
		d := o.dest(destination)
		inline := !o.closed && !d.inFlight && len(d.entries) == 0
		d.entries = append(d.entries, e)
		if inline {
			d.inFlight = true
			d.inline = true
			o.inFlight++
			o.inline.Add(1)
			return e, true, nil
		}
		o.pending++
		o.ready.schedule(d)
		o.syncJob()
		return e, false, nil
	})
	if err != nil || !inline {
		return err
	}
	go o.deliverInline(trace.SpanContextFromContext(ctx), e)
	return nil
}

// deliverInline makes the first attempt of e outside the sender's turn and
// context, then records the outcome in a new turn.
func (o *Outbox) deliverInline(parent trace.SpanContext, e *Entry) {
	defer o.inline.Done()
	callErr := o.deliver(trace.ContextWithSpanContext(o.ctx, parent), e)
	err := o.turns.Turn(context.Background(), func() {
		o.complete(o.dests[e.Destination], callErr, o.clock.Now())
		o.syncJob()
	})
	if err != nil {
		o.logger.Error("record inline delivery", log.Str("destination", e.Destination), log.Err(err))
	}
}

// Flush waits for inline attempts that have already started.
func (o *Outbox) Flush() { o.inline.Wait() }

// Close stops new inline attempts, cancels running ones and waits for their
// outcomes to be recorded. A canceled attempt is retried after a restart.
// Close must run before the turns are shut down.
func (o *Outbox) Close() error {
	err := o.turns.Turn(context.Background(), func() { o.closed = true })
	if errors.Is(err, actor.ErrStopped) {
		err = nil
	}
	o.cancel()
	o.inline.Wait()
	return err
}

func (o *Outbox) deliver(ctx context.Context, e *Entry) error {
	ctx, span := o.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("outbox.destination", e.Destination),
		attribute.String("outbox.method", e.Method),
		attribute.Int("outbox.attempt", e.Attempts+1),
	))
	defer span.End()
	err := o.caller.CallOneWay(ctx, e.Destination, e.Method, e.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	return err
}

// complete applies the outcome of the in-flight head of d. It returns what
// happened to the entry.
func (o *Outbox) complete(d *destination, callErr error, now time.Time) outcome {
	wasInline := d.inline
	d.inFlight = false
	d.inline = false
	o.inFlight--
	if !wasInline {
		o.pending--
	}
	e := d.head()

	result := outcomeDelivered
	if callErr == nil {
		d.popHead()
		o.delivered++
		if err := o.remove(e); err != nil {
			o.logger.Error("remove delivered entry", log.Str("destination", e.Destination), log.Err(err))
		}
	} else {
		e.Attempts++
		e.LastError = callErr.Error()
		if e.Attempts >= o.maxAttempts {
			d.popHead()
			o.dropped++
			result = outcomeDropped
			o.logger.Warn("dropping outbox entry after max attempts",
				log.Str("destination", e.Destination),
				log.Str("method", e.Method),
				log.Int("attempts", e.Attempts),
				log.Err(callErr))
			if err := o.remove(e); err != nil {
				o.logger.Error("remove dropped entry", log.Str("destination", e.Destination), log.Err(err))
			}
		} else {
			e.DueAt = now.Add(time.Duration(e.Attempts) * o.baseDelay)
			o.pending++
			o.retried++
			result = outcomeRetry
			o.logger.Debug("outbox delivery failed; retrying",
				log.Str("destination", e.Destination),
				log.Int("attempts", e.Attempts),
				log.F("due_at", e.DueAt),
				log.Err(callErr))
			if err := o.save(e); err != nil {
				o.logger.Error("persist retry", log.Str("destination", e.Destination), log.Err(err))
			}
		}
	}

	if len(d.entries) == 0 {
		delete(o.dests, d.name)
	} else {
		o.ready.schedule(d)
	}
	return result
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetry
	outcomeDropped
)

// Tick dispatches due entries and waits for their outcomes.
func (o *Outbox) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	batch, err := actor.Do(ctx, o.turns, func() ([]*Entry, error) {
		now := o.clock.Now()
		var out []*Entry
		for len(out) < o.batchSize {
			d := o.ready.peek()
			if d == nil || d.head().DueAt.After(now) {
				break
			}
			heap.Pop(&o.ready)
			d.inFlight = true
			o.inFlight++
			out = append(out, d.head())
		}
		if d := o.ready.peek(); d != nil && !d.head().DueAt.After(now) {
			res.Again = true
		}
		return out, nil
	})
	if err != nil {
		return res, err
	}

	errs := make([]error, len(batch))
	var g errgroup.Group
	for i, e := range batch {
		g.Go(func() error {
			errs[i] = o.deliver(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	err = o.turns.Turn(context.WithoutCancel(ctx), func() {
		now := o.clock.Now()
		for i, e := range batch {
			switch o.complete(o.dests[e.Destination], errs[i], now) {
			case outcomeDelivered:
				res.Delivered++
			case outcomeRetry:
				res.Failed++
			case outcomeDropped:
				res.Failed++
				res.Dropped++
			}
		}
		res.Dispatched = len(batch)
		if d := o.ready.peek(); d != nil {
			res.NextDue = d.head().DueAt
		}
		if o.pending == 0 && o.jobActive {
			o.jobActive = false
			o.job.Stop()
		}
	})
	return res, err
}

// Stats returns current counters.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	return actor.Do(ctx, o.turns, func() (Stats, error) {
		return Stats{
			Pending:      o.pending,
			InFlight:     o.inFlight,
			Destinations: len(o.dests),
			JobActive:    o.jobActive,
			Delivered:    o.delivered,
			Retried:      o.retried,
			Dropped:      o.dropped,
		}, nil
	})
}

// Queued returns copies of the entries queued for destination, head first.
func (o *Outbox) Queued(ctx context.Context, destination string) ([]Entry, error) {
	return actor.Do(ctx, o.turns, func() ([]Entry, error) {
		d, ok := o.dests[destination]
		if !ok {
			return nil, nil
		}
		out := make([]Entry, len(d.entries))
		for i, e := range d.entries {
			out[i] = *e
		}
		return out, nil
	})
}
