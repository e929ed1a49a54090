package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rzbill/steward/internal/actor"
	"github.com/rzbill/steward/internal/claims"
	"github.com/rzbill/steward/internal/clock"
	"github.com/rzbill/steward/internal/config"
	"github.com/rzbill/steward/internal/fleet"
	"github.com/rzbill/steward/internal/journal"
	"github.com/rzbill/steward/internal/outbox"
	"github.com/rzbill/steward/internal/reservation"
	"github.com/rzbill/steward/internal/saga"
	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
	"github.com/rzbill/steward/internal/transport"
	"github.com/rzbill/steward/pkg/log"
)

// Remote is everything the actor calls on other actors.
type Remote interface {
	outbox.Caller
	fleet.Installer
	fleet.BalanceOracle
}

// Options for building the Runtime.
type Options struct {
	Config config.Config
	Clock  clock.Clock
	Logger log.Logger
	// Remote and Ledger default to a transport.Pool built from Config.Peers.
	Remote Remote
	Ledger saga.Transferer
}

// Reservations groups the reservation stores of each claim kind.
type Reservations struct {
	Prize *reservation.Store
	Swap  *reservation.Store
}

// State is the durable and in-memory state of one actor. It is only
// touched inside the actor's turns.
type State struct {
	Reservations Reservations
	Registry     *fleet.Registry
	Binaries     *fleet.BinaryStore
	Fleet        *fleet.Scheduler
	Outbox       *outbox.Outbox
	Journal      *journal.Journal
	Inbox        *journal.Journal
}

// Runtime wires storage, config, and the actor's components for a
// single-node instance.
type Runtime struct {
	db      *pebblestore.DB
	config  config.Config
	clock   clock.Clock
	logger  log.Logger
	mailbox *actor.Mailbox
	pool    *transport.Pool
	storage *storageCounters

	state  State
	prizes *claims.PrizePolicy
	swaps  *claims.SwapPolicy
	prize  *saga.Executor
	swap   *saga.Executor

	outboxJob *Job
	fleetJob  *Job
	trimJob   *Job
}

// Open initializes the underlying storage, restores every component and
// starts the periodic drivers.
func Open(opts Options) (rt *Runtime, err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	fsync, err := pebblestore.ParseFsyncMode(cfg.Storage.Fsync)
	if err != nil {
		return nil, err
	}
	compression, err := fleet.ParseCompression(cfg.Fleet.Compression)
	if err != nil {
		return nil, err
	}
	bp, err := fleet.NewCELBackpressure(cfg.Fleet.Backpressure)
	if err != nil {
		return nil, err
	}

	counters := &storageCounters{}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.Storage.DataDir,
		Fsync:         fsync,
		FsyncInterval: cfg.Storage.FsyncInterval.Std(),
		Metrics:       counters,
	})
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		db:      db,
		storage: counters,
		config:  cfg,
		clock:   opts.Clock,
		logger:  opts.Logger.With(log.Actor(cfg.Actor)),
		mailbox: actor.NewMailbox(cfg.Actor, 256, opts.Logger),
		prizes:  claims.NewPrizePolicy(),
		swaps:   claims.NewSwapPolicy(),
	}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	remote, ledger := opts.Remote, opts.Ledger
	if remote == nil || ledger == nil {
		r.pool = transport.NewPool(cfg.Peers)
		if remote == nil {
			remote = r.pool
		}
		if ledger == nil {
			ledger = r.pool.Ledger(cfg.Saga.Ledger)
		}
	}

	r.state.Journal, err = journal.Open(db, cfg.Actor, cfg.Saga.JournalTopic)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	r.state.Inbox, err = journal.Open(db, cfg.Actor, InboxTopic)
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	r.state.Reservations = Reservations{
		Prize: reservation.Open(db, cfg.Actor+"/prize"),
		Swap:  reservation.Open(db, cfg.Actor+"/swap"),
	}

	// The outbox may start its job while opening, before it is assigned.
	var opened atomic.Pointer[outbox.Outbox]
	outboxIdle := cfg.Outbox.TickInterval.Std()
	r.outboxJob = NewJob("outbox", func(ctx context.Context) (Next, error) {
		ob := opened.Load()
		if ob == nil {
			return Next{Again: true}, nil
		}
		res, err := ob.Tick(ctx)
		return Next{Again: res.Again, Due: res.NextDue}, err
	}, outboxIdle, outboxIdle/10, r.clock, r.logger)
	r.state.Outbox, err = outbox.Open(outbox.Options{
		Actor:       cfg.Actor,
		DB:          db,
		Turns:       r.mailbox,
		Caller:      remote,
		Job:         r.outboxJob,
		Clock:       r.clock,
		Logger:      r.logger,
		BaseDelay:   cfg.Outbox.BaseDelay.Std(),
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BatchSize:   cfg.Outbox.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	opened.Store(r.state.Outbox)

	for _, p := range []struct {
		name   string
		store  *reservation.Store
		policy saga.Policy
		dst    **saga.Executor
	}{
		{"prize", r.state.Reservations.Prize, r.prizes, &r.prize},
		{"swap", r.state.Reservations.Swap, r.swaps, &r.swap},
	} {
		*p.dst, err = saga.New(saga.Options{
			Name:       p.name,
			Turns:      r.mailbox,
			Store:      p.store,
			Policy:     p.policy,
			Transferer: ledger,
			Journal:    r.state.Journal,
			Notifier:   r.state.Outbox,
			Clock:      r.clock,
			Logger:     r.logger,
		})
		if err != nil {
			return nil, err
		}
	}

	r.state.Registry = fleet.OpenRegistry(db, cfg.Actor, cfg.Fleet.Kind)
	r.state.Binaries = fleet.OpenBinaryStore(db, cfg.Actor, compression)
	r.fleetJob = NewJob("fleet", func(ctx context.Context) (Next, error) {
		res, err := r.state.Fleet.Tick(ctx)
		return Next{Again: res.Again && !res.Backpressure}, err
	}, cfg.Fleet.TickInterval.Std(), cfg.Fleet.BusyInterval.Std(), r.clock, r.logger)
	var backpressure fleet.Backpressure
	if bp != nil {
		backpressure = bp
	}
	r.state.Fleet, err = fleet.NewScheduler(fleet.Options{
		Turns:          r.mailbox,
		Registry:       r.state.Registry,
		Binaries:       r.state.Binaries,
		Installer:      remote,
		Oracle:         remote,
		MinBalance:     cfg.Fleet.MinBalance,
		TopUpAmount:    cfg.Fleet.TopUpAmount,
		Backpressure:   backpressure,
		Backlog:        r.outboxBacklog,
		Wake:           r.fleetJob.Kick,
		Concurrency:    cfg.Fleet.Concurrency,
		FailureHistory: cfg.Fleet.FailureHistory,
		Clock:          r.clock,
		Logger:         r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open fleet: %w", err)
	}
	r.fleetJob.Start()

	if keep := cfg.Saga.JournalRetention.Std(); keep > 0 {
		r.trimJob = NewJob("journal-trim", func(ctx context.Context) (Next, error) {
			n, err := r.state.Journal.TrimOlderThan(ctx, r.clock.Now().Add(-keep), 1000)
			return Next{Again: n == 1000}, err
		}, time.Hour, time.Second, r.clock, r.logger)
		r.trimJob.Start()
	}

	r.logger.Info("runtime open", log.Str("data_dir", cfg.Storage.DataDir), log.Str("fleet", cfg.Fleet.Kind))
	return r, nil
}

// outboxBacklog feeds the fleet's backpressure with undelivered notifications.
func (r *Runtime) outboxBacklog(ctx context.Context) (int64, error) {
	st, err := r.state.Outbox.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return int64(st.Pending + st.InFlight), nil
}

// Close stops the drivers and closes underlying resources.
func (r *Runtime) Close() error {
	for _, j := range []*Job{r.fleetJob, r.outboxJob, r.trimJob} {
		if j != nil {
			j.Close()
		}
	}
	var errs []error
	if r.state.Outbox != nil {
		errs = append(errs, r.state.Outbox.Close())
	}
	if r.state.Fleet != nil {
		errs = append(errs, r.state.Fleet.Close())
	}
	if r.mailbox != nil {
		errs = append(errs, r.mailbox.Close())
	}
	if r.pool != nil {
		errs = append(errs, r.pool.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth verifies the store is readable and the actor is taking turns.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	if err := it.Close(); err != nil {
		return err
	}
	return r.mailbox.Turn(ctx, func() {})
}

// State exposes the actor's components.
func (r *Runtime) State() State { return r.state }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() config.Config { return r.config }

// Clock returns the runtime clock.
func (r *Runtime) Clock() clock.Clock { return r.clock }

// OutboxJobActive reports whether the outbox driver is running.
func (r *Runtime) OutboxJobActive() bool { return r.outboxJob.Active() }
