package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rzbill/steward/internal/actor"
	"github.com/rzbill/steward/internal/clock"
	"github.com/rzbill/steward/pkg/log"
)

const (
	DefaultConcurrency    = 10
	DefaultFailureHistory = 10
)

const tracerName = "github.com/rzbill/steward/internal/fleet"

var (
	// ErrNotInProgress is returned by Resolve for a worker without an
	// upgrade marker.
	ErrNotInProgress = errors.New("fleet: no upgrade in progress")
	// ErrInstallRunning is returned by Resolve while the worker's install is
	// still running in this process.
	ErrInstallRunning = errors.New("fleet: install still running")
)

// InstallRequest asks a worker to install a new binary.
type InstallRequest struct {
	WorkerID string  `cbor:"1,keyasint"`
	Kind     string  `cbor:"2,keyasint"`
	From     Version `cbor:"3,keyasint"`
	To       Version `cbor:"4,keyasint"`
	Binary   []byte  `cbor:"5,keyasint"`
	Digest   string  `cbor:"6,keyasint"`
	InitArgs []byte  `cbor:"7,keyasint,omitempty"`
	// TopUp is the resource amount to deposit with the install, 0 for none.
	TopUp uint64 `cbor:"8,keyasint,omitempty"`
}

// Installer performs the remote install. It returns the top-up actually
// applied, or nil.
type Installer interface {
	Install(ctx context.Context, req InstallRequest) (*TopUp, error)
}

// BalanceOracle reports a worker's resource balance.
type BalanceOracle interface {
	Balance(ctx context.Context, workerID string) (uint64, error)
}

// BacklogFunc reports the host's competing backlog for backpressure.
type BacklogFunc func(ctx context.Context) (int64, error)

// Options configures a Scheduler.
type Options struct {
	Turns     actor.Turns
	Registry  *Registry
	Binaries  *BinaryStore
	Installer Installer
	// Oracle and the top-up thresholds are optional. A worker whose balance
	// is below MinBalance gets TopUpAmount with its install.
	Oracle       BalanceOracle
	MinBalance   uint64
	TopUpAmount  uint64
	Backpressure Backpressure
	Backlog      BacklogFunc
	// Wake is called, without blocking, when a completion frees a slot while
	// workers are still pending.
	Wake           func()
	InitArgs       []byte
	Concurrency    int
	FailureHistory int
	Clock          clock.Clock
	Logger         log.Logger
}

// TickResult reports one scheduling cycle.
type TickResult struct {
	Dispatched   int
	Skipped      int
	Backpressure bool
	// Again is set while workers remain pending.
	Again bool
}

// Metrics are the scheduler counters.
type Metrics struct {
	Concurrency int    `json:"concurrency"`
	Pending     int    `json:"pending"`
	InProgress  int    `json:"in_progress"`
	Skipped     int    `json:"skipped"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	TopUps      uint64 `json:"top_ups"`
}

// Status is Metrics plus queue membership.
type Status struct {
	Metrics
	PendingIDs    []string `json:"pending_ids"`
	InProgressIDs []string `json:"in_progress_ids"`
	SkippedIDs    []string `json:"skipped_ids"`
}

type dispatch struct {
	rec   WorkerRecord
	force bool
}

// Scheduler upgrades one fleet with bounded concurrency.
type Scheduler struct {
	turns    actor.Turns
	registry *Registry
	binaries *BinaryStore
	install  Installer
	oracle   BalanceOracle
	minBal   uint64
	topUp    uint64
	bp       Backpressure
	backlog  BacklogFunc
	wake     func()
	initArgs []byte
	bound    int
	history  int
	clock    clock.Clock
	logger   log.Logger
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Queue state, only touched inside turns.
	pending    []string
	force      map[string]bool // membership of pending
	inProgress map[string]struct{}
	// live holds the in-progress workers with an install running in this
	// process; the others were restored from the registry.
	live      map[string]struct{}
	skipped   map[string]struct{}
	succeeded uint64
	failed    uint64
	topUps    uint64
}

// NewScheduler builds a Scheduler. Workers whose records are still flagged
// UpgradeInProgress, e.g. after a restart, are restored as in progress and
// keep their slots until marked.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Turns == nil || opts.Registry == nil || opts.Installer == nil {
		return nil, errors.New("fleet: turns, registry and installer are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.FailureHistory <= 0 {
		opts.FailureHistory = DefaultFailureHistory
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		turns:      opts.Turns,
		registry:   opts.Registry,
		binaries:   opts.Binaries,
		install:    opts.Installer,
		oracle:     opts.Oracle,
		minBal:     opts.MinBalance,
		topUp:      opts.TopUpAmount,
		bp:         opts.Backpressure,
		backlog:    opts.Backlog,
		wake:       opts.Wake,
		initArgs:   opts.InitArgs,
		bound:      opts.Concurrency,
		history:    opts.FailureHistory,
		clock:      opts.Clock,
		logger:     opts.Logger.WithComponent("fleet").With(log.Str("fleet", opts.Registry.Kind())),
		tracer:     otel.Tracer(tracerName),
		ctx:        ctx,
		cancel:     cancel,
		force:      make(map[string]bool),
		inProgress: make(map[string]struct{}),
		live:       make(map[string]struct{}),
		skipped:    make(map[string]struct{}),
	}
	recs, err := s.registry.List()
	if err != nil {
		cancel()
		return nil, err
	}
	for _, rec := range recs {
		if rec.UpgradeInProgress {
			s.inProgress[rec.ID] = struct{}{}
			s.logger.Warn("upgrade marker survived restart", log.Str("worker", rec.ID),
				log.Str("from", rec.CurrentVersion.String()), log.Str("to", rec.TargetVersion.String()))
		}
	}
	return s, nil
}

// Enqueue marks a worker as requiring an upgrade. Repeating it keeps the
// queue position; force is sticky once set. A worker whose upgrade is in
// progress stays pending until that upgrade is marked.
func (s *Scheduler) Enqueue(ctx context.Context, workerID string, force bool) error {
	return actor.Do0(ctx, s.turns, func() error {
		ok, err := s.registry.Has(workerID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
		}
		delete(s.skipped, workerID)
		if prev, queued := s.force[workerID]; queued {
			s.force[workerID] = prev || force
			return nil
		}
		s.pending = append(s.pending, workerID)
		s.force[workerID] = force
		return nil
	})
}

// EnqueueOutdated enqueues every worker whose version differs from its target.
func (s *Scheduler) EnqueueOutdated(ctx context.Context) (int, error) {
	recs, err := s.registry.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.UpToDate() {
			continue
		}
		if err := s.Enqueue(ctx, rec.ID, false); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Tick admits pending workers into free slots and dispatches their installs.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var backlog int64
	if s.backlog != nil {
		b, err := s.backlog(ctx)
		if err != nil {
			s.logger.Warn("backlog unavailable", log.Err(err))
		}
		backlog = b
	}

	var res TickResult
	batch, err := actor.Do(ctx, s.turns, func() ([]dispatch, error) {
		load := Load{Backlog: backlog, Pending: int64(len(s.pending)), InProgress: int64(len(s.inProgress))}
		if s.bp != nil && s.bp.Active(load) {
			res.Backpressure = true
			res.Again = len(s.pending) > 0
			return nil, nil
		}

		out, err := s.admit(ctx, &res)
		res.Again = s.admissible() > 0
		return out, err
	})
	for _, d := range batch {
		s.wg.Add(1)
		go s.run(d)
	}
	res.Dispatched = len(batch)
	if len(batch) > 0 || res.Skipped > 0 {
		s.logger.Debug("tick", log.Int("dispatched", res.Dispatched), log.Int("skipped", res.Skipped))
	}
	return res, err
}

// admit moves pending workers into free slots. Workers that already hold a
// slot are passed over and keep their place in the queue.
func (s *Scheduler) admit(ctx context.Context, res *TickResult) ([]dispatch, error) {
	var (
		out  []dispatch
		held []string
	)
	defer func() { s.pending = append(held, s.pending...) }()

	available := s.bound - len(s.inProgress)
	for available > 0 && len(s.pending) > 0 {
		id := s.pending[0]
		s.pending = s.pending[1:]
		if _, busy := s.inProgress[id]; busy {
			held = append(held, id)
			continue
		}
		force := s.force[id]

		rec, err := s.registry.Get(id)
		if errors.Is(err, ErrWorkerNotFound) {
			delete(s.force, id)
			s.skipped[id] = struct{}{}
			res.Skipped++
			continue
		}
		if err != nil {
			// Put it back; the store is unhealthy.
			s.pending = append([]string{id}, s.pending...)
			return out, err
		}
		if rec.UpToDate() && !force {
			delete(s.force, id)
			s.skipped[id] = struct{}{}
			res.Skipped++
			continue
		}
		rec.UpgradeInProgress = true
		rec.UpdatedAt = s.clock.Now()
		if err := s.registry.Put(ctx, rec); err != nil {
			s.pending = append([]string{id}, s.pending...)
			return out, err
		}
		delete(s.force, id)
		s.inProgress[id] = struct{}{}
		s.live[id] = struct{}{}
		out = append(out, dispatch{rec: rec, force: force})
		available--
	}
	return out, nil
}

// admissible counts pending workers that do not hold a slot.
func (s *Scheduler) admissible() int {
	n := 0
	for _, id := range s.pending {
		if _, busy := s.inProgress[id]; !busy {
			n++
		}
	}
	return n
}

// run performs one install outside any turn and reports its outcome.
func (s *Scheduler) run(d dispatch) {
	defer s.wg.Done()
	ctx, span := s.tracer.Start(s.ctx, "fleet.install", trace.WithAttributes(
		attribute.String("fleet.kind", d.rec.Kind),
		attribute.String("fleet.worker", d.rec.ID),
		attribute.String("fleet.from", d.rec.CurrentVersion.String()),
		attribute.String("fleet.to", d.rec.TargetVersion.String()),
	))
	defer span.End()

	from, to := d.rec.CurrentVersion, d.rec.TargetVersion
	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		if merr := s.MarkFailure(ctx, d.rec.ID, from, to, err); merr != nil {
			s.logger.Error("mark failure", log.Str("worker", d.rec.ID), log.Err(merr))
		}
	}

	// The worker may have left between admission and dispatch.
	present, err := actor.Do(ctx, s.turns, func() (bool, error) { return s.registry.Has(d.rec.ID) })
	if err != nil {
		fail(err)
		return
	}
	if !present {
		if err := s.MarkSkipped(ctx, d.rec.ID); err != nil {
			s.logger.Error("mark skipped", log.Str("worker", d.rec.ID), log.Err(err))
		}
		return
	}

	req := InstallRequest{WorkerID: d.rec.ID, Kind: d.rec.Kind, From: from, To: to, InitArgs: s.initArgs}
	if s.binaries != nil {
		bin, digest, err := s.binaries.Get(d.rec.Kind, to)
		if err != nil {
			fail(fmt.Errorf("load binary %s: %w", to, err))
			return
		}
		req.Binary, req.Digest = bin, digest.String()
	}
	if s.oracle != nil && s.topUp > 0 {
		bal, err := s.oracle.Balance(ctx, d.rec.ID)
		if err != nil {
			s.logger.Warn("balance unavailable", log.Str("worker", d.rec.ID), log.Err(err))
		} else if bal < s.minBal {
			req.TopUp = s.topUp
		}
	}

	topUp, err := s.install.Install(ctx, req)
	if err != nil {
		fail(err)
		return
	}
	if topUp != nil && topUp.At.IsZero() {
		topUp.At = s.clock.Now()
	}
	if err := s.MarkSuccess(ctx, d.rec.ID, to, topUp); err != nil {
		s.logger.Error("mark success", log.Str("worker", d.rec.ID), log.Err(err))
	}
}

func (s *Scheduler) release(id string) {
	delete(s.inProgress, id)
	delete(s.live, id)
	if len(s.pending) > 0 && s.wake != nil {
		s.wake()
	}
}

// MarkSuccess records a completed upgrade to newVersion.
func (s *Scheduler) MarkSuccess(ctx context.Context, workerID string, newVersion Version, topUp *TopUp) error {
	return actor.Do0(ctx, s.turns, func() error {
		defer s.release(workerID)
		s.succeeded++
		if topUp != nil {
			s.topUps++
		}
		rec, err := s.registry.Get(workerID)
		if errors.Is(err, ErrWorkerNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec.CurrentVersion = newVersion
		rec.UpgradeInProgress = false
		if topUp != nil {
			rec.LastTopUp = topUp
		}
		rec.UpdatedAt = s.clock.Now()
		s.logger.Info("upgraded", log.Str("worker", workerID), log.Str("version", newVersion.String()))
		return s.registry.Put(ctx, rec)
	})
}

// MarkFailure records a failed upgrade. The worker is not retried.
func (s *Scheduler) MarkFailure(ctx context.Context, workerID string, from, to Version, cause error) error {
	return actor.Do0(ctx, s.turns, func() error { return s.markFailure(ctx, workerID, from, to, cause) })
}

func (s *Scheduler) markFailure(ctx context.Context, workerID string, from, to Version, cause error) error {
	defer s.release(workerID)
	s.failed++
	rec, err := s.registry.Get(workerID)
	if errors.Is(err, ErrWorkerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := s.clock.Now()
	f := Failure{From: from, To: to, At: now}
	if cause != nil {
		f.Reason = cause.Error()
	}
	rec.recordFailure(f, s.history)
	rec.UpgradeInProgress = false
	rec.UpdatedAt = now
	s.logger.Warn("upgrade failed", log.Str("worker", workerID), log.Str("from", from.String()), log.Str("to", to.String()), log.Err(cause))
	return s.registry.Put(ctx, rec)
}

// MarkSkipped drops an admitted worker from consideration without recording
// a failure.
func (s *Scheduler) MarkSkipped(ctx context.Context, workerID string) error {
	return actor.Do0(ctx, s.turns, func() error { return s.markSkipped(ctx, workerID) })
}

func (s *Scheduler) markSkipped(ctx context.Context, workerID string) error {
	defer s.release(workerID)
	s.skipped[workerID] = struct{}{}
	rec, err := s.registry.Get(workerID)
	if errors.Is(err, ErrWorkerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.UpgradeInProgress = false
	rec.UpdatedAt = s.clock.Now()
	return s.registry.Put(ctx, rec)
}

// Resolution is an operator's verdict on an upgrade whose outcome was never
// recorded.
type Resolution string

const (
	// ResolveFailed records the upgrade as failed.
	ResolveFailed Resolution = "failed"
	// ResolveSkipped releases the slot without recording a failure.
	ResolveSkipped Resolution = "skipped"
)

// Resolve settles an in-progress marker that no running install owns, such
// as one restored after a restart. It returns ErrNotInProgress for workers
// without a marker and ErrInstallRunning while an install is still running.
func (s *Scheduler) Resolve(ctx context.Context, workerID string, r Resolution, reason string) error {
	return actor.Do0(ctx, s.turns, func() error {
		if _, ok := s.inProgress[workerID]; !ok {
			return fmt.Errorf("%w: %s", ErrNotInProgress, workerID)
		}
		if _, ok := s.live[workerID]; ok {
			return fmt.Errorf("%w: %s", ErrInstallRunning, workerID)
		}
		switch r {
		case ResolveFailed:
			from, to := Version{}, Version{}
			if rec, err := s.registry.Get(workerID); err == nil {
				from, to = rec.CurrentVersion, rec.TargetVersion
			}
			if reason == "" {
				reason = "resolved by operator"
			}
			return s.markFailure(ctx, workerID, from, to, errors.New(reason))
		case ResolveSkipped:
			return s.markSkipped(ctx, workerID)
		default:
			return fmt.Errorf("fleet: unknown resolution %q", r)
		}
	})
}

// Remove deletes a worker from the registry and the upgrade queue. A
// restored in-progress marker is released with it. A running install keeps
// its slot until it reports, and its outcome is then discarded with the
// record.
func (s *Scheduler) Remove(ctx context.Context, workerID string) error {
	return actor.Do0(ctx, s.turns, func() error {
		if err := s.registry.Leave(ctx, workerID); err != nil {
			return err
		}
		if _, queued := s.force[workerID]; queued {
			delete(s.force, workerID)
			for i, id := range s.pending {
				if id == workerID {
					s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
					break
				}
			}
		}
		delete(s.skipped, workerID)
		_, held := s.inProgress[workerID]
		_, running := s.live[workerID]
		if held && !running {
			s.logger.Info("released restored marker of departed worker", log.Str("worker", workerID))
			s.release(workerID)
		}
		return nil
	})
}

// Metrics returns the scheduler counters.
func (s *Scheduler) Metrics(ctx context.Context) (Metrics, error) {
	return actor.Do(ctx, s.turns, func() (Metrics, error) { return s.metrics(), nil })
}

func (s *Scheduler) metrics() Metrics {
	return Metrics{
		Concurrency: s.bound,
		Pending:     len(s.pending),
		InProgress:  len(s.inProgress),
		Skipped:     len(s.skipped),
		Succeeded:   s.succeeded,
		Failed:      s.failed,
		TopUps:      s.topUps,
	}
}

// Status returns the counters and queue membership.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	return actor.Do(ctx, s.turns, func() (Status, error) {
		st := Status{
			Metrics:       s.metrics(),
			PendingIDs:    append([]string{}, s.pending...),
			InProgressIDs: keys(s.inProgress),
			SkippedIDs:    keys(s.skipped),
		}
		return st, nil
	})
}

// InProgress lists workers holding a slot. After a restart this includes
// upgrades whose outcome was never recorded.
func (s *Scheduler) InProgress(ctx context.Context) ([]string, error) {
	return actor.Do(ctx, s.turns, func() ([]string, error) { return keys(s.inProgress), nil })
}

// Wait blocks until all dispatched installs have reported.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Close cancels outstanding installs and waits for them.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// After is how long a driver should wait before the next tick.
func (r TickResult) After(idle, busy time.Duration) time.Duration {
	if r.Again && !r.Backpressure {
		return busy
	}
	return idle
}
