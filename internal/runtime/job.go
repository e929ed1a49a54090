package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/steward/internal/clock"
	"github.com/rzbill/steward/pkg/log"
)

// Next is what a pass knows about when the following one is useful.
type Next struct {
	// Again means more work is available now.
	Again bool
	// Due is the earliest time queued work becomes ready, zero if unknown.
	Due time.Time
}

// TickFunc runs one pass of a component.
type TickFunc func(ctx context.Context) (Next, error)

// Job drives a TickFunc periodically. It ticks every idle interval, every
// busy interval while the last pass asked to run again, and no later than
// the reported due time, but never faster than the busy interval. Start,
// Stop and Kick never block, so they can be called from inside a turn.
type Job struct {
	name   string
	tick   TickFunc
	idle   time.Duration
	busy   time.Duration
	clock  clock.Clock
	logger log.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	kick    chan struct{}
	wg      sync.WaitGroup
	ticks   uint64
}

// NewJob returns a stopped Job.
func NewJob(name string, tick TickFunc, idle, busy time.Duration, clk clock.Clock, logger log.Logger) *Job {
	if busy <= 0 || busy > idle {
		busy = idle
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Job{
		name:   name,
		tick:   tick,
		idle:   idle,
		busy:   busy,
		clock:  clk,
		logger: logger.WithComponent("job").With(log.Str("job", name)),
		kick:   make(chan struct{}, 1),
	}
}

// Start launches the driver if it is not running.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stop = make(chan struct{})
	j.wg.Add(1)
	go j.loop(j.stop)
	j.logger.Debug("started")
}

// Stop signals the driver to exit after its current pass.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	j.running = false
	close(j.stop)
	j.logger.Debug("stopped")
}

// Kick requests a pass as soon as possible.
func (j *Job) Kick() {
	select {
	case j.kick <- struct{}{}:
	default:
	}
}

// Active reports whether the driver is running.
func (j *Job) Active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Ticks returns the number of completed passes.
func (j *Job) Ticks() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ticks
}

// Close stops the driver and waits for it to exit.
func (j *Job) Close() {
	j.Stop()
	j.wg.Wait()
}

func (j *Job) loop(stop chan struct{}) {
	defer j.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	interval := j.idle
	ticker := j.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-j.kick:
		}
		n, err := j.tick(ctx)
		if err != nil && ctx.Err() == nil {
			j.logger.Warn("tick failed", log.Err(err))
		}
		next := j.interval(n)
		if next != interval {
			interval = next
			ticker.Reset(interval)
		}
		j.mu.Lock()
		j.ticks++
		j.mu.Unlock()
	}
}

func (j *Job) interval(n Next) time.Duration {
	if n.Again {
		return j.busy
	}
	if n.Due.IsZero() {
		return j.idle
	}
	wait := n.Due.Sub(j.clock.Now())
	return min(max(wait, j.busy), j.idle)
}
