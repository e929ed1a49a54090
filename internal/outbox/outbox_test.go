package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/steward/internal/actor"
	"github.com/rzbill/steward/internal/clock"
	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
)

const base = time.Second

var t0 = time.Unix(1700000000, 0).UTC()

type call struct {
	dest    string
	method  string
	payload string
	at      time.Time
}

// fakeCaller records calls and fails according to fail.
type fakeCaller struct {
	mu    sync.Mutex
	clock clock.Clock
	calls []call
	// fail decides whether the n-th attempt (1-based) of payload fails.
	fail func(dest, payload string, attempt int) bool
	seen map[string]int

	active    map[string]int
	maxActive map[string]int
	block     chan struct{}
}

func newFakeCaller(clk clock.Clock, fail func(dest, payload string, attempt int) bool) *fakeCaller {
	return &fakeCaller{clock: clk, fail: fail, seen: map[string]int{}, active: map[string]int{}, maxActive: map[string]int{}}
}

func (c *fakeCaller) CallOneWay(ctx context.Context, dest, method string, payload []byte) error {
	c.mu.Lock()
	c.seen[string(payload)]++
	attempt := c.seen[string(payload)]
	c.calls = append(c.calls, call{dest: dest, method: method, payload: string(payload), at: c.clock.Now()})
	c.active[dest]++
	if c.active[dest] > c.maxActive[dest] {
		c.maxActive[dest] = c.active[dest]
	}
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			c.mu.Lock()
			c.active[dest]--
			c.mu.Unlock()
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[dest]--
	if c.fail != nil && c.fail(dest, string(payload), attempt) {
		return errors.New("unreachable")
	}
	return nil
}

func (c *fakeCaller) snapshot() []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call(nil), c.calls...)
}

type recordingJob struct {
	mu      sync.Mutex
	active  bool
	starts  int
	stops   int
	history []bool
}

func (j *recordingJob) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.active = true
	j.starts++
	j.history = append(j.history, true)
}

func (j *recordingJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.active = false
	j.stops++
	j.history = append(j.history, false)
}

func (j *recordingJob) isActive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.active
}

type fixture struct {
	outbox *Outbox
	caller *fakeCaller
	job    *recordingJob
	clock  *clock.FakeClock
	db     *pebblestore.DB
	dir    string
}

func newFixture(t *testing.T, fail func(dest, payload string, attempt int) bool, mod func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.Fake(t0)
	f := &fixture{caller: newFakeCaller(clk, fail), job: &recordingJob{}, clock: clk, db: db, dir: dir}
	opts := Options{
		Actor:     "a1",
		DB:        db,
		Turns:     actor.NewExclusive(),
		Caller:    f.caller,
		Job:       f.job,
		Clock:     clk,
		BaseDelay: base,
	}
	if mod != nil {
		mod(&opts)
	}
	f.outbox, err = Open(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) stats(t *testing.T) Stats {
	t.Helper()
	st, err := f.outbox.Stats(context.Background())
	require.NoError(t, err)
	return st
}

// send queues a call and waits for its inline attempt, if any.
func (f *fixture) send(t *testing.T, dest, payload string) {
	t.Helper()
	require.NoError(t, f.outbox.Send(context.Background(), dest, "m", []byte(payload)))
	f.outbox.Flush()
}

func (f *fixture) setBlock(ch chan struct{}) {
	f.caller.mu.Lock()
	defer f.caller.mu.Unlock()
	f.caller.block = ch
}

// drain advances time and ticks until the job stops.
func (f *fixture) drain(t *testing.T, step time.Duration) {
	t.Helper()
	for i := 0; i < 10000 && f.job.isActive(); i++ {
		f.clock.Advance(step)
		_, err := f.outbox.Tick(context.Background())
		require.NoError(t, err)
	}
	require.False(t, f.job.isActive(), "outbox did not drain")
}

func TestInlineDeliverySkipsQueue(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.send(t, "D", "p")

	calls := f.caller.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, call{dest: "D", method: "m", payload: "p", at: t0}, calls[0])

	st := f.stats(t)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.Destinations)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, 0, f.job.starts, "job must not start for inline success")

	n := 0
	_ = f.db.ScanPrefix(queuePrefix("a1"), func(_, _ []byte) (bool, error) { n++; return true, nil })
	assert.Zero(t, n, "delivered entry must be removed from the store")
}

func TestLinearBackoffThenSuccess(t *testing.T) {
	f := newFixture(t, func(_, _ string, attempt int) bool { return attempt <= 3 }, nil)
	ctx := context.Background()

	f.send(t, "D", "p")
	assert.True(t, f.job.isActive())

	// Not due yet.
	res, err := f.outbox.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched)
	assert.Equal(t, t0.Add(base), res.NextDue)

	f.clock.Advance(base)
	res, _ = f.outbox.Tick(ctx)
	assert.Equal(t, 1, res.Failed)

	f.clock.Advance(2*base - time.Millisecond)
	res, _ = f.outbox.Tick(ctx)
	assert.Zero(t, res.Dispatched, "second retry must wait 2x base")
	f.clock.Advance(time.Millisecond)
	res, _ = f.outbox.Tick(ctx)
	assert.Equal(t, 1, res.Failed)

	f.clock.Advance(3 * base)
	res, _ = f.outbox.Tick(ctx)
	assert.Equal(t, 1, res.Delivered)

	calls := f.caller.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, []time.Time{t0, t0.Add(base), t0.Add(3 * base), t0.Add(6 * base)},
		[]time.Time{calls[0].at, calls[1].at, calls[2].at, calls[3].at})

	st := f.stats(t)
	assert.Equal(t, 0, st.Pending)
	assert.False(t, st.JobActive)
	assert.False(t, f.job.isActive())

	f.clock.Advance(time.Hour)
	res, _ = f.outbox.Tick(ctx)
	assert.Zero(t, res.Dispatched)
	assert.Len(t, f.caller.snapshot(), 4, "no attempts after success")
}

func TestPerDestinationOrderPreserved(t *testing.T) {
	// Every entry fails its first attempt.
	f := newFixture(t, func(_, _ string, attempt int) bool { return attempt == 1 }, nil)
	ctx := context.Background()
	for _, p := range []string{"1", "2", "3", "4"} {
		f.send(t, "D", p)
	}
	f.send(t, "E", "e1")

	queued, err := f.outbox.Queued(ctx, "D")
	require.NoError(t, err)
	require.Len(t, queued, 4)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.Equal(t, 0, queued[1].Attempts)

	f.drain(t, base)

	var delivered []string
	seen := map[string]int{}
	for _, c := range f.caller.snapshot() {
		if c.dest != "D" {
			continue
		}
		seen[c.payload]++
		if seen[c.payload] == 2 {
			delivered = append(delivered, c.payload)
		}
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, delivered)
	assert.Equal(t, uint64(5), f.stats(t).Delivered)
}

func TestDroppedAfterExactlyMaxAttempts(t *testing.T) {
	f := newFixture(t, func(string, string, int) bool { return true }, func(o *Options) { o.MaxAttempts = 4 })
	for _, p := range []string{"a", "b", "c"} {
		f.send(t, "D", p)
	}
	f.drain(t, 10*base)

	counts := map[string]int{}
	var order []string
	for _, c := range f.caller.snapshot() {
		if counts[c.payload] == 0 {
			order = append(order, c.payload)
		}
		counts[c.payload]++
	}
	assert.Equal(t, map[string]int{"a": 4, "b": 4, "c": 4}, counts)
	assert.Equal(t, []string{"a", "b", "c"}, order)

	st := f.stats(t)
	assert.Equal(t, uint64(3), st.Dropped)
	assert.Equal(t, 0, st.Pending)
}

func TestJobActiveIffPending(t *testing.T) {
	failing := map[string]bool{"D": true}
	var mu sync.Mutex
	f := newFixture(t, func(dest, _ string, _ int) bool {
		mu.Lock()
		defer mu.Unlock()
		return failing[dest]
	}, nil)
	ctx := context.Background()

	f.send(t, "D", "x")
	assert.Equal(t, 1, f.job.starts)
	assert.True(t, f.job.isActive())

	f.send(t, "D", "y")
	assert.Equal(t, 1, f.job.starts, "already running")

	mu.Lock()
	failing["D"] = false
	mu.Unlock()

	for i := 0; i < 5 && f.job.isActive(); i++ {
		st := f.stats(t)
		assert.Positive(t, st.Pending, "job active while pending")
		f.clock.Advance(base)
		_, err := f.outbox.Tick(ctx)
		require.NoError(t, err)
	}
	assert.False(t, f.job.isActive())
	assert.Equal(t, 0, f.stats(t).Pending)
	assert.Equal(t, []bool{true, false}, f.job.history)

	// Another failure restarts it.
	mu.Lock()
	failing["D"] = true
	mu.Unlock()
	f.send(t, "D", "z")
	assert.Equal(t, []bool{true, false, true}, f.job.history)
}

func TestOneInFlightPerDestination(t *testing.T) {
	f := newFixture(t, func(_, _ string, attempt int) bool { return attempt == 1 }, nil)
	ctx := context.Background()
	for _, d := range []string{"A", "B"} {
		for _, p := range []string{"1", "2", "3"} {
			f.send(t, d, d+p)
		}
	}

	block := make(chan struct{})
	f.setBlock(block)

	f.clock.Advance(base)
	done := make(chan TickResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, _ := f.outbox.Tick(ctx)
			done <- res
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(block)
	total := 0
	for i := 0; i < 2; i++ {
		total += (<-done).Dispatched
	}
	assert.Equal(t, 2, total, "one head per destination across concurrent ticks")

	f.setBlock(nil)
	f.drain(t, base)

	f.caller.mu.Lock()
	defer f.caller.mu.Unlock()
	assert.Equal(t, 1, f.caller.maxActive["A"])
	assert.Equal(t, 1, f.caller.maxActive["B"])
}

func TestBatchLimit(t *testing.T) {
	f := newFixture(t, func(_, _ string, attempt int) bool { return attempt == 1 }, func(o *Options) { o.BatchSize = 2 })
	ctx := context.Background()
	for _, d := range []string{"A", "B", "C"} {
		f.send(t, d, d)
	}
	f.clock.Advance(base)
	res, err := f.outbox.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	assert.True(t, res.Again)

	res, err = f.outbox.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.False(t, res.Again)
	assert.False(t, f.job.isActive())
}

func TestRestoreAfterRestart(t *testing.T) {
	f := newFixture(t, func(string, string, int) bool { return true }, nil)
	ctx := context.Background()
	f.send(t, "D", "1")
	f.send(t, "D", "2")

	caller := newFakeCaller(f.clock, nil)
	job := &recordingJob{}
	reopened, err := Open(Options{
		Actor:     "a1",
		DB:        f.db,
		Turns:     actor.NewExclusive(),
		Caller:    caller,
		Job:       job,
		Clock:     f.clock,
		BaseDelay: base,
	})
	require.NoError(t, err)
	assert.True(t, job.isActive(), "restored entries start the job")

	queued, err := reopened.Queued(ctx, "D")
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "1", string(queued[0].Payload))
	assert.Equal(t, 1, queued[0].Attempts)

	// New sends queue behind restored ones.
	require.NoError(t, reopened.Send(ctx, "D", "m", []byte("3")))
	reopened.Flush()
	f.clock.Advance(base)
	for i := 0; i < 3; i++ {
		_, err := reopened.Tick(ctx)
		require.NoError(t, err)
	}
	var got []string
	for _, c := range caller.snapshot() {
		got = append(got, c.payload)
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.False(t, job.isActive())
}

func TestSendDoesNotWaitForDelivery(t *testing.T) {
	f := newFixture(t, nil, nil)
	block := make(chan struct{})
	f.setBlock(block)

	sent := make(chan error, 1)
	go func() { sent <- f.outbox.Send(context.Background(), "user/u", "m", []byte("p")) }()
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Send waited on the destination")
	}

	require.Eventually(t, func() bool { return len(f.caller.snapshot()) == 1 }, 5*time.Second, time.Millisecond)
	st := f.stats(t)
	assert.Equal(t, 1, st.InFlight)
	assert.Zero(t, st.Delivered)

	// A second send to the busy destination queues behind the first.
	require.NoError(t, f.outbox.Send(context.Background(), "user/u", "m", []byte("q")))
	assert.True(t, f.job.isActive())

	close(block)
	f.outbox.Flush()
	st = f.stats(t)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Zero(t, st.InFlight)
	assert.Equal(t, 1, st.Pending)
}

func TestCloseCancelsInlineAttempt(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.setBlock(make(chan struct{}))
	require.NoError(t, f.outbox.Send(context.Background(), "D", "m", []byte("p")))
	require.Eventually(t, func() bool { return len(f.caller.snapshot()) == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, f.outbox.Close())
	queued, err := f.outbox.Queued(context.Background(), "D")
	require.NoError(t, err)
	require.Len(t, queued, 1, "a canceled attempt stays queued")
	assert.Equal(t, 1, queued[0].Attempts)

	// After Close, sends are stored but no longer attempted inline.
	f.setBlock(nil)
	require.NoError(t, f.outbox.Send(context.Background(), "E", "m", []byte("e")))
	f.outbox.Flush()
	assert.Len(t, f.caller.snapshot(), 1)
	assert.Equal(t, 2, f.stats(t).Pending)
}
