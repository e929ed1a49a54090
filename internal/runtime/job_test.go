package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/steward/internal/clock"
)

func TestJobTicksOnInterval(t *testing.T) {
	clk := clock.Fake(t0)
	var n atomic.Int32
	j := NewJob("test", func(context.Context) (Next, error) {
		n.Add(1)
		return Next{}, nil
	}, time.Second, 0, clk, nil)
	j.Start()
	defer j.Close()

	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, j.Active())
}

func TestJobKickAndStop(t *testing.T) {
	clk := clock.Fake(t0)
	var n atomic.Int32
	j := NewJob("test", func(context.Context) (Next, error) {
		n.Add(1)
		return Next{}, nil
	}, time.Hour, 0, clk, nil)
	j.Start()
	j.Start()
	j.Kick()
	require.Eventually(t, func() bool { return j.Ticks() == 1 }, time.Second, time.Millisecond)

	j.Stop()
	j.Stop()
	assert.False(t, j.Active())
	j.Close()

	j.Start()
	j.Kick()
	require.Eventually(t, func() bool { return j.Ticks() == 2 }, time.Second, time.Millisecond)
	j.Close()
	assert.Equal(t, int32(2), n.Load())
}

func TestJobUsesBusyIntervalWhileAgain(t *testing.T) {
	clk := clock.Fake(t0)
	var n atomic.Int32
	j := NewJob("test", func(context.Context) (Next, error) {
		return Next{Again: n.Add(1) < 3}, nil
	}, time.Minute, time.Second, clk, nil)
	j.Start()
	defer j.Close()

	j.Kick()
	require.Eventually(t, func() bool { return j.Ticks() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return j.Ticks() == 2 }, time.Second, time.Millisecond)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return j.Ticks() == 3 }, time.Second, time.Millisecond)

	clk.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(3), j.Ticks(), "back to the idle interval")
}

func TestJobWakesAtDueTime(t *testing.T) {
	clk := clock.Fake(t0)
	var n atomic.Int32
	j := NewJob("test", func(context.Context) (Next, error) {
		if n.Add(1) == 1 {
			return Next{Due: clk.Now().Add(3 * time.Second)}, nil
		}
		return Next{}, nil
	}, time.Minute, time.Second, clk, nil)
	j.Start()
	defer j.Close()

	j.Kick()
	require.Eventually(t, func() bool { return j.Ticks() == 1 }, time.Second, time.Millisecond)
	clk.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return j.Ticks() == 2 }, time.Second, time.Millisecond,
		"the pass after a due time must not wait for the idle interval")
}

func TestJobIntervalClamp(t *testing.T) {
	clk := clock.Fake(t0)
	j := NewJob("test", nil, time.Minute, time.Second, clk, nil)
	assert.Equal(t, time.Second, j.interval(Next{Again: true}))
	assert.Equal(t, time.Minute, j.interval(Next{}))
	assert.Equal(t, time.Second, j.interval(Next{Due: t0.Add(-time.Hour)}), "overdue work uses the busy interval")
	assert.Equal(t, 5*time.Second, j.interval(Next{Due: t0.Add(5 * time.Second)}))
	assert.Equal(t, time.Minute, j.interval(Next{Due: t0.Add(time.Hour)}))
}
