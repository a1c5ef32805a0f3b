package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
	stopped  atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

type tickers struct {
	created chan *fakeTicker
}

func newTickers() *tickers {
	return &tickers{created: make(chan *fakeTicker, 8)}
}

func (t *tickers) factory(d time.Duration) Ticker {
	tk := &fakeTicker{ch: make(chan time.Time), interval: d}
	t.created <- tk
	return tk
}

func (t *tickers) next(tb testing.TB) *fakeTicker {
	tb.Helper()
	select {
	case tk := <-t.created:
		return tk
	case <-time.After(2 * time.Second):
		tb.Fatal("ticker was not created")
		return nil
	}
}

func newScheduler(clock *fakeClock, tk *tickers) *Scheduler {
	return New(Config{
		Clock:      clock,
		NewTicker:  tk.factory,
		RunTimeout: time.Minute,
		MaxBackoff: time.Minute,
	}, nil)
}

func jobState(t *testing.T, s *Scheduler, id string) JobState {
	t.Helper()
	for _, j := range s.Jobs() {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %s not registered", id)
	return JobState{}
}

func waitIdle(t *testing.T, s *Scheduler, id string, runs int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := jobState(t, s, id)
		return !st.Running && st.Runs == runs
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegisterDisabledAndClamped(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tk := newTickers()
	s := newScheduler(clock, tk)

	var disabledRuns atomic.Int32
	require.NoError(t, s.Register("off", 0, func(context.Context) error {
		disabledRuns.Add(1)
		return nil
	}))
	require.NoError(t, s.Register("fast", 5, func(context.Context) error { return nil }))
	require.Error(t, s.Register("fast", 30, func(context.Context) error { return nil }))
	require.Error(t, s.Register("nil-task", 30, nil))

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Equal(t, 10*time.Second, tk.next(t).interval)
	waitIdle(t, s, "fast", 1)

	off := jobState(t, s, "off")
	assert.False(t, off.Enabled)
	assert.Zero(t, off.Interval)
	assert.Zero(t, disabledRuns.Load())
	assert.ErrorIs(t, s.Register("late", 30, func(context.Context) error { return nil }), ErrStarted)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tk := newTickers()
	s := newScheduler(clock, tk)

	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register("shopify", 60, func(ctx context.Context) error {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	ticker := tk.next(t)
	require.Eventually(t, func() bool { return jobState(t, s, "shopify").Running }, time.Second, 5*time.Millisecond)

	ticker.ch <- clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return jobState(t, s, "shopify").Skipped == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	waitIdle(t, s, "shopify", 1)
	assert.Equal(t, int32(1), runs.Load())

	ticker.ch <- clock.Advance(time.Minute)
	waitIdle(t, s, "shopify", 2)
	assert.Equal(t, int32(2), runs.Load())
}

func TestFailureBackoffAndReset(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tk := newTickers()
	s := New(Config{Clock: clock, NewTicker: tk.factory, RunTimeout: time.Minute, MaxBackoff: 10 * time.Minute}, nil)

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, s.Register("amazon", 10, func(context.Context) error {
		if fail.Load() {
			return errors.New("challenge detected")
		}
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	ticker := tk.next(t)
	waitIdle(t, s, "amazon", 1)
	st := jobState(t, s, "amazon")
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, time.Unix(20, 0), st.NextAllowed)
	assert.Equal(t, "challenge detected", st.LastError)

	// 10s: inside the 20s backoff window.
	ticker.ch <- clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return jobState(t, s, "amazon").Skipped == 1 }, time.Second, 5*time.Millisecond)

	// 20s: allowed, fails again; next window is 40s.
	ticker.ch <- clock.Advance(10 * time.Second)
	waitIdle(t, s, "amazon", 2)
	st = jobState(t, s, "amazon")
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, time.Unix(60, 0), st.NextAllowed)

	// 60s: allowed, third failure; the delay doubles again to 80s.
	ticker.ch <- clock.Advance(40 * time.Second)
	waitIdle(t, s, "amazon", 3)
	st = jobState(t, s, "amazon")
	assert.Equal(t, 3, st.Failures)
	assert.Equal(t, time.Unix(140, 0), st.NextAllowed)

	// 100s: still backing off.
	ticker.ch <- clock.Advance(40 * time.Second)
	require.Eventually(t, func() bool { return jobState(t, s, "amazon").Skipped == 2 }, time.Second, 5*time.Millisecond)

	// 140s: succeeds, which resets the count and the base interval.
	fail.Store(false)
	ticker.ch <- clock.Advance(40 * time.Second)
	waitIdle(t, s, "amazon", 4)
	st = jobState(t, s, "amazon")
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, time.Unix(150, 0), st.NextAllowed)
}

func TestPanicCountsAsFailure(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tk := newTickers()
	s := newScheduler(clock, tk)
	require.NoError(t, s.Register("boom", 30, func(context.Context) error { panic("bad payload") }))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	waitIdle(t, s, "boom", 1)
	st := jobState(t, s, "boom")
	assert.Equal(t, 1, st.Failures)
	assert.Contains(t, st.LastError, "bad payload")
}

func TestStopWaitsForInFlightRuns(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tk := newTickers()
	s := newScheduler(clock, tk)

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Register("shopify", 60, func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, finished.Load())
	assert.True(t, tk.next(t).stopped.Load())
}

func TestStopAbandonsAfterDeadline(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tk := newTickers()
	s := newScheduler(clock, tk)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	require.NoError(t, s.Register("amazon", 60, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		<-block
		return ctx.Err()
	}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	require.ErrorIs(t, err, ErrAbandoned)
	assert.Contains(t, err.Error(), "amazon")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("abandoned run was not cancelled")
	}
	assert.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
}

func TestRunTimeoutBoundsTask(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tk := newTickers()
	s := New(Config{Clock: clock, NewTicker: tk.factory, RunTimeout: 10 * time.Millisecond}, nil)
	require.NoError(t, s.Register("slow", 60, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	waitIdle(t, s, "slow", 1)
	assert.Contains(t, jobState(t, s, "slow").LastError, context.DeadlineExceeded.Error())
}

func TestEffectiveDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{10, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, effectiveDelay(time.Minute, tt.failures, 2, time.Hour))
	}
}
