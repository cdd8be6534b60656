package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/affsync/service/metrics"
)

// fakeClock advances instantly when slept on.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func newTestCoordinator(t *testing.T, cfg Config, clock Clock) *Coordinator {
	t.Helper()
	c, err := New(cfg, WithClock(clock), WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{MaxPerMinute: 0, MaxPerDay: 10})
	assert.Error(t, err)

	_, err = New(Config{MaxPerMinute: 10, MaxPerDay: 0})
	assert.Error(t, err)

	c, err := New(Config{MaxPerMinute: 10, MaxPerDay: 100})
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, c.cfg.Window)
	assert.Equal(t, DefaultEpsilon, c.cfg.Epsilon)
	assert.Equal(t, time.Local, c.cfg.Location)
}

func TestAcquire_WithinWindowDoesNotWait(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newTestCoordinator(t, Config{MaxPerMinute: 5, MaxPerDay: 100, Location: time.UTC}, clock)

	for i := 0; i < 5; i++ {
		ok, err := c.Acquire(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	}

	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, 5, c.Stats().Window)
}

func TestAcquire_WaitsForOldestToAgeOut(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	c := newTestCoordinator(t, Config{MaxPerMinute: 2, MaxPerDay: 100, Location: time.UTC, Epsilon: 10 * time.Millisecond}, clock)

	ok, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(20 * time.Second)
	ok, err = c.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Window is full; the third call must wait until the first entry is 60s old.
	ok, err = c.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 1)
	assert.Equal(t, 40*time.Second+10*time.Millisecond, sleeps[0])
	assert.Equal(t, start.Add(60*time.Second+10*time.Millisecond), clock.Now())
}

// No trailing 60s interval may contain more than MaxPerMinute grants.
func TestAcquire_SlidingWindowBound(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	const max = 5
	c := newTestCoordinator(t, Config{MaxPerMinute: max, MaxPerDay: 1000, Location: time.UTC}, clock)

	var grants []time.Time
	for i := 0; i < 37; i++ {
		if i%4 == 0 {
			clock.Advance(time.Duration(i) * time.Second)
		}
		ok, err := c.Acquire(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		grants = append(grants, clock.Now())
	}

	for i := range grants {
		count := 0
		for j := i; j < len(grants) && grants[j].Sub(grants[i]) < DefaultWindow; j++ {
			count++
		}
		assert.LessOrEqual(t, count, max, "window starting at grant %d", i)
	}
}

func TestAcquire_DailyCapIsHardStop(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newTestCoordinator(t, Config{MaxPerMinute: 100, MaxPerDay: 3, Location: time.UTC}, clock)

	for i := 0; i < 3; i++ {
		ok, err := c.Acquire(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	}

	before := clock.Now()
	ok, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, clock.Now(), "must not block once the daily cap is reached")
	assert.Empty(t, clock.Sleeps())

	// Still refused later the same day.
	clock.Advance(5 * time.Hour)
	ok, err = c.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquire_DailyRolloverUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*60*60)
	// 15:30 UTC is 23:30 in UTC+8.
	clock := newFakeClock(time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC))
	c := newTestCoordinator(t, Config{MaxPerMinute: 100, MaxPerDay: 1, Location: loc}, clock)

	ok, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, "2024-03-01", c.Stats().Day)

	// Local midnight passes at 16:00 UTC.
	clock.Advance(31 * time.Minute)
	ok, err = c.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, "2024-03-02", stats.Day)
	assert.Equal(t, 1, stats.Daily)
}

func TestAcquire_CancelledWhileWaiting(t *testing.T) {
	c, err := New(Config{MaxPerMinute: 1, MaxPerDay: 10, Location: time.UTC})
	require.NoError(t, err)

	ok, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err = c.Acquire(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, c.Stats().Daily)
}

func TestAcquire_CancelledBeforeCall(t *testing.T) {
	clock := newFakeClock(time.Now())
	c := newTestCoordinator(t, Config{MaxPerMinute: 1, MaxPerDay: 10}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := c.Acquire(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Stats().Daily)
}

func TestAcquire_Concurrent(t *testing.T) {
	c, err := New(Config{MaxPerMinute: 2, MaxPerDay: 100, Window: 100 * time.Millisecond, Epsilon: time.Millisecond})
	require.NoError(t, err)

	const callers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	var grants []time.Time

	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Acquire(context.Background())
			assert.NoError(t, err)
			assert.True(t, ok)
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, grants, callers)
	assert.Equal(t, callers, c.Stats().Daily)
	// Six grants at two per window need at least two full windows.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
