// Package ratelimit paces calls to capacity-constrained upstream APIs.
//
// A single Coordinator is shared by every adapter in the process. It enforces
// two independent limits: a sliding per-minute window, which callers wait out,
// and a daily cap keyed by local calendar date, which is a hard stop.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/affsync/service/metrics"
)

const (
	DefaultWindow  = 60 * time.Second
	DefaultEpsilon = 50 * time.Millisecond
)

// Config bounds the upstream call rate.
type Config struct {
	MaxPerMinute int
	MaxPerDay    int

	// Location decides when the daily counter rolls over. Defaults to time.Local.
	Location *time.Location

	// Window is the length of the sliding window. Defaults to DefaultWindow.
	Window time.Duration

	// Epsilon is added to computed waits so the oldest entry has aged out
	// when the caller wakes. Defaults to DefaultEpsilon.
	Epsilon time.Duration
}

// Clock abstracts time so tests can drive the coordinator synthetically.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats is a point-in-time view of the coordinator's counters.
type Stats struct {
	Window       int    `json:"window"`
	MaxPerMinute int    `json:"max_per_minute"`
	Daily        int    `json:"daily"`
	MaxPerDay    int    `json:"max_per_day"`
	Day          string `json:"day"`
}

// Coordinator gates upstream calls. It is safe for concurrent use.
type Coordinator struct {
	cfg     Config
	clock   Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	window []time.Time
	day    string
	daily  int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithMetrics enables quota metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.logger = l
		}
	}
}

// New creates a Coordinator. Both caps must be positive.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.MaxPerMinute <= 0 {
		return nil, fmt.Errorf("max per minute must be positive, got %d", cfg.MaxPerMinute)
	}
	if cfg.MaxPerDay <= 0 {
		return nil, fmt.Errorf("max per day must be positive, got %d", cfg.MaxPerDay)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}

	c := &Coordinator{
		cfg:    cfg,
		clock:  systemClock{},
		logger: slog.Default(),
		window: make([]time.Time, 0, cfg.MaxPerMinute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Acquire blocks until the per-minute window has room and then records one
// request. It returns false without blocking when today's cap is spent; the
// caller must stop issuing requests for the rest of the day. The only error
// is context cancellation while waiting.
func (c *Coordinator) Acquire(ctx context.Context) (bool, error) {
	start := c.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			c.record("cancelled", start)
			return false, err
		}

		granted, wait := c.tryAcquire()
		if granted {
			c.record("granted", start)
			return true, nil
		}
		if wait == 0 {
			c.logger.WarnContext(ctx, "daily upstream quota exhausted",
				"max_per_day", c.cfg.MaxPerDay,
			)
			c.record("daily_exhausted", start)
			return false, nil
		}

		c.logger.DebugContext(ctx, "upstream window full, waiting",
			"wait", wait,
			"max_per_minute", c.cfg.MaxPerMinute,
		)
		if err := c.clock.Sleep(ctx, wait); err != nil {
			c.record("cancelled", start)
			return false, err
		}
	}
}

// tryAcquire makes one attempt under the lock. A zero wait with granted false
// means the daily cap is reached.
func (c *Coordinator) tryAcquire() (granted bool, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.rollover(now)

	if c.daily >= c.cfg.MaxPerDay {
		return false, 0
	}

	c.prune(now)

	if len(c.window) >= c.cfg.MaxPerMinute {
		wait = c.window[0].Add(c.cfg.Window).Sub(now) + c.cfg.Epsilon
		if wait <= 0 {
			wait = c.cfg.Epsilon
		}
		return false, wait
	}

	c.window = append(c.window, now)
	c.daily++
	if c.metrics != nil {
		c.metrics.RecordQuotaUsage(len(c.window), c.daily)
	}
	return true, 0
}

// rollover resets the daily counter when the local date changes.
func (c *Coordinator) rollover(now time.Time) {
	day := now.In(c.cfg.Location).Format(time.DateOnly)
	if day != c.day {
		if c.day != "" {
			c.logger.Info("upstream daily quota reset", "previous_day", c.day, "used", c.daily, "day", day)
		}
		c.day = day
		c.daily = 0
	}
}

// prune drops timestamps that have left the trailing window.
func (c *Coordinator) prune(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for i < len(c.window) && !c.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

// Stats returns the current counters after applying rollover and pruning.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.rollover(now)
	c.prune(now)

	return Stats{
		Window:       len(c.window),
		MaxPerMinute: c.cfg.MaxPerMinute,
		Daily:        c.daily,
		MaxPerDay:    c.cfg.MaxPerDay,
		Day:          c.day,
	}
}

func (c *Coordinator) record(result string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordAcquire(result, c.clock.Now().Sub(start).Seconds())
	}
}
