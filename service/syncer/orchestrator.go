// Package syncer runs one sync cycle for a platform: it derives the fetch
// window from the ledger watermark, pages through the platform adapter and
// commits each page as its own batch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brojonat/affsync/service/metrics"
	"github.com/brojonat/affsync/service/platform"
	"github.com/brojonat/affsync/service/reconcile"
)

var (
	// ErrQuotaExhausted means the daily upstream cap stopped the cycle.
	ErrQuotaExhausted = errors.New("upstream quota exhausted")

	// ErrAdapterFailed wraps upstream fetch failures.
	ErrAdapterFailed = errors.New("platform adapter failed")

	// ErrNoStartDate is returned when a platform has no ledger rows and no
	// explicit start was given.
	ErrNoStartDate = errors.New("no watermark and no start date")

	// ErrUnknownPlatform is returned for platforms missing from the registry.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrPageLimit means MaxPages was reached while the adapter still
	// reported more pages. Committed pages stay committed.
	ErrPageLimit = errors.New("page limit reached with pages remaining")
)

// Status is the terminal state of a sync cycle.
type Status string

const (
	StatusSucceeded      Status = "succeeded"
	StatusQuotaExhausted Status = "quota_exhausted"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusTruncated      Status = "truncated"
)

const (
	DefaultSafetyMargin = 24 * time.Hour
	DefaultMaxPages     = 200
)

// StoreInterface is the read side the orchestrator needs.
type StoreInterface interface {
	LatestTransactionTime(ctx context.Context, platform string) (*time.Time, error)
}

// EngineInterface writes one page of records.
type EngineInterface interface {
	BatchUpsert(ctx context.Context, records []reconcile.RawTransactionInput, platform, accountRef string, userRef *string) (*reconcile.BatchResult, error)
}

// PublisherInterface receives committed changes.
type PublisherInterface interface {
	PublishChanges(ctx context.Context, runID string, changes []reconcile.Change) error
}

// AdapterSource resolves platform names to adapters.
type AdapterSource interface {
	Get(name string) (platform.Adapter, bool)
	AccountRef(name string) string
}

// Config tunes the window and page guard.
type Config struct {
	SafetyMargin time.Duration
	MaxPages     int
}

// SyncOptions are per-run overrides.
type SyncOptions struct {
	// Start is used when the platform has no ledger rows, or always when
	// Force is set.
	Start *time.Time
	Force bool

	// AccountRef overrides the registry's account reference.
	AccountRef string
	UserRef    *string
}

// SyncResult summarizes a cycle. Counts include every committed page, also
// when the cycle ends early.
type SyncResult struct {
	RunID    string    `json:"run_id"`
	Platform string    `json:"platform"`
	Status   Status    `json:"status"`
	Begin    time.Time `json:"begin"`
	End      time.Time `json:"end"`
	Pages    int       `json:"pages"`

	Saved         int `json:"saved"`
	Updated       int `json:"updated"`
	Rejected      int `json:"rejected"`
	Malformed     int `json:"malformed"`
	Failed        int `json:"failed"`
	Total         int `json:"total"`
	TimeFallbacks int `json:"time_fallbacks"`

	Error string `json:"error,omitempty"`
}

func (r *SyncResult) add(b *reconcile.BatchResult) {
	r.Saved += b.Saved
	r.Updated += b.Updated
	r.Rejected += b.Rejected
	r.Malformed += b.Malformed
	r.Failed += b.Failed
	r.Total += b.Total
	r.TimeFallbacks += b.TimeFallbacks
}

// Orchestrator runs sync cycles. It is safe for concurrent use; concurrent
// cycles for the same platform converge through the engine's merge rules.
type Orchestrator struct {
	store     StoreInterface
	engine    EngineInterface
	adapters  AdapterSource
	publisher PublisherInterface
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. publisher may be nil.
func NewOrchestrator(
	store StoreInterface,
	engine EngineInterface,
	adapters AdapterSource,
	publisher PublisherInterface,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	return &Orchestrator{
		store:     store,
		engine:    engine,
		adapters:  adapters,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// Window returns the fetch window for a platform.
func (o *Orchestrator) Window(ctx context.Context, platformName string, now time.Time, opts SyncOptions) (time.Time, time.Time, error) {
	end := now.UTC()
	if opts.Force && opts.Start != nil {
		return opts.Start.UTC(), end, nil
	}

	latest, err := o.store.LatestTransactionTime(ctx, platformName)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	if latest != nil {
		return latest.Add(-o.cfg.SafetyMargin).UTC(), end, nil
	}
	if opts.Start != nil {
		return opts.Start.UTC(), end, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("platform %s: %w", platformName, ErrNoStartDate)
}

// SyncPlatform runs one cycle. The returned result is non-nil whenever the
// platform was resolved, including on error, so callers can report partial
// progress.
func (o *Orchestrator) SyncPlatform(ctx context.Context, platformName string, now time.Time, opts SyncOptions) (*SyncResult, error) {
	adapter, ok := o.adapters.Get(platformName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platformName)
	}

	accountRef := opts.AccountRef
	if accountRef == "" {
		accountRef = o.adapters.AccountRef(platformName)
	}

	res := &SyncResult{
		RunID:    uuid.New().String(),
		Platform: platformName,
	}
	start := time.Now()
	logger := o.logger.With("platform", platformName, "run_id", res.RunID)

	err := o.run(ctx, adapter, accountRef, now, opts, res, logger)
	res.Status = statusFor(err)
	if err != nil {
		res.Error = err.Error()
	}

	if o.metrics != nil {
		o.metrics.RecordSync(platformName, string(res.Status), time.Since(start).Seconds())
	}

	attrs := []any{
		"status", res.Status,
		"pages", res.Pages,
		"total", res.Total,
		"saved", res.Saved,
		"updated", res.Updated,
		"rejected", res.Rejected,
		"malformed", res.Malformed,
		"failed", res.Failed,
		"duration", time.Since(start),
	}
	switch res.Status {
	case StatusSucceeded:
		logger.InfoContext(ctx, "sync completed", attrs...)
	case StatusQuotaExhausted, StatusCancelled, StatusTruncated:
		logger.WarnContext(ctx, "sync stopped early", append(attrs, "error", err)...)
	default:
		logger.ErrorContext(ctx, "sync failed", append(attrs, "error", err)...)
	}

	return res, err
}

func (o *Orchestrator) run(
	ctx context.Context,
	adapter platform.Adapter,
	accountRef string,
	now time.Time,
	opts SyncOptions,
	res *SyncResult,
	logger *slog.Logger,
) error {
	begin, end, err := o.Window(ctx, res.Platform, now, opts)
	if err != nil {
		return err
	}
	res.Begin, res.End = begin, end

	logger.InfoContext(ctx, "sync started", "begin", begin, "end", end)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if page > o.cfg.MaxPages {
			return fmt.Errorf("%w: stopped after %d pages", ErrPageLimit, o.cfg.MaxPages)
		}

		fetched := adapter.FetchTransactions(ctx, begin, end, page)
		o.recordPage(res.Platform, fetched)

		switch fetched.Outcome {
		case platform.OutcomeEmpty:
			return nil

		case platform.OutcomeFailed:
			if fetched.Failure == platform.FailureQuotaExhausted {
				return fmt.Errorf("page %d: %w", page, ErrQuotaExhausted)
			}
			// A cancelled context while waiting on the limiter is a
			// cancellation, not an upstream fault.
			if ctx.Err() != nil && errors.Is(fetched.Err, ctx.Err()) {
				return ctx.Err()
			}
			return fmt.Errorf("page %d: %w: %w", page, ErrAdapterFailed, fetched.Err)
		}

		batch, err := o.engine.BatchUpsert(ctx, fetched.Records, res.Platform, accountRef, opts.UserRef)
		if err != nil {
			return fmt.Errorf("failed to commit page %d: %w", page, err)
		}
		res.Pages++
		res.add(batch)
		o.publish(ctx, res.RunID, batch.Changes, logger)

		if !fetched.HasMore {
			return nil
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, runID string, changes []reconcile.Change, logger *slog.Logger) {
	if o.publisher == nil || len(changes) == 0 {
		return
	}
	if err := o.publisher.PublishChanges(ctx, runID, changes); err != nil {
		logger.WarnContext(ctx, "failed to publish ledger changes", "count", len(changes), "error", err)
	}
}

func (o *Orchestrator) recordPage(platformName string, r platform.FetchResult) {
	if o.metrics == nil {
		return
	}
	outcome := r.Outcome.String()
	if r.Outcome == platform.OutcomeFailed {
		outcome = string(r.Failure)
	}
	o.metrics.RecordPage(platformName, outcome)
}

func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusSucceeded
	case errors.Is(err, ErrQuotaExhausted):
		return StatusQuotaExhausted
	case errors.Is(err, ErrPageLimit):
		return StatusTruncated
	case errors.Is(err, ErrAdapterFailed):
		return StatusFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCancelled
	default:
		return StatusFailed
	}
}
