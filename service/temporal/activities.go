package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"

	"github.com/brojonat/affsync/service/metrics"
	"github.com/brojonat/affsync/service/syncer"
)

// Application error types that the workflow retry policy never retries.
const (
	ErrTypeNoStartDate     = "NoStartDate"
	ErrTypeUnknownPlatform = "UnknownPlatform"
	ErrTypePageLimit       = "PageLimit"
)

// SyncPlatformInput starts a sync for one platform.
type SyncPlatformInput struct {
	Platform   string     `json:"platform"`
	Start      *time.Time `json:"start,omitempty"`
	Force      bool       `json:"force,omitempty"`
	AccountRef string     `json:"account_ref,omitempty"`
	UserRef    *string    `json:"user_ref,omitempty"`
}

// SyncPlatformActivityInput carries the workflow's notion of now so that
// replays compute the same fetch window.
type SyncPlatformActivityInput struct {
	SyncPlatformInput
	Now time.Time `json:"now"`
}

// OrchestratorInterface runs one sync cycle.
type OrchestratorInterface interface {
	SyncPlatform(ctx context.Context, platform string, now time.Time, opts syncer.SyncOptions) (*syncer.SyncResult, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	orchestrator OrchestratorInterface
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(orchestrator OrchestratorInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		orchestrator: orchestrator,
		metrics:      m,
		logger:       logger,
	}
}

// SyncPlatform runs the orchestrator for one platform.
//
// Quota exhaustion completes the activity with status quota_exhausted: the
// next scheduled run picks up after the daily rollover. Missing start dates,
// unknown platforms and page-limited runs fail without retry. Everything else
// is returned as is and retried per the workflow's retry policy.
func (a *Activities) SyncPlatform(ctx context.Context, input SyncPlatformActivityInput) (*syncer.SyncResult, error) {
	a.logger.InfoContext(ctx, "sync activity started",
		"platform", input.Platform,
		"now", input.Now,
		"force", input.Force,
	)

	res, err := a.orchestrator.SyncPlatform(ctx, input.Platform, input.Now, syncer.SyncOptions{
		Start:      input.Start,
		Force:      input.Force,
		AccountRef: input.AccountRef,
		UserRef:    input.UserRef,
	})

	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrQuotaExhausted):
		a.logger.WarnContext(ctx, "daily quota exhausted, deferring to next run",
			"platform", input.Platform,
			"pages", res.Pages,
		)
		err = nil
	case errors.Is(err, syncer.ErrNoStartDate):
		err = temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeNoStartDate, err)
	case errors.Is(err, syncer.ErrUnknownPlatform):
		err = temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeUnknownPlatform, err)
	case errors.Is(err, syncer.ErrPageLimit):
		// A retry would refetch the same pages and stop at the same limit.
		err = temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypePageLimit, err)
	default:
		err = fmt.Errorf("sync %s failed: %w", input.Platform, err)
	}

	if a.metrics != nil {
		a.metrics.RecordActivity("SyncPlatform", err)
	}
	return res, err
}
