package temporal

import (
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brojonat/affsync/service/syncer"
)

// WorkflowName is the registered name of SyncPlatformWorkflow.
const WorkflowName = "SyncPlatformWorkflow"

var a *Activities // for type-safe activity invocation

// SyncPlatformWorkflow runs one sync cycle for a platform. Schedules start it
// on the platform's interval; manual triggers start it on demand.
//
// The fetch window ends at workflow time. Upstream failures are retried by
// the activity retry policy; a retried attempt re-reads the watermark so
// pages committed before the failure are not fetched from scratch.
func SyncPlatformWorkflow(ctx workflow.Context, input SyncPlatformInput) (*syncer.SyncResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SyncPlatformWorkflow started", "platform", input.Platform)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		// One cycle may wait on the upstream quota for every page.
		StartToCloseTimeout: 2 * time.Hour,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        30 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        10 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeNoStartDate, ErrTypeUnknownPlatform, ErrTypePageLimit},
		},
	})

	var result *syncer.SyncResult
	err := workflow.ExecuteActivity(ctx, a.SyncPlatform, SyncPlatformActivityInput{
		SyncPlatformInput: input,
		Now:               workflow.Now(ctx),
	}).Get(ctx, &result)
	if err != nil {
		logger.Error("SyncPlatformWorkflow failed", "platform", input.Platform, "error", err)
		return result, err
	}

	logger.Info("SyncPlatformWorkflow completed",
		"platform", input.Platform,
		"status", result.Status,
		"pages", result.Pages,
		"saved", result.Saved,
		"updated", result.Updated,
	)
	return result, nil
}
