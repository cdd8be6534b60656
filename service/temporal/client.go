package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client is the production Scheduler and SyncStarter backed by Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// CreatePlatformSchedule creates a schedule that syncs a platform every interval.
func (c *Client) CreatePlatformSchedule(ctx context.Context, platform string, interval time.Duration) error {
	id := scheduleID(platform)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			ID:        scheduledWorkflowID(platform),
			Workflow:  WorkflowName,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{SyncPlatformInput{Platform: platform}},
		},
		Memo: map[string]interface{}{
			"platform":   platform,
			"created_by": "affsync",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"platform", platform,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("platform schedule created",
		"platform", platform,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// UpsertPlatformSchedule creates the schedule or updates its interval.
func (c *Client) UpsertPlatformSchedule(ctx context.Context, platform string, interval time.Duration) error {
	id := scheduleID(platform)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.CreatePlatformSchedule(ctx, platform, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"platform", platform,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("platform schedule updated",
		"platform", platform,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeletePlatformSchedule deletes a platform's schedule.
func (c *Client) DeletePlatformSchedule(ctx context.Context, platform string) error {
	id := scheduleID(platform)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"platform", platform,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("platform schedule deleted", "platform", platform, "schedule_id", id)
	return nil
}

// ListPlatformSchedules returns the platforms that have a sync schedule.
func (c *Client) ListPlatformSchedules(ctx context.Context) ([]string, error) {
	iter, err := c.client.ScheduleClient().List(ctx, client.ScheduleListOptions{PageSize: 100})
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	var platforms []string
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate schedules: %w", err)
		}
		if p, ok := platformFromScheduleID(entry.ID); ok {
			platforms = append(platforms, p)
		}
	}
	return platforms, nil
}

// StartSync starts SyncPlatformWorkflow outside the schedule and returns the
// workflow ID without waiting for it to finish.
func (c *Client) StartSync(ctx context.Context, input SyncPlatformInput) (string, error) {
	id := fmt.Sprintf("%s-manual-%s", scheduledWorkflowID(input.Platform), uuid.New().String())

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, WorkflowName, input)
	if err != nil {
		return "", fmt.Errorf("failed to start sync workflow: %w", err)
	}

	c.logger.InfoContext(ctx, "sync workflow started",
		"platform", input.Platform,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
