package temporal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scheduler manages the per-platform Temporal schedules that start
// SyncPlatformWorkflow.
type Scheduler interface {
	// UpsertPlatformSchedule creates the schedule or updates its interval.
	UpsertPlatformSchedule(ctx context.Context, platform string, interval time.Duration) error

	// DeletePlatformSchedule stops scheduled syncs for a platform.
	DeletePlatformSchedule(ctx context.Context, platform string) error

	// ListPlatformSchedules returns the platforms that currently have a schedule.
	ListPlatformSchedules(ctx context.Context) ([]string, error)
}

// SyncStarter starts an on-demand sync and returns its workflow ID.
type SyncStarter interface {
	StartSync(ctx context.Context, input SyncPlatformInput) (string, error)
}

const scheduleIDPrefix = "sync-platform-"

// scheduleID returns the Temporal schedule ID for a platform.
func scheduleID(platform string) string {
	return scheduleIDPrefix + platform
}

// platformFromScheduleID reverses scheduleID.
func platformFromScheduleID(id string) (string, bool) {
	if !strings.HasPrefix(id, scheduleIDPrefix) {
		return "", false
	}
	return strings.TrimPrefix(id, scheduleIDPrefix), true
}

// scheduledWorkflowID is the workflow ID prefix used by a platform's schedule.
func scheduledWorkflowID(platform string) string {
	return "sync-" + platform
}

// ScheduleReport describes how existing schedules differ from the configured
// platforms.
type ScheduleReport struct {
	Missing  []string `json:"missing"`
	Orphaned []string `json:"orphaned"`
	Present  []string `json:"present"`
	Fixed    bool     `json:"fixed"`
}

// ReconcileSchedules compares existing schedules with desired (platform to
// interval). With fix set, missing schedules are created and orphaned ones
// deleted. Every configured platform is upserted on fix so interval changes
// in the definitions take effect.
func ReconcileSchedules(ctx context.Context, s Scheduler, desired map[string]time.Duration, fix bool) (*ScheduleReport, error) {
	existing, err := s.ListPlatformSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[p] = true
	}

	report := &ScheduleReport{Missing: []string{}, Orphaned: []string{}, Present: []string{}}
	for p := range desired {
		if have[p] {
			report.Present = append(report.Present, p)
		} else {
			report.Missing = append(report.Missing, p)
		}
	}
	for _, p := range existing {
		if _, ok := desired[p]; !ok {
			report.Orphaned = append(report.Orphaned, p)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Orphaned)
	sort.Strings(report.Present)

	if !fix {
		return report, nil
	}

	var errs []error
	for p, interval := range desired {
		if err := s.UpsertPlatformSchedule(ctx, p, interval); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	for _, p := range report.Orphaned {
		if err := s.DeletePlatformSchedule(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	report.Fixed = len(errs) == 0
	return report, errors.Join(errs...)
}
