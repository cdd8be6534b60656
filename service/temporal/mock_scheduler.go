package temporal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockScheduler is an in-memory Scheduler and SyncStarter for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Duration // map[scheduleID]interval
	started   []SyncPlatformInput
	createErr error
	deleteErr error
	startErr  error
	listErr   error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]time.Duration),
	}
}

// UpsertPlatformSchedule creates or updates a schedule.
func (m *MockScheduler) UpsertPlatformSchedule(ctx context.Context, platform string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	m.schedules[scheduleID(platform)] = interval
	return nil
}

// DeletePlatformSchedule records that a schedule was deleted.
func (m *MockScheduler) DeletePlatformSchedule(ctx context.Context, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	id := scheduleID(platform)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// ListPlatformSchedules returns the scheduled platforms in sorted order.
func (m *MockScheduler) ListPlatformSchedules(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	var platforms []string
	for id := range m.schedules {
		if p, ok := platformFromScheduleID(id); ok {
			platforms = append(platforms, p)
		}
	}
	sort.Strings(platforms)
	return platforms, nil
}

// StartSync records the trigger and returns a deterministic workflow ID.
func (m *MockScheduler) StartSync(ctx context.Context, input SyncPlatformInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}
	m.started = append(m.started, input)
	return fmt.Sprintf("%s-manual-%d", scheduledWorkflowID(input.Platform), len(m.started)), nil
}

// SetCreateError makes UpsertPlatformSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError makes DeletePlatformSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// SetStartError makes StartSync return an error.
func (m *MockScheduler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetListError makes ListPlatformSchedules return an error.
func (m *MockScheduler) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// GetScheduleInterval returns the interval for a platform's schedule.
func (m *MockScheduler) GetScheduleInterval(platform string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, exists := m.schedules[scheduleID(platform)]
	return interval, exists
}

// Started returns every StartSync input in call order.
func (m *MockScheduler) Started() []SyncPlatformInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SyncPlatformInput, len(m.started))
	copy(out, m.started)
	return out
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}
