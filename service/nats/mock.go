package nats

import (
	"context"
	"sync"

	"github.com/brojonat/affsync/service/reconcile"
)

// MockPublisher is an in-memory Publisher for tests and runs without NATS.
type MockPublisher struct {
	mu           sync.RWMutex
	events       []*LedgerEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishEvent records the event and returns any configured error.
func (m *MockPublisher) PublishEvent(ctx context.Context, event *LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.events = append(m.events, event)
	return nil
}

// PublishChanges records one event per change.
func (m *MockPublisher) PublishChanges(ctx context.Context, runID string, changes []reconcile.Change) error {
	for _, c := range changes {
		if err := m.PublishEvent(ctx, FromChange(runID, c)); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of everything published so far.
func (m *MockPublisher) Events() []*LedgerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*LedgerEvent, len(m.events))
	copy(out, m.events)
	return out
}

// EventsForPlatform returns events published for one platform.
func (m *MockPublisher) EventsForPlatform(platform string) []*LedgerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LedgerEvent
	for _, e := range m.events {
		if e.Platform == platform {
			out = append(out, e)
		}
	}
	return out
}

// SetPublishError makes every subsequent publish fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed reports whether Close was called.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
