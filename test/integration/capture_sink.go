package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/adoption/model"
)

// errSinkDown is returned by a failing CaptureSink.
var errSinkDown = errors.New("capture sink unavailable")

// CaptureSink is a notification sink that records every delivered event so
// tests can assert on what the workflow published.
type CaptureSink struct {
	mu       sync.Mutex
	events   []model.NotificationEvent
	attempts int
	failing  bool
}

// NewCaptureSink creates an empty capture sink.
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

// Name implements notify.Sink.
func (s *CaptureSink) Name() string { return "capture" }

// Deliver implements notify.Sink.
func (s *CaptureSink) Deliver(_ context.Context, ev model.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failing {
		return errSinkDown
	}
	s.events = append(s.events, ev)
	return nil
}

// SetFailing switches the sink between failing and accepting deliveries.
func (s *CaptureSink) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// Attempts returns how many deliveries reached the sink, failed or not.
func (s *CaptureSink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Events returns a snapshot of the delivered events.
func (s *CaptureSink) Events() []model.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NotificationEvent(nil), s.events...)
}

// Find returns the first delivered event of kind for entityID.
func (s *CaptureSink) Find(kind model.NotificationKind, entityID string) (model.NotificationEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Kind == kind && ev.EntityID == entityID {
			return ev, true
		}
	}
	return model.NotificationEvent{}, false
}

// WaitFor blocks until an event of kind for entityID is delivered. Delivery
// is asynchronous, so tests poll rather than read the slice directly.
func (s *CaptureSink) WaitFor(t *testing.T, kind model.NotificationKind, entityID string) model.NotificationEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := s.Find(kind, entityID); ok {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s event for %s delivered; got %d events", kind, entityID, len(s.Events()))
	return model.NotificationEvent{}
}

// WaitForAttempts blocks until at least n deliveries reached the sink.
func (s *CaptureSink) WaitForAttempts(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Attempts() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sink saw %d delivery attempts, want at least %d", s.Attempts(), n)
}
