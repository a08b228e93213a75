package emit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/mend/internal/heal"
)

// LogSink writes events to the structured log. The default sink when no
// NATS address is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, event heal.Event) error {
	s.logger.Info("event",
		"event_id", event.ID,
		"event_type", event.Type,
		"case_id", event.CaseID,
		"repository", event.Repository,
		"run_id", event.RunID,
		"head_sha", event.HeadSHA,
		"state", event.State,
		"attempt", event.Attempt,
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// MemorySink records events for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []heal.Event
	closed bool
}

// NewMemorySink creates an empty recording sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish implements Sink.
func (s *MemorySink) Publish(_ context.Context, event heal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []heal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]heal.Event(nil), s.events...)
}

// Types returns the event types in publish order.
func (s *MemorySink) Types() []heal.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]heal.EventType, len(s.events))
	for i, e := range s.events {
		types[i] = e.Type
	}
	return types
}

// Closed reports whether Close was called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
