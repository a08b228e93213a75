// Package emit publishes typed lifecycle events to an external sink.
//
// Delivery is at-least-once and best-effort: the emitter never blocks the
// engine, and sink failures are logged, counted, and otherwise ignored.
package emit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/mend/internal/heal"
)

// Sink receives published events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, event heal.Event) error
	Close() error
}

// DefaultBuffer is the emitter's queue depth between the engine and the
// sink goroutine.
const DefaultBuffer = 256

// Emitter decouples the engine from sink latency. Events are queued on a
// bounded channel and delivered by a single background goroutine; when the
// queue is full the event is dropped and counted, never blocking a worker.
type Emitter struct {
	sink   Sink
	logger *slog.Logger

	queue   chan heal.Event
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped int64
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithBuffer overrides the queue depth.
func WithBuffer(n int) Option {
	return func(e *Emitter) {
		e.queue = make(chan heal.Event, n)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// New creates an emitter and starts its delivery goroutine.
func New(sink Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sink:   sink,
		logger: slog.Default(),
		queue:  make(chan heal.Event, DefaultBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Emit queues an event for delivery. Never blocks; a full queue drops the
// event. Emitting on a closed emitter is a silent no-op.
func (e *Emitter) Emit(event heal.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- event:
	default:
		e.dropped++
		e.logger.Warn("event dropped, emitter queue full",
			"event_type", event.Type, "case_id", event.CaseID)
	}
}

// Dropped returns the count of events lost to a full queue.
func (e *Emitter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close drains queued events, closes the sink, and returns. Safe to call
// more than once.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
	return e.sink.Close()
}

func (e *Emitter) run() {
	defer close(e.done)
	for event := range e.queue {
		if err := e.sink.Publish(context.Background(), event); err != nil {
			e.logger.Warn("event publish failed",
				"event_type", event.Type, "case_id", event.CaseID, "error", err)
		}
	}
}
