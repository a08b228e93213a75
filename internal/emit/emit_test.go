package emit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/logging"
)

func event(id string, typ heal.EventType) heal.Event {
	return heal.Event{
		ID:        id,
		Type:      typ,
		CaseID:    "case-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEmitDeliversInOrder(t *testing.T) {
	sink := NewMemorySink()
	emitter := New(sink, WithLogger(logging.Discard()))

	emitter.Emit(event("1", heal.EventStateNew))
	emitter.Emit(event("2", heal.EventStateDiagnose))
	emitter.Emit(event("3", heal.EventStateDone))
	require.NoError(t, emitter.Close())

	assert.Equal(t, []heal.EventType{
		heal.EventStateNew,
		heal.EventStateDiagnose,
		heal.EventStateDone,
	}, sink.Types())
	assert.True(t, sink.Closed())
	assert.Zero(t, emitter.Dropped())
}

// failingSink fails every publish. The emitter must swallow the failures.
type failingSink struct{}

func (failingSink) Publish(context.Context, heal.Event) error {
	return errors.New("sink down")
}
func (failingSink) Close() error { return nil }

func TestSinkFailureDoesNotPropagate(t *testing.T) {
	emitter := New(failingSink{}, WithLogger(logging.Discard()))

	emitter.Emit(event("1", heal.EventStateNew))
	require.NoError(t, emitter.Close())
}

// blockingSink holds every publish until released, forcing queue overflow.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Publish(context.Context, heal.Event) error {
	<-s.release
	return nil
}
func (s *blockingSink) Close() error { return nil }

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	emitter := New(sink, WithBuffer(1), WithLogger(logging.Discard()))

	// First event is picked up by the delivery goroutine and parks in the
	// sink; give it a moment so the queue is truly empty again.
	emitter.Emit(event("1", heal.EventStateNew))
	time.Sleep(10 * time.Millisecond)

	// Fills the queue, then overflows it.
	emitter.Emit(event("2", heal.EventStateDiagnose))
	emitter.Emit(event("3", heal.EventStatePatch))

	assert.Positive(t, emitter.Dropped())

	close(sink.release)
	require.NoError(t, emitter.Close())
}

func TestEmitAfterCloseIsNoOp(t *testing.T) {
	sink := NewMemorySink()
	emitter := New(sink, WithLogger(logging.Discard()))
	require.NoError(t, emitter.Close())

	emitter.Emit(event("1", heal.EventStateNew))
	assert.Empty(t, sink.Events())

	// Double close is safe.
	require.NoError(t, emitter.Close())
}

func TestEmitConcurrent(t *testing.T) {
	sink := NewMemorySink()
	emitter := New(sink, WithBuffer(1024), WithLogger(logging.Discard()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 32; j++ {
				emitter.Emit(event("x", heal.EventActivityAttempt))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, emitter.Close())

	assert.Len(t, sink.Events(), 8*32)
}
