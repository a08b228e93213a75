// Package testutil holds deterministic stand-ins for the engine's
// nondeterministic inputs: the wall clock and event ID generation.
// Scenario runs and golden-file tests use them so two runs of the same
// input produce byte-identical journals and traces.
package testutil

import (
	"context"
	"sync"
	"time"
)

// Epoch is the fixed start time shared by deterministic clocks.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// StepClock advances one millisecond per Now call so journal timestamps
// are strictly ordered without real time passing. Sleep advances the
// clock instead of blocking, which collapses retry backoff to nothing.
type StepClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStepClock returns a clock starting at Epoch.
func NewStepClock() *StepClock {
	return &StepClock{now: Epoch}
}

// Now ticks the clock forward one millisecond and returns it.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// Sleep advances the clock by d without blocking.
func (c *StepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// Peek returns the current time without ticking.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance jumps the clock forward.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
