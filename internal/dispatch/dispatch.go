// Package dispatch is the uniform activity invocation surface between the
// state-machine driver and the five collaborators. It owns the attempt
// loop: journal the attempt, call with a per-attempt timeout, journal the
// result, classify the failure, back off, repeat. The engine above sees a
// typed result or a classified error and branches on the code alone.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/mend/internal/collab"
	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/emit"
	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/journal"
)

// Descriptor names one activity and bounds a single network attempt.
type Descriptor struct {
	Name    string
	Timeout time.Duration
}

// Descriptors builds the per-phase activity table from the collaborator
// endpoints.
func Descriptors(cfg *config.Config) map[heal.State]Descriptor {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return map[heal.State]Descriptor{
		heal.StateDiagnose: {Name: heal.ActivityDiagnoser, Timeout: ms(cfg.Collaborators.Diagnoser.TimeoutMs)},
		heal.StatePatch:    {Name: heal.ActivityPatcher, Timeout: ms(cfg.Collaborators.Patcher.TimeoutMs)},
		heal.StateTest:     {Name: heal.ActivityTestRunner, Timeout: ms(cfg.Collaborators.TestRunner.TimeoutMs)},
		heal.StateProve:    {Name: heal.ActivityProver, Timeout: ms(cfg.Collaborators.Prover.TimeoutMs)},
		heal.StateMerge:    {Name: heal.ActivityMerger, Timeout: ms(cfg.Collaborators.Merger.TimeoutMs)},
	}
}

// Observer receives per-attempt telemetry. The metrics package implements
// it; tests use the no-op.
type Observer interface {
	AttemptStarted(activity string, attempt int)
	AttemptFinished(activity string, code heal.Code, elapsed time.Duration)
}

// NopObserver discards all telemetry.
type NopObserver struct{}

// AttemptStarted implements Observer.
func (NopObserver) AttemptStarted(string, int) {}

// AttemptFinished implements Observer.
func (NopObserver) AttemptFinished(string, heal.Code, time.Duration) {}

// Dispatcher invokes collaborators on behalf of case workers. A single
// dispatcher is shared by all workers; per-case ordering comes from the
// journal's seq discipline and the one-worker-per-case lease.
type Dispatcher struct {
	journal     journal.Journal
	set         collab.Set
	emitter     *emit.Emitter
	logger      *slog.Logger
	clock       Clock
	ids         heal.IDGenerator
	policy      RetryPolicy
	observer    Observer
	descriptors map[heal.State]Descriptor
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithIDGenerator overrides event ID generation.
func WithIDGenerator(g heal.IDGenerator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithObserver attaches attempt telemetry.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithDescriptors overrides the activity table.
func WithDescriptors(descs map[heal.State]Descriptor) Option {
	return func(d *Dispatcher) { d.descriptors = descs }
}

// New creates a dispatcher over the given collaborators.
func New(j journal.Journal, set collab.Set, emitter *emit.Emitter, policy RetryPolicy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		journal:  j,
		set:      set,
		emitter:  emitter,
		logger:   slog.Default(),
		clock:    WallClock{},
		ids:      heal.UUIDv7Generator{},
		policy:   policy,
		observer: NopObserver{},
		descriptors: map[heal.State]Descriptor{
			heal.StateDiagnose: {Name: heal.ActivityDiagnoser},
			heal.StatePatch:    {Name: heal.ActivityPatcher},
			heal.StateTest:     {Name: heal.ActivityTestRunner},
			heal.StateProve:    {Name: heal.ActivityProver},
			heal.StateMerge:    {Name: heal.ActivityMerger},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Diagnose invokes the diagnoser with retries. resume, when non-nil, is the
// journaled attempt interrupted by a crash; it is re-run once under its
// original correlation key without a fresh attempt entry.
func (d *Dispatcher) Diagnose(ctx context.Context, c *heal.Case, req collab.DiagnoseRequest, resume *heal.AttemptPayload) (*collab.DiagnoseResponse, error) {
	return invoke(ctx, d, c, heal.StateDiagnose, resume,
		func(ctx context.Context, corr collab.Correlation) (*collab.DiagnoseResponse, error) {
			req.Correlation = corr
			return d.set.Diagnoser.Diagnose(ctx, req)
		})
}

// Patch invokes the patcher with retries.
func (d *Dispatcher) Patch(ctx context.Context, c *heal.Case, req collab.PatchRequest, resume *heal.AttemptPayload) (*collab.PatchResponse, error) {
	return invoke(ctx, d, c, heal.StatePatch, resume,
		func(ctx context.Context, corr collab.Correlation) (*collab.PatchResponse, error) {
			req.Correlation = corr
			return d.set.Patcher.ApplyPatch(ctx, req)
		})
}

// Test invokes the sandbox runner with retries.
func (d *Dispatcher) Test(ctx context.Context, c *heal.Case, req collab.TestRequest, resume *heal.AttemptPayload) (*collab.TestResponse, error) {
	return invoke(ctx, d, c, heal.StateTest, resume,
		func(ctx context.Context, corr collab.Correlation) (*collab.TestResponse, error) {
			req.Correlation = corr
			return d.set.TestRunner.RunTests(ctx, req)
		})
}

// Prove invokes the theorem prover with retries.
func (d *Dispatcher) Prove(ctx context.Context, c *heal.Case, req collab.ProveRequest, resume *heal.AttemptPayload) (*collab.ProveResponse, error) {
	return invoke(ctx, d, c, heal.StateProve, resume,
		func(ctx context.Context, corr collab.Correlation) (*collab.ProveResponse, error) {
			req.Correlation = corr
			return d.set.Prover.Prove(ctx, req)
		})
}

// Merge invokes the source-forge merger with retries.
func (d *Dispatcher) Merge(ctx context.Context, c *heal.Case, req collab.MergeRequest, resume *heal.AttemptPayload) (*collab.MergeResponse, error) {
	return invoke(ctx, d, c, heal.StateMerge, resume,
		func(ctx context.Context, corr collab.Correlation) (*collab.MergeResponse, error) {
			req.Correlation = corr
			return d.set.Merger.Merge(ctx, req)
		})
}

// invoke runs the attempt loop for one phase. Every network call is
// bracketed by ActivityAttempt and ActivityResult journal entries; a crash
// between the two leaves a pending attempt that the next worker re-runs
// once via resume, so collaborators must deduplicate on the correlation
// triple.
func invoke[Resp any](
	ctx context.Context,
	d *Dispatcher,
	c *heal.Case,
	phase heal.State,
	resume *heal.AttemptPayload,
	call func(context.Context, collab.Correlation) (Resp, error),
) (Resp, error) {
	var zero Resp
	desc, ok := d.descriptors[phase]
	if !ok {
		return zero, heal.NewError(heal.CodeInternal, "no activity for phase %s", phase).WithPhase(phase)
	}
	logger := d.logger.With("case_id", c.ID)

	attempt := 1
	resuming := false
	if resume != nil && resume.Phase == phase {
		// The interrupted attempt is already journaled; re-run it under
		// the same correlation key so the collaborator can deduplicate.
		attempt = resume.Attempt
		resuming = true
	}

	var lastErr error
	for attempt <= d.policy.MaxAttempts || resuming {
		corr := collab.Correlation{CaseID: c.ID, Phase: phase, Attempt: attempt}
		corrID := fmt.Sprintf("%s/%s/%d", c.ID, phase, attempt)

		if !resuming {
			if err := d.appendAttempt(ctx, c.ID, phase, desc.Name, attempt, corrID); err != nil {
				return zero, err
			}
		}
		resuming = false
		d.emitAttemptEvent(c, phase, attempt)
		d.observer.AttemptStarted(desc.Name, attempt)
		logger.Debug("activity attempt",
			"activity", desc.Name, "attempt", attempt, "timeout", desc.Timeout)

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if desc.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		}
		start := d.clock.Now()
		resp, err := call(attemptCtx, corr)
		cancel()
		elapsed := d.clock.Now().Sub(start)

		if err != nil {
			err = d.classify(ctx, attemptCtx, err, desc, attempt)
		}
		if recErr := d.appendResult(ctx, c.ID, phase, desc.Name, attempt, corrID, resp, err, elapsed); recErr != nil {
			return zero, recErr
		}
		var code heal.Code
		if err != nil {
			code = heal.CodeOf(err)
		}
		d.observer.AttemptFinished(desc.Name, code, elapsed)

		if err == nil {
			return resp, nil
		}
		lastErr = err
		logger.Warn("activity attempt failed",
			"activity", desc.Name, "attempt", attempt, "code", code, "elapsed_ms", elapsed.Milliseconds())

		if !Retryable(err) || attempt >= d.policy.MaxAttempts {
			break
		}
		if err := d.clock.Sleep(ctx, d.policy.Backoff(attempt)); err != nil {
			return zero, heal.WrapError(heal.CodeCancelled, err, "%s backoff interrupted", desc.Name).WithPhase(phase)
		}
		attempt++
	}

	if he, ok := lastErr.(*heal.Error); ok {
		return zero, he.WithPhase(phase)
	}
	return zero, heal.WrapError(heal.CodeOf(lastErr), lastErr, "%s failed", desc.Name).WithPhase(phase)
}

// classify normalizes a raw call error. Per-attempt deadline expiry is
// transient; parent-context cancellation is cooperative shutdown.
func (d *Dispatcher) classify(parent, attemptCtx context.Context, err error, desc Descriptor, attempt int) error {
	switch {
	case parent.Err() != nil:
		return heal.WrapError(heal.CodeCancelled, err, "%s attempt %d cancelled", desc.Name, attempt)
	case attemptCtx.Err() == context.DeadlineExceeded:
		return heal.WrapError(heal.CodeTransient, err, "%s attempt %d timed out after %s", desc.Name, attempt, desc.Timeout)
	}
	if _, ok := err.(*heal.Error); ok {
		return err
	}
	return heal.WrapError(heal.CodeOf(err), err, "%s attempt %d failed", desc.Name, attempt)
}

func (d *Dispatcher) appendAttempt(ctx context.Context, caseID string, phase heal.State, activity string, attempt int, corrID string) error {
	payload := heal.AttemptPayload{
		Phase:         phase,
		Activity:      activity,
		Attempt:       attempt,
		CorrelationID: corrID,
	}
	return d.append(ctx, caseID, heal.KindActivityAttempt, payload)
}

func (d *Dispatcher) appendResult(ctx context.Context, caseID string, phase heal.State, activity string, attempt int, corrID string, resp any, callErr error, elapsed time.Duration) error {
	payload := heal.ResultPayload{
		Phase:         phase,
		Activity:      activity,
		Attempt:       attempt,
		CorrelationID: corrID,
		OK:            callErr == nil,
		DurationMs:    elapsed.Milliseconds(),
	}
	if callErr == nil {
		raw, err := json.Marshal(resp)
		if err != nil {
			return heal.WrapError(heal.CodeInternal, err, "marshal %s result", activity)
		}
		payload.Result = raw
	} else {
		payload.ErrorCode = heal.CodeOf(callErr)
		payload.ErrorMessage = callErr.Error()
	}
	return d.append(ctx, caseID, heal.KindActivityResult, payload)
}

// append writes one entry at the next seq. The case's worker is the only
// appender while the lease is held, so LastSeq+1 cannot race.
func (d *Dispatcher) append(ctx context.Context, caseID string, kind heal.EntryKind, payload any) error {
	last, err := d.journal.LastSeq(ctx, caseID)
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "read last seq for %s", caseID)
	}
	entry, err := heal.NewEntry(caseID, last+1, d.clock.Now(), kind, payload)
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "build %s entry", kind)
	}
	if err := d.journal.Append(ctx, entry); err != nil {
		return heal.WrapError(heal.CodeInternal, err, "append %s entry", kind)
	}
	return nil
}

func (d *Dispatcher) emitAttemptEvent(c *heal.Case, phase heal.State, attempt int) {
	if d.emitter == nil {
		return
	}
	d.emitter.Emit(heal.Event{
		ID:         d.ids.NewID(),
		Type:       heal.EventActivityAttempt,
		CaseID:     c.ID,
		Repository: c.Repository,
		RunID:      c.RunID,
		HeadSHA:    c.HeadSHA,
		State:      phase,
		Attempt:    attempt,
		Timestamp:  d.clock.Now(),
	})
}
