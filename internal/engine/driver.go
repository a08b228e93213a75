package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/mend/internal/collab"
	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/invariant"
	"github.com/roach88/mend/internal/journal"
)

// HealCase drives one admitted case synchronously to its next terminal
// or blocking point, the same path a worker takes after dequeueing it.
// Embedders that admit and heal inline use it instead of Run.
func (e *Engine) HealCase(ctx context.Context, caseID string) {
	e.runCase(ctx, caseID)
}

// runCase drives one case to a terminal state under an exclusive lease.
// The case projection is loaded from the journal, never trusted from
// memory; a pending attempt left by a crash is resumed at-most-once.
func (e *Engine) runCase(ctx context.Context, caseID string) {
	e.enterCase()
	defer e.leaveCase()
	logger := e.logger.With("case_id", caseID)

	ok, err := e.store.Acquire(ctx, caseID, e.owner, e.cfg.LeaseTTL(), e.clock.Now())
	if err != nil {
		logger.Error("lease acquire failed", "error", err)
		return
	}
	if !ok {
		logger.Debug("lease held elsewhere, skipping")
		return
	}
	defer func() {
		if err := e.store.Release(context.WithoutCancel(ctx), caseID, e.owner); err != nil {
			logger.Warn("lease release failed", "error", err)
		}
	}()

	c, err := e.store.Load(ctx, caseID)
	if err != nil {
		logger.Error("case load failed", "error", err)
		return
	}
	if c.State.IsTerminal() {
		return
	}

	entries, err := e.store.ReadAll(ctx, caseID)
	if err != nil {
		logger.Error("journal read failed", "error", err)
		return
	}
	resume, _ := journal.PendingAttempt(entries)
	if resume != nil {
		logger.Info("resuming interrupted attempt",
			"phase", resume.Phase, "attempt", resume.Attempt, "correlation_id", resume.CorrelationID)
	}

	e.drive(ctx, c, resume, logger)
}

// drive loops the state machine until the case seals. Cancellation and
// the case deadline are checked between activities, never mid-call; the
// dispatcher propagates ctx into in-flight calls.
func (e *Engine) drive(ctx context.Context, c *heal.Case, resume *heal.AttemptPayload, logger *slog.Logger) {
	for !c.State.IsTerminal() {
		if ctx.Err() != nil {
			if err := e.fail(ctx, c, heal.ReasonCancelled); err != nil {
				logger.Error("cancel seal failed", "error", err)
			}
			return
		}
		if e.clock.Now().After(c.Deadline) {
			if err := e.fail(ctx, c, heal.ReasonTimeout); err != nil {
				logger.Error("deadline seal failed", "error", err)
			}
			return
		}

		var err error
		switch c.State {
		case heal.StateNew:
			err = e.transition(ctx, c, heal.StateDiagnose, "")
		case heal.StateDiagnose:
			err = e.stepDiagnose(ctx, c, resume)
		case heal.StatePatch:
			err = e.stepPatch(ctx, c, resume)
		case heal.StateTest:
			err = e.stepTest(ctx, c, resume)
		case heal.StateProve:
			err = e.stepProve(ctx, c, resume)
		case heal.StateMerge:
			err = e.stepMerge(ctx, c, resume)
		default:
			err = heal.NewError(heal.CodeInternal, "case %s in unknown state %s", c.ID, c.State)
		}
		resume = nil

		if err != nil {
			reason := failReasonFor(heal.CodeOf(err))
			logger.Warn("phase failed terminally",
				"state", c.State, "code", heal.CodeOf(err), "reason", reason, "error", err)
			if ferr := e.fail(ctx, c, reason); ferr != nil {
				logger.Error("seal failed", "error", ferr)
				return
			}
		}
	}
}

// stepDiagnose assembles the failure report, invokes the diagnoser, and
// applies the confidence tie-break. Low-confidence diagnoses are
// downgraded to UNKNOWN; an UNKNOWN cause with no patch goes straight to
// TEST to confirm the failure is reproducible.
func (e *Engine) stepDiagnose(ctx context.Context, c *heal.Case, resume *heal.AttemptPayload) error {
	entries, err := e.store.ReadAll(ctx, c.ID)
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "read journal for %s", c.ID)
	}
	prior := priorAttempts(entries)

	rep, err := e.reports.Assemble(ctx, c, prior)
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "assemble failure report")
	}

	resp, err := e.dispatch.Diagnose(ctx, c, collab.DiagnoseRequest{
		FailureReport: *rep,
		PriorAttempts: prior,
	}, resume)
	if err != nil {
		return err
	}
	diag, err := resp.Diagnosis()
	if err != nil {
		return err
	}

	if diag.Confidence < e.cfg.Diagnosis.MinConfidence {
		e.logger.Info("diagnosis below confidence threshold, downgrading to UNKNOWN",
			"case_id", c.ID, "root_cause", diag.RootCause, "confidence", diag.Confidence)
		diag.RootCause = heal.CauseUnknown
	}
	c.Diagnosis = diag
	c.RootCause = diag.RootCause

	if diag.RootCause == heal.CauseUnknown && diag.Patch == "" {
		return e.transition(ctx, c, heal.StateTest, "")
	}
	return e.transition(ctx, c, heal.StatePatch, "")
}

// stepPatch applies the diagnosed patch. With no patch on the diagnosis
// the phase is a pass-through to TEST. A compilation failure re-enters
// DIAGNOSE with the compiler output as context while the PATCH budget
// lasts, then seals PATCH_EXHAUSTED.
func (e *Engine) stepPatch(ctx context.Context, c *heal.Case, resume *heal.AttemptPayload) error {
	if c.Diagnosis == nil || c.Diagnosis.Patch == "" {
		return e.transition(ctx, c, heal.StateTest, "")
	}

	resp, err := e.dispatch.Patch(ctx, c, collab.PatchRequest{
		Repository: c.Repository,
		HeadSHA:    c.HeadSHA,
		Branch:     c.Branch,
		Patch:      c.Diagnosis.Patch,
		RootCause:  c.RootCause,
	}, resume)
	if err != nil {
		if heal.IsCompilationFailed(err) {
			if c.Attempt(heal.StatePatch) <= e.cfg.MaxRetriesFor(heal.StatePatch) {
				return e.transition(ctx, c, heal.StateDiagnose, "")
			}
			return e.fail(ctx, c, heal.ReasonPatchExhausted)
		}
		return err
	}

	c.PatchRef = resp.PatchRef
	c.FilesChanged = resp.FilesChanged
	return e.transition(ctx, c, heal.StateTest, "")
}

// stepTest runs the suite against the patch (or the unchanged head). A
// flaky verdict promotes to PROVE with the flakiness recorded; a failed
// verdict re-enters DIAGNOSE with the trace while the TEST budget lasts.
func (e *Engine) stepTest(ctx context.Context, c *heal.Case, resume *heal.AttemptPayload) error {
	resp, err := e.dispatch.Test(ctx, c, collab.TestRequest{
		Repository: c.Repository,
		HeadSHA:    c.HeadSHA,
		PatchRef:   c.PatchRef,
		Runs:       e.cfg.Test.Runs,
		TimeoutMs:  e.cfg.Test.TimeoutMs,
	}, resume)
	if err != nil {
		return err
	}
	outcome, err := resp.Outcome()
	if err != nil {
		return err
	}
	if outcome.FlakinessScore > e.cfg.Test.FlakyThreshold {
		outcome.Flaky = true
	}
	c.TestOutcome = outcome
	if outcome.Flaky {
		c.FlakyObserved = true
	}

	switch outcome.Verdict {
	case heal.VerdictPass, heal.VerdictFlaky:
		return e.transition(ctx, c, heal.StateProve, "")
	default:
		if c.Attempt(heal.StateTest) <= e.cfg.MaxRetriesFor(heal.StateTest) {
			return e.transition(ctx, c, heal.StateDiagnose, "")
		}
		return e.fail(ctx, c, heal.ReasonTestFailed)
	}
}

// stepProve discharges the invariants whose scope covers the changed
// surface. With no applicable invariants the phase passes trivially. The
// aggregate passes iff every invariant at or above the criticality
// threshold is proven.
func (e *Engine) stepProve(ctx context.Context, c *heal.Case, resume *heal.AttemptPayload) error {
	applicable := e.catalog.Applicable(c.FilesChanged)
	if len(applicable) == 0 {
		c.ProofOutcome = &heal.ProofOutcome{Pass: true}
		return e.transition(ctx, c, heal.StateMerge, "")
	}

	resp, err := e.dispatch.Prove(ctx, c, collab.ProveRequest{
		Repository:         c.Repository,
		HeadSHA:            c.HeadSHA,
		Invariants:         applicable,
		PerTheoremBudgetMs: e.cfg.Proof.PerTheoremBudgetMs,
	}, resume)
	if err != nil {
		return err
	}

	required := invariant.Required(applicable, e.cfg.ProofThreshold())
	outcome := aggregateProof(resp.Theorems, resp.Summary, required)
	c.ProofOutcome = outcome
	if outcome.Pass {
		return e.transition(ctx, c, heal.StateMerge, "")
	}
	return e.fail(ctx, c, heal.ReasonProofFailed)
}

// stepMerge opens and merges the patch-branch PR. A blocked merge
// (conflict or policy denial) seals MERGE_BLOCKED.
func (e *Engine) stepMerge(ctx context.Context, c *heal.Case, resume *heal.AttemptPayload) error {
	resp, err := e.dispatch.Merge(ctx, c, collab.MergeRequest{
		Repository:   c.Repository,
		BaseBranch:   c.Branch,
		PatchRef:     c.PatchRef,
		Title:        fmt.Sprintf("Automated fix for failing run %d", c.RunID),
		Body:         mergeBody(c),
		RootCause:    c.RootCause,
		ProofVerdict: proofVerdict(c),
	}, resume)
	if err != nil {
		if heal.CodeOf(err) == heal.CodeMergeBlocked {
			return e.fail(ctx, c, heal.ReasonMergeBlocked)
		}
		return err
	}
	if !resp.Merged {
		return e.fail(ctx, c, heal.ReasonMergeBlocked)
	}

	c.MergeRef = resp.MergeSHA
	c.PRNumber = resp.PRNumber
	return e.transition(ctx, c, heal.StateDone, "")
}

// transition appends one StateTransition entry, then mirrors it onto the
// local projection exactly the way replay would.
func (e *Engine) transition(ctx context.Context, c *heal.Case, to heal.State, reason heal.FailReason) error {
	if !heal.CanTransition(c.State, to) {
		return heal.NewError(heal.CodeInternal, "illegal transition %s -> %s for case %s", c.State, to, c.ID)
	}
	attempt := 0
	if _, ok := heal.ActivityForPhase[to]; ok {
		attempt = c.Attempt(to) + 1
	}

	now := e.clock.Now()
	last, err := e.store.LastSeq(ctx, c.ID)
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "read last seq for %s", c.ID)
	}
	seq := last + 1
	entry, err := heal.NewEntry(c.ID, seq, now, heal.KindStateTransition, heal.TransitionPayload{
		From:    c.State,
		To:      to,
		Reason:  reason,
		Attempt: attempt,
	})
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "build transition entry for %s", c.ID)
	}
	if err := e.store.Append(ctx, entry); err != nil {
		return heal.WrapError(heal.CodeInternal, err, "append transition for %s", c.ID)
	}

	from := c.State
	c.State = to
	c.LastTransitionAt = now
	if attempt > 0 {
		if c.Attempts == nil {
			c.Attempts = make(map[heal.State]int)
		}
		c.Attempts[to] = attempt
	}
	if to == heal.StateFailed {
		c.FailReason = reason
	}
	if to.IsTerminal() {
		c.SealedAt = now
	}

	if e.metrics != nil {
		e.metrics.Transition(from, to)
	}
	e.emitStateEvent(c, to)
	e.logger.Debug("state transition",
		"case_id", c.ID, "from", from, "to", to, "attempt", attempt)

	if to.IsTerminal() {
		if e.metrics != nil {
			e.metrics.CaseSealed(to, reason, now.Sub(c.StartedAt))
		}
		e.logger.Info("case sealed",
			"case_id", c.ID, "state", to, "reason", reason, "duration", now.Sub(c.StartedAt))
	}

	e.maybeSnapshot(ctx, c, seq)
	return nil
}

// fail seals the case FAILED with the given reason. The append survives a
// cancelled ctx so cooperative shutdown can still record CANCELLED.
func (e *Engine) fail(ctx context.Context, c *heal.Case, reason heal.FailReason) error {
	return e.transition(context.WithoutCancel(ctx), c, heal.StateFailed, reason)
}

// maybeSnapshot writes a projection snapshot every SnapshotEvery appends.
// Best-effort: the journal stays authoritative either way.
func (e *Engine) maybeSnapshot(ctx context.Context, c *heal.Case, seq int64) {
	every := int64(e.cfg.Engine.SnapshotEvery)
	if every <= 0 || seq%every != 0 {
		return
	}
	if err := e.store.Snapshot(ctx, c, seq); err != nil {
		e.logger.Warn("snapshot failed", "case_id", c.ID, "seq", seq, "error", err)
		return
	}
	if err := e.store.Compact(ctx, c.ID); err != nil {
		e.logger.Warn("compact failed", "case_id", c.ID, "error", err)
	}
}

// priorAttempts folds feedback-edge context out of the journal: compiler
// output from failed patcher calls and traces from failed suites. The
// next failure report carries them back to the diagnoser.
func priorAttempts(entries []heal.JournalEntry) []heal.PriorAttempt {
	var prior []heal.PriorAttempt
	for _, entry := range entries {
		if entry.Kind != heal.KindActivityResult {
			continue
		}
		var p heal.ResultPayload
		if err := entry.DecodePayload(heal.KindActivityResult, &p); err != nil {
			continue
		}
		switch p.Activity {
		case heal.ActivityPatcher:
			if !p.OK && p.ErrorCode == heal.CodeCompilationFailed {
				prior = append(prior, heal.PriorAttempt{
					Attempt:    p.Attempt,
					Phase:      heal.StatePatch,
					Error:      p.ErrorMessage,
					DurationMs: p.DurationMs,
				})
			}
		case heal.ActivityTestRunner:
			if !p.OK {
				continue
			}
			var o heal.TestOutcome
			if err := decodeJSON(p.Result, &o); err != nil {
				continue
			}
			if o.Verdict == heal.VerdictFail {
				msg := o.Trace
				if msg == "" {
					msg = "test suite failed"
				}
				prior = append(prior, heal.PriorAttempt{
					Attempt:    p.Attempt,
					Phase:      heal.StateTest,
					Error:      msg,
					DurationMs: p.DurationMs,
				})
			}
		}
	}
	return prior
}

func decodeJSON(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty result payload")
	}
	return json.Unmarshal(raw, out)
}

// aggregateProof maps per-theorem verdicts onto the required invariant
// set. A required invariant with no verdict counts as failed.
func aggregateProof(theorems []heal.TheoremResult, summary heal.ProofSummary, required []heal.Invariant) *heal.ProofOutcome {
	verdicts := make(map[string]heal.TheoremVerdict, len(theorems))
	for _, t := range theorems {
		verdicts[t.Name] = t.Verdict
	}

	var failed []string
	for _, inv := range required {
		if verdicts[inv.Name] != heal.TheoremProven {
			failed = append(failed, inv.Name)
		}
	}
	return &heal.ProofOutcome{
		Pass:             len(failed) == 0,
		Theorems:         theorems,
		Summary:          summary,
		FailedInvariants: failed,
	}
}

// failReasonFor maps a terminal error code onto the sealed reason.
func failReasonFor(code heal.Code) heal.FailReason {
	switch code {
	case heal.CodeCancelled:
		return heal.ReasonCancelled
	case heal.CodeTimeout:
		return heal.ReasonTimeout
	case heal.CodeInvalidInput:
		return heal.ReasonContract
	case heal.CodeTestFailed:
		return heal.ReasonTestFailed
	case heal.CodeProofFailed:
		return heal.ReasonProofFailed
	case heal.CodeMergeBlocked:
		return heal.ReasonMergeBlocked
	default:
		return heal.ReasonInternal
	}
}

func mergeBody(c *heal.Case) string {
	if c.Diagnosis == nil {
		return fmt.Sprintf("Automated repair of run %d at %s.", c.RunID, c.HeadSHA)
	}
	return fmt.Sprintf("Automated repair of run %d at %s.\n\nRoot cause: %s\n\n%s",
		c.RunID, c.HeadSHA, c.RootCause, c.Diagnosis.Explanation)
}

func proofVerdict(c *heal.Case) string {
	switch {
	case c.ProofOutcome == nil:
		return "skipped"
	case c.ProofOutcome.Pass:
		return "pass"
	default:
		return "fail"
	}
}
