package engine

import (
	"context"

	"github.com/roach88/mend/internal/heal"
)

// Admission is the outcome of one admitted or deduplicated failure event.
type Admission struct {
	// CaseID identifies the case now healing this failure. On a duplicate
	// it is the original case admitted earlier in the TTL window.
	CaseID string
	// Deduplicated is true when the event matched a live dedup entry and
	// no new case was created.
	Deduplicated bool
}

// Admit turns one failure event into a case, or recognizes it as a
// duplicate. The dedup index is the single source of truth: at most one
// admission per (repository, run, head) key per TTL window, across all
// workers. Re-submission of an identical event within the window is a
// no-op beyond a dedup.hit event.
func (e *Engine) Admit(ctx context.Context, ev heal.FailureEvent) (*Admission, error) {
	if err := validateEvent(ev); err != nil {
		return nil, e.reject(err)
	}
	if !e.eligible(ev.Workflow) {
		return nil, e.reject(heal.NewError(heal.CodeIngressRejected,
			"workflow %q is not eligible for healing", ev.Workflow))
	}

	now := e.clock.Now()
	if now.Sub(ev.OccurredAt) > e.cfg.StaleCutoff() {
		return nil, e.reject(heal.NewError(heal.CodeIngressStale,
			"event for run %d occurred %s ago, past the stale cutoff",
			ev.RunID, now.Sub(ev.OccurredAt).Truncate(1e9)))
	}
	// Refuse before touching the index so a full queue never leaves an
	// admitted-but-unscheduled case behind.
	if e.queue.Len() >= e.cfg.Admission.Buffer {
		return nil, e.reject(heal.NewError(heal.CodeBackpressure,
			"admission queue is full (%d)", e.cfg.Admission.Buffer))
	}

	caseID, err := heal.CaseID(ev.Repository, ev.RunID, ev.HeadSHA)
	if err != nil {
		return nil, e.reject(heal.WrapError(heal.CodeIngressRejected, err, "derive case id"))
	}
	key, err := heal.DedupKey(ev.Repository, ev.RunID, ev.HeadSHA)
	if err != nil {
		return nil, e.reject(heal.WrapError(heal.CodeIngressRejected, err, "derive dedup key"))
	}

	decision, err := e.dedup.TryAdmit(ctx, key, caseID, now, e.cfg.DedupTTL())
	if err != nil {
		return nil, e.reject(heal.WrapError(heal.CodeInternal, err, "dedup index"))
	}
	if !decision.Admitted {
		original := caseID
		if decision.Existing != nil {
			original = decision.Existing.CaseID
		}
		e.emitEvent(heal.Event{
			ID:         e.ids.NewID(),
			Type:       heal.EventDedupHit,
			CaseID:     original,
			Repository: ev.Repository,
			RunID:      ev.RunID,
			HeadSHA:    ev.HeadSHA,
			Timestamp:  now,
		})
		if e.metrics != nil {
			e.metrics.CaseDeduped()
		}
		e.logger.Info("duplicate event suppressed",
			"case_id", original, "repository", ev.Repository, "run_id", ev.RunID)
		return &Admission{CaseID: original, Deduplicated: true}, nil
	}

	c := &heal.Case{
		ID:               caseID,
		Repository:       ev.Repository,
		RunID:            ev.RunID,
		HeadSHA:          ev.HeadSHA,
		Branch:           ev.Branch,
		Workflow:         ev.Workflow,
		InstallationID:   ev.InstallationID,
		State:            heal.StateNew,
		StartedAt:        now,
		LastTransitionAt: now,
		Deadline:         now.Add(e.cfg.GlobalDeadline()),
	}
	if err := e.store.RegisterCase(ctx, c); err != nil {
		return nil, heal.WrapError(heal.CodeInternal, err, "register case %s", caseID)
	}
	if err := e.seed(ctx, c); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.CaseAdmitted()
	}
	e.logger.Info("case admitted",
		"case_id", caseID, "repository", ev.Repository, "run_id", ev.RunID,
		"workflow", ev.Workflow, "deadline", c.Deadline)

	if !e.queue.Enqueue(caseID) {
		// The case is durable; the next recovery pass picks it up.
		e.logger.Warn("ready queue refused admitted case", "case_id", caseID)
	}
	e.observeQueueDepth()
	return &Admission{CaseID: caseID}, nil
}

// seed writes the first journal entry: a transition into NEW carrying the
// full case so replay can rebuild identity from the journal alone.
func (e *Engine) seed(ctx context.Context, c *heal.Case) error {
	payload := heal.TransitionPayload{To: heal.StateNew, Case: c}
	entry, err := heal.NewEntry(c.ID, 1, e.clock.Now(), heal.KindStateTransition, payload)
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "build seed entry for %s", c.ID)
	}
	if err := e.store.Append(ctx, entry); err != nil {
		return heal.WrapError(heal.CodeInternal, err, "append seed entry for %s", c.ID)
	}
	e.emitStateEvent(c, heal.StateNew)
	return nil
}

func validateEvent(ev heal.FailureEvent) *heal.Error {
	switch {
	case ev.Repository == "":
		return heal.NewError(heal.CodeIngressRejected, "event has no repository")
	case ev.RunID <= 0:
		return heal.NewError(heal.CodeIngressRejected, "event has no run id")
	case ev.HeadSHA == "":
		return heal.NewError(heal.CodeIngressRejected, "event has no head sha")
	case ev.OccurredAt.IsZero():
		return heal.NewError(heal.CodeIngressRejected, "event has no occurrence time")
	}
	return nil
}

// eligible reports whether the workflow is in the healing set. An empty
// set admits every workflow.
func (e *Engine) eligible(workflow string) bool {
	if len(e.cfg.Admission.EligibleWorkflows) == 0 {
		return true
	}
	for _, name := range e.cfg.Admission.EligibleWorkflows {
		if name == workflow {
			return true
		}
	}
	return false
}

func (e *Engine) reject(err *heal.Error) error {
	if e.metrics != nil {
		e.metrics.CaseRejected(err.Code)
	}
	e.logger.Warn("event rejected", "code", err.Code, "reason", err.Message)
	return err
}

func (e *Engine) emitEvent(ev heal.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

func (e *Engine) emitStateEvent(c *heal.Case, state heal.State) {
	et, ok := heal.EventForState(state)
	if !ok {
		return
	}
	e.emitEvent(heal.Event{
		ID:         e.ids.NewID(),
		Type:       et,
		CaseID:     c.ID,
		Repository: c.Repository,
		RunID:      c.RunID,
		HeadSHA:    c.HeadSHA,
		State:      state,
		Attempt:    c.Attempt(state),
		Timestamp:  e.clock.Now(),
	})
}
