package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/mend/internal/heal"
)

// Replay folds journal entries into the case projection. Entries must be in
// seq order starting at 1. The fold is pure: it applies recorded decisions
// and never re-runs engine policy, so replaying the same entries always
// yields the same case.
func Replay(entries []heal.JournalEntry) (*heal.Case, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("replay: no entries")
	}
	return ReplayFrom(nil, 0, entries)
}

// ReplayFrom continues a fold from a snapshot projection taken at snapSeq.
// Pass (nil, 0, entries) to fold from the beginning.
func ReplayFrom(snap *heal.Case, snapSeq int64, entries []heal.JournalEntry) (*heal.Case, error) {
	var c *heal.Case
	if snap != nil {
		c = snap.Clone()
	}

	seq := snapSeq
	for _, entry := range entries {
		if entry.Seq != seq+1 {
			return nil, fmt.Errorf("replay: case=%s entry seq=%d, want %d", entry.CaseID, entry.Seq, seq+1)
		}
		seq = entry.Seq

		var err error
		c, err = apply(c, entry)
		if err != nil {
			return nil, err
		}
	}

	if c == nil {
		return nil, fmt.Errorf("replay: entries carry no case identity")
	}
	return c, nil
}

func apply(c *heal.Case, entry heal.JournalEntry) (*heal.Case, error) {
	switch entry.Kind {
	case heal.KindStateTransition:
		return applyTransition(c, entry)
	case heal.KindActivityResult:
		return applyResult(c, entry)
	case heal.KindActivityAttempt, heal.KindEmitted, heal.KindError:
		// Attempts, emissions and error records do not change the
		// projection; they exist for recovery and audit.
		return c, nil
	default:
		return nil, fmt.Errorf("replay: case=%s seq=%d unknown kind %q", entry.CaseID, entry.Seq, entry.Kind)
	}
}

func applyTransition(c *heal.Case, entry heal.JournalEntry) (*heal.Case, error) {
	var p heal.TransitionPayload
	if err := entry.DecodePayload(heal.KindStateTransition, &p); err != nil {
		return nil, fmt.Errorf("replay: seq=%d: %w", entry.Seq, err)
	}

	if c == nil {
		// The first transition seeds the projection with full case
		// identity.
		if p.Case == nil {
			return nil, fmt.Errorf("replay: case=%s seq=%d first transition has no case snapshot", entry.CaseID, entry.Seq)
		}
		c = p.Case.Clone()
		c.State = p.To
		c.LastTransitionAt = entry.Timestamp
		if p.Attempt > 0 {
			if c.Attempts == nil {
				c.Attempts = make(map[heal.State]int)
			}
			c.Attempts[p.To] = p.Attempt
		}
		return c, nil
	}

	if c.State != p.From {
		return nil, fmt.Errorf("replay: case=%s seq=%d transition from %s but projection is %s", entry.CaseID, entry.Seq, p.From, c.State)
	}
	if !heal.CanTransition(p.From, p.To) {
		return nil, fmt.Errorf("replay: case=%s seq=%d illegal transition %s -> %s", entry.CaseID, entry.Seq, p.From, p.To)
	}

	c.State = p.To
	c.LastTransitionAt = entry.Timestamp
	if p.Attempt > 0 {
		if c.Attempts == nil {
			c.Attempts = make(map[heal.State]int)
		}
		c.Attempts[p.To] = p.Attempt
	}
	if p.To == heal.StateFailed && p.Reason != "" {
		c.FailReason = heal.FailReason(p.Reason)
	}
	if p.To.IsTerminal() {
		c.SealedAt = entry.Timestamp
	}
	return c, nil
}

func applyResult(c *heal.Case, entry heal.JournalEntry) (*heal.Case, error) {
	if c == nil {
		return nil, fmt.Errorf("replay: case=%s seq=%d activity result before first transition", entry.CaseID, entry.Seq)
	}

	var p heal.ResultPayload
	if err := entry.DecodePayload(heal.KindActivityResult, &p); err != nil {
		return nil, fmt.Errorf("replay: seq=%d: %w", entry.Seq, err)
	}
	if !p.OK {
		return c, nil
	}

	switch p.Activity {
	case heal.ActivityDiagnoser:
		var d heal.Diagnosis
		if err := decodeResult(p, &d); err != nil {
			return nil, fmt.Errorf("replay: seq=%d: %w", entry.Seq, err)
		}
		c.Diagnosis = &d
		c.RootCause = d.RootCause
	case heal.ActivityPatcher:
		var r heal.PatchResult
		if err := decodeResult(p, &r); err != nil {
			return nil, fmt.Errorf("replay: seq=%d: %w", entry.Seq, err)
		}
		c.PatchRef = r.PatchRef
		c.FilesChanged = r.FilesChanged
	case heal.ActivityTestRunner:
		var o heal.TestOutcome
		if err := decodeResult(p, &o); err != nil {
			return nil, fmt.Errorf("replay: seq=%d: %w", entry.Seq, err)
		}
		c.TestOutcome = &o
		if o.Flaky || o.Verdict == heal.VerdictFlaky {
			c.FlakyObserved = true
		}
	case heal.ActivityProver:
		var o heal.ProofOutcome
		if err := decodeResult(p, &o); err != nil {
			return nil, fmt.Errorf("replay: seq=%d: %w", entry.Seq, err)
		}
		c.ProofOutcome = &o
	case heal.ActivityMerger:
		var r heal.MergeResult
		if err := decodeResult(p, &r); err != nil {
			return nil, fmt.Errorf("replay: seq=%d: %w", entry.Seq, err)
		}
		c.MergeRef = r.MergeSHA
		c.PRNumber = r.PRNumber
	default:
		return nil, fmt.Errorf("replay: case=%s seq=%d unknown activity %q", entry.CaseID, entry.Seq, p.Activity)
	}
	return c, nil
}

func decodeResult(p heal.ResultPayload, out any) error {
	if len(p.Result) == 0 {
		return fmt.Errorf("activity %s result ok but empty", p.Activity)
	}
	if err := json.Unmarshal(p.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", p.Activity, err)
	}
	return nil
}

// PendingAttempt returns the trailing ActivityAttempt entry that has no
// matching ActivityResult, if any. Recovery uses it to retry the interrupted
// activity at-most-once more.
func PendingAttempt(entries []heal.JournalEntry) (*heal.AttemptPayload, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		switch entries[i].Kind {
		case heal.KindActivityResult:
			return nil, false
		case heal.KindActivityAttempt:
			var p heal.AttemptPayload
			if err := entries[i].DecodePayload(heal.KindActivityAttempt, &p); err != nil {
				return nil, false
			}
			return &p, true
		}
	}
	return nil, false
}

// FindIncomplete returns case ids that are registered, not archived, and not
// sealed at a terminal state. Recovery replays each and resumes it.
func (s *Store) FindIncomplete(ctx context.Context) ([]string, error) {
	rows, err := s.ListCases(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("find incomplete: %w", err)
	}

	incomplete := []string{}
	for _, row := range rows {
		entries, err := s.ReadAll(ctx, row.CaseID)
		if err != nil {
			return nil, fmt.Errorf("find incomplete: read %s: %w", row.CaseID, err)
		}
		if len(entries) == 0 {
			// Registered but never journaled; the admit transition was
			// lost before its first append. Resume from scratch.
			incomplete = append(incomplete, row.CaseID)
			continue
		}
		c, err := Replay(entries)
		if err != nil {
			return nil, fmt.Errorf("find incomplete: replay %s: %w", row.CaseID, err)
		}
		if !c.State.IsTerminal() {
			incomplete = append(incomplete, row.CaseID)
		}
	}
	return incomplete, nil
}

// Load rebuilds the case projection from the latest snapshot plus the
// entries after it.
func (s *Store) Load(ctx context.Context, caseID string) (*heal.Case, error) {
	snap, snapSeq, err := s.LatestSnapshot(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load case %s: %w", caseID, err)
	}

	entries, err := s.ReadFrom(ctx, caseID, snapSeq)
	if err != nil {
		return nil, fmt.Errorf("load case %s: %w", caseID, err)
	}
	if snap == nil && len(entries) == 0 {
		return nil, fmt.Errorf("load case %s: no entries", caseID)
	}

	c, err := ReplayFrom(snap, snapSeq, entries)
	if err != nil {
		return nil, fmt.Errorf("load case %s: %w", caseID, err)
	}
	return c, nil
}
