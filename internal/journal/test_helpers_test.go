package journal

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// createTestStore creates a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestCase builds a case with minimal identity fields.
func createTestCase(id string) *heal.Case {
	return &heal.Case{
		ID:         id,
		Repository: "acme/widgets",
		RunID:      42,
		HeadSHA:    "abc123def456",
		Branch:     "main",
		Workflow:   "ci.yml",
		State:      heal.StateNew,
		StartedAt:  testTime,
	}
}

// mustEntry marshals payload into a journal entry or fails the test.
func mustEntry(t *testing.T, caseID string, seq int64, kind heal.EntryKind, payload any) heal.JournalEntry {
	t.Helper()
	entry, err := heal.NewEntry(caseID, seq, testTime.Add(time.Duration(seq)*time.Second), kind, payload)
	if err != nil {
		t.Fatalf("NewEntry() failed: %v", err)
	}
	return entry
}

// mustJSON marshals v or fails the test.
func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %T: %v", v, err)
	}
	return raw
}

// transitionEntry builds a StateTransition entry.
func transitionEntry(t *testing.T, caseID string, seq int64, from, to heal.State, c *heal.Case) heal.JournalEntry {
	t.Helper()
	return mustEntry(t, caseID, seq, heal.KindStateTransition, heal.TransitionPayload{
		From:    from,
		To:      to,
		Attempt: 1,
		Case:    c,
	})
}
