package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/journal"
)

var seedBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// writeConfig writes a minimal config pointing the journal at a temp file
// and returns both paths.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	cfgPath := filepath.Join(dir, "mend.yaml")
	cfg := fmt.Sprintf("journal:\n  path: %s\n", dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, dbPath
}

// seedSealedCase journals one complete case: admitted, diagnosed, then
// sealed FAILED(TIMEOUT). Returns the case id.
func seedSealedCase(t *testing.T, dbPath string) string {
	t.Helper()
	ctx := context.Background()

	store, err := journal.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	caseID, err := heal.CaseID("octo/widgets", 42, "abc123")
	require.NoError(t, err)

	c := &heal.Case{
		ID:               caseID,
		Repository:       "octo/widgets",
		RunID:            42,
		HeadSHA:          "abc123",
		Branch:           "main",
		Workflow:         "ci",
		State:            heal.StateNew,
		StartedAt:        seedBase,
		LastTransitionAt: seedBase,
		Deadline:         seedBase.Add(20 * time.Minute),
	}
	require.NoError(t, store.RegisterCase(ctx, c))

	diagnosis, err := json.Marshal(heal.Diagnosis{
		RootCause:   heal.CauseAPIChange,
		Confidence:  0.9,
		Explanation: "upstream renamed the cursor type",
	})
	require.NoError(t, err)

	for _, e := range []struct {
		seq     int64
		kind    heal.EntryKind
		payload any
	}{
		{1, heal.KindStateTransition, heal.TransitionPayload{To: heal.StateNew, Case: c}},
		{2, heal.KindStateTransition, heal.TransitionPayload{From: heal.StateNew, To: heal.StateDiagnose, Attempt: 1}},
		{3, heal.KindActivityAttempt, heal.AttemptPayload{
			Phase: heal.StateDiagnose, Activity: heal.ActivityDiagnoser, Attempt: 1,
			CorrelationID: fmt.Sprintf("%s/%s/%d", caseID, heal.StateDiagnose, 1),
		}},
		{4, heal.KindActivityResult, heal.ResultPayload{
			Phase: heal.StateDiagnose, Activity: heal.ActivityDiagnoser, Attempt: 1,
			CorrelationID: fmt.Sprintf("%s/%s/%d", caseID, heal.StateDiagnose, 1),
			OK:            true, Result: diagnosis, DurationMs: 5,
		}},
		{5, heal.KindStateTransition, heal.TransitionPayload{
			From: heal.StateDiagnose, To: heal.StateFailed, Reason: heal.ReasonTimeout,
		}},
	} {
		ts := seedBase.Add(time.Duration(e.seq-1) * time.Second)
		entry, err := heal.NewEntry(caseID, e.seq, ts, e.kind, e.payload)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, entry))
	}

	return caseID
}
