package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mend/internal/heal"
)

func traceFixtureEntries(t *testing.T) []heal.JournalEntry {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	diagnosis, err := json.Marshal(heal.Diagnosis{RootCause: heal.CauseAPIChange, Confidence: 0.9})
	require.NoError(t, err)

	payloads := []struct {
		kind    heal.EntryKind
		payload any
	}{
		{heal.KindStateTransition, heal.TransitionPayload{To: heal.StateNew}},
		{heal.KindStateTransition, heal.TransitionPayload{From: heal.StateNew, To: heal.StateDiagnose, Attempt: 1}},
		{heal.KindActivityAttempt, heal.AttemptPayload{
			Phase: heal.StateDiagnose, Activity: heal.ActivityDiagnoser, Attempt: 1,
			CorrelationID: "case-1/DIAGNOSE/1",
		}},
		{heal.KindActivityResult, heal.ResultPayload{
			Phase: heal.StateDiagnose, Activity: heal.ActivityDiagnoser, Attempt: 1,
			OK: true, Result: diagnosis, DurationMs: 5,
		}},
		{heal.KindStateTransition, heal.TransitionPayload{
			From: heal.StateDiagnose, To: heal.StateFailed, Reason: heal.ReasonTimeout,
		}},
	}

	entries := make([]heal.JournalEntry, 0, len(payloads))
	for i, p := range payloads {
		entry, err := heal.NewEntry("case-1", int64(i+1), base.Add(time.Duration(i)*time.Second), p.kind, p.payload)
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	return entries
}

func TestRenderTraceGolden(t *testing.T) {
	entries := traceFixtureEntries(t)
	result := buildTrace("case-1", entries)

	g := goldie.New(t)
	g.Assert(t, "trace_render", []byte(renderTrace(result)))
}

func TestBuildTraceOffsets(t *testing.T) {
	entries := traceFixtureEntries(t)
	result := buildTrace("case-1", entries)

	require.Len(t, result.Entries, 5)
	assert.Equal(t, int64(0), result.Entries[0].OffsetMs)
	assert.Equal(t, int64(4000), result.Entries[4].OffsetMs)
	assert.Equal(t, "- -> NEW", result.Entries[0].Summary)
	assert.Equal(t, "NEW -> DIAGNOSE attempt=1", result.Entries[1].Summary)
	assert.Equal(t, "diagnoser attempt=1 corr=case-1/DIAGNOSE/1", result.Entries[2].Summary)
	assert.Equal(t, "diagnoser ok attempt=1", result.Entries[3].Summary)
	assert.Equal(t, "DIAGNOSE -> FAILED reason=TIMEOUT", result.Entries[4].Summary)
}

func TestTraceCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	caseID := seedSealedCase(t, dbPath)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"trace", caseID, "--config", cfgPath, "--format", "json"})
	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result TraceResult
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, caseID, result.CaseID)
	require.Len(t, result.Entries, 5)
	assert.Equal(t, "StateTransition", result.Entries[0].Kind)
	assert.Contains(t, result.Entries[2].Summary, fmt.Sprintf("corr=%s/DIAGNOSE/1", caseID))
}

func TestTraceUnknownCase(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedSealedCase(t, dbPath)

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"trace", "no-such-case", "--config", cfgPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
