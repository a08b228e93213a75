package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayVerifiesSeededCase(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	caseID := seedSealedCase(t, dbPath)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", caseID, "--config", cfgPath, "--format", "json"})
	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result ReplayResult
	require.NoError(t, json.Unmarshal(data, &result))

	assert.True(t, result.AllDeterministic)
	require.Len(t, result.Cases, 1)
	c := result.Cases[0]
	assert.Equal(t, caseID, c.CaseID)
	assert.Equal(t, "FAILED", c.State)
	assert.Equal(t, "TIMEOUT", c.FailReason)
	assert.Equal(t, 5, c.Entries)
	assert.True(t, c.Sealed)
	assert.True(t, c.Deterministic)
}

func TestReplayAllCases(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedSealedCase(t, dbPath)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", "--config", cfgPath})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Replay Summary: 1 case(s)")
	assert.Contains(t, out.String(), "All case replays verified deterministic")
}

func TestReplayUnknownCase(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedSealedCase(t, dbPath)

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", "no-such-case", "--config", cfgPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplayEmptyJournal(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", "--config", cfgPath})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "No cases found.")
}
