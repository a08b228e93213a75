package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusListsCases(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	caseID := seedSealedCase(t, dbPath)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--config", cfgPath, "--format", "json"})
	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result StatusResult
	require.NoError(t, json.Unmarshal(data, &result))

	require.Len(t, result.Cases, 1)
	row := result.Cases[0]
	assert.Equal(t, caseID, row.CaseID)
	assert.Equal(t, "octo/widgets", row.Repository)
	assert.Equal(t, "FAILED", row.State)
	assert.Equal(t, "TIMEOUT", row.FailReason)
	assert.Equal(t, 1, row.Attempts)
	assert.NotEmpty(t, row.SealedAt)
	assert.False(t, row.Archived)
}

func TestStatusEmptyJournal(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--config", cfgPath})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "No cases found.")
}

func TestStatusText(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	caseID := seedSealedCase(t, dbPath)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--config", cfgPath})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), caseID)
	assert.Contains(t, out.String(), "FAILED (TIMEOUT)")
}
