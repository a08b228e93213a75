package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validScenario = `
name: sample
description: a valid scenario
event:
  repository: octo/widgets
  run_id: 42
  head_sha: abc123
assertions:
  - type: final_state
    state: DONE
`

func TestLoadScenarioValid(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, validScenario))
	require.NoError(t, err)
	assert.Equal(t, "sample", s.Name)
	assert.Equal(t, int64(42), s.Event.RunID)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertFinalState, s.Assertions[0].Type)
}

func TestLoadScenarioRejectsUnknownField(t *testing.T) {
	body := validScenario + "unexpected: true\n"
	_, err := LoadScenario(writeScenario(t, body))
	assert.Error(t, err)
}

func TestLoadScenarioRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"no name": `
description: d
event: {repository: r, run_id: 1, head_sha: s}
assertions: [{type: final_state, state: DONE}]
`,
		"no description": `
name: n
event: {repository: r, run_id: 1, head_sha: s}
assertions: [{type: final_state, state: DONE}]
`,
		"no repository": `
name: n
description: d
event: {run_id: 1, head_sha: s}
assertions: [{type: final_state, state: DONE}]
`,
		"no run id": `
name: n
description: d
event: {repository: r, head_sha: s}
assertions: [{type: final_state, state: DONE}]
`,
		"no head sha": `
name: n
description: d
event: {repository: r, run_id: 1}
assertions: [{type: final_state, state: DONE}]
`,
		"no assertions": `
name: n
description: d
event: {repository: r, run_id: 1, head_sha: s}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadScenarioRejectsBadInterruptPhase(t *testing.T) {
	body := `
name: n
description: d
event: {repository: r, run_id: 1, head_sha: s}
interrupt: {phase: MERGE}
assertions: [{type: final_state, state: DONE}]
`
	_, err := LoadScenario(writeScenario(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupt.phase")
}

func TestLoadScenarioRejectsIncompleteScriptSteps(t *testing.T) {
	body := `
name: n
description: d
event: {repository: r, run_id: 1, head_sha: s}
collaborators:
  diagnoser:
    - confidence: 0.9
assertions: [{type: final_state, state: DONE}]
`
	_, err := LoadScenario(writeScenario(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root_cause or error")
}

func TestLoadScenarioValidatesAssertions(t *testing.T) {
	cases := map[string]string{
		"unknown type":          `[{type: bogus}]`,
		"final_state no state":  `[{type: final_state}]`,
		"event_order no events": `[{type: event_order}]`,
		"event_count no event":  `[{type: event_count, count: 1}]`,
		"attempt no phase":      `[{type: attempt_count, count: 1}]`,
		"calls no activity":     `[{type: activity_calls, count: 1}]`,
	}
	for name, assertions := range cases {
		t.Run(name, func(t *testing.T) {
			body := `
name: n
description: d
event: {repository: r, run_id: 1, head_sha: s}
assertions: ` + assertions + "\n"
			_, err := LoadScenario(writeScenario(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadDirSortsByFilename(t *testing.T) {
	dir := t.TempDir()
	second := `
name: second
description: d
event: {repository: r, run_id: 2, head_sha: s}
assertions: [{type: final_state, state: DONE}]
`
	first := `
name: first
description: d
event: {repository: r, run_id: 1, head_sha: s}
assertions: [{type: final_state, state: DONE}]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_second.yaml"), []byte(second), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_first.yaml"), []byte(first), 0o600))

	scenarios, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "first", scenarios[0].Name)
	assert.Equal(t, "second", scenarios[1].Name)
}
