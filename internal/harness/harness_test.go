package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mend/internal/heal"
)

// TestScenarios runs every declared scenario, checks its assertions, and
// pins the journal trace against its golden file.
func TestScenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := Run(scenario)
			require.NoError(t, err)

			for _, msg := range result.Errors {
				t.Error(msg)
			}
			require.True(t, result.Pass)

			AssertGolden(t, result)
		})
	}
}

func runNamed(t *testing.T, name string) *Result {
	t.Helper()
	scenario, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
	require.NoError(t, err)
	result, err := Run(scenario)
	require.NoError(t, err)
	return result
}

func TestCrashResumeReusesCorrelationKey(t *testing.T) {
	result := runNamed(t, "crash_resume")

	var attempts []heal.AttemptPayload
	for _, entry := range result.Entries {
		if entry.Kind != heal.KindActivityAttempt {
			continue
		}
		var p heal.AttemptPayload
		require.NoError(t, entry.DecodePayload(heal.KindActivityAttempt, &p))
		attempts = append(attempts, p)
	}

	var patcher []heal.AttemptPayload
	for _, a := range attempts {
		if a.Activity == heal.ActivityPatcher {
			patcher = append(patcher, a)
		}
	}
	require.Len(t, patcher, 1)
	assert.Equal(t, result.CaseID+"/PATCH/1", patcher[0].CorrelationID)

	var results int
	for _, entry := range result.Entries {
		if entry.Kind != heal.KindActivityResult {
			continue
		}
		var p heal.ResultPayload
		require.NoError(t, entry.DecodePayload(heal.KindActivityResult, &p))
		if p.Activity == heal.ActivityPatcher {
			assert.Equal(t, patcher[0].CorrelationID, p.CorrelationID)
			results++
		}
	}
	assert.Equal(t, 1, results)
}

func TestDuplicateAdmissionSharesOneJournal(t *testing.T) {
	result := runNamed(t, "duplicate_admission")

	assert.Equal(t, 1, result.Deduplicated)
	assert.Equal(t, 1, result.Cases)
	assert.Equal(t, heal.StateDone, result.Case.State)
}

func TestFlakyPromotionRecordsStickyFlag(t *testing.T) {
	result := runNamed(t, "flaky_promotion")

	assert.True(t, result.Case.FlakyObserved)
	require.NotNil(t, result.Case.TestOutcome)
	assert.Equal(t, heal.VerdictFlaky, result.Case.TestOutcome.Verdict)
}
