package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mend/internal/heal"
)

func fabricatedResult(t *testing.T) *Result {
	t.Helper()
	result := NewResult("fabricated")
	result.CaseID = "case-1"
	result.Case = &heal.Case{
		ID:         "case-1",
		State:      heal.StateFailed,
		FailReason: heal.ReasonTestFailed,
		Attempts: map[heal.State]int{
			heal.StateDiagnose: 2,
			heal.StatePatch:    2,
			heal.StateTest:     2,
		},
		FlakyObserved: true,
	}
	result.Cases = 1
	result.Events = []heal.EventType{
		heal.EventStateNew,
		heal.EventStateDiagnose,
		heal.EventActivityAttempt,
		heal.EventActivityResult,
		heal.EventStateFailed,
	}
	result.Calls = map[string]int{
		heal.ActivityDiagnoser: 2,
		heal.ActivityPatcher:   1,
	}

	entry, err := heal.NewEntry("case-1", 3, time.Unix(0, 0), heal.KindActivityAttempt, heal.AttemptPayload{
		Phase:         heal.StateDiagnose,
		Activity:      heal.ActivityDiagnoser,
		Attempt:       1,
		CorrelationID: "case-1/DIAGNOSE/1",
	})
	require.NoError(t, err)
	result.Entries = []heal.JournalEntry{entry}
	return result
}

func TestEvaluateAssertionsAllPass(t *testing.T) {
	result := fabricatedResult(t)
	EvaluateAssertions(result, []Assertion{
		{Type: AssertFinalState, State: "FAILED", FailReason: "TEST_FAILED"},
		{Type: AssertEventOrder, Events: []string{"state.new", "state.diagnose", "state.failed"}},
		{Type: AssertEventCount, Event: "activity.attempt", Count: 1},
		{Type: AssertEventsAbsent, Events: []string{"state.done"}},
		{Type: AssertAttemptCount, Phase: "TEST", Count: 2},
		{Type: AssertActivityCalls, Activity: heal.ActivityDiagnoser, Count: 2},
		{Type: AssertJournalAttempts, Activity: heal.ActivityDiagnoser, Count: 1},
		{Type: AssertFlakyObserved, Value: true},
		{Type: AssertCaseCount, Count: 1},
	})
	assert.True(t, result.Pass)
	assert.Empty(t, result.Errors)
}

func TestEvaluateAssertionsEachFailure(t *testing.T) {
	cases := map[string]Assertion{
		"wrong state":       {Type: AssertFinalState, State: "DONE"},
		"wrong fail reason": {Type: AssertFinalState, State: "FAILED", FailReason: "TIMEOUT"},
		"wrong order":       {Type: AssertEventOrder, Events: []string{"state.new"}},
		"wrong count":       {Type: AssertEventCount, Event: "state.new", Count: 2},
		"present event":     {Type: AssertEventsAbsent, Events: []string{"state.failed"}},
		"wrong attempts":    {Type: AssertAttemptCount, Phase: "PATCH", Count: 3},
		"wrong calls":       {Type: AssertActivityCalls, Activity: heal.ActivityPatcher, Count: 2},
		"wrong journal":     {Type: AssertJournalAttempts, Activity: heal.ActivityPatcher, Count: 1},
		"wrong flaky":       {Type: AssertFlakyObserved, Value: false},
		"wrong case count":  {Type: AssertCaseCount, Count: 2},
		"unknown type":      {Type: "bogus"},
	}
	for name, a := range cases {
		t.Run(name, func(t *testing.T) {
			result := fabricatedResult(t)
			EvaluateAssertions(result, []Assertion{a})
			assert.False(t, result.Pass)
			assert.NotEmpty(t, result.Errors)
		})
	}
}

func TestLifecycleEventsFiltersActivityNoise(t *testing.T) {
	result := fabricatedResult(t)
	assert.Equal(t, []heal.EventType{
		heal.EventStateNew,
		heal.EventStateDiagnose,
		heal.EventStateFailed,
	}, result.LifecycleEvents())
}
