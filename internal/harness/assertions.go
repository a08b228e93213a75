package harness

import (
	"github.com/roach88/mend/internal/heal"
)

// EvaluateAssertions checks every assertion against the run outcome,
// recording each mismatch on the result.
func EvaluateAssertions(result *Result, assertions []Assertion) {
	for i, a := range assertions {
		evaluateAssertion(result, i, &a)
	}
}

func evaluateAssertion(result *Result, index int, a *Assertion) {
	switch a.Type {
	case AssertFinalState:
		if result.Case == nil {
			result.AddError("assertions[%d] final_state: no terminal case loaded", index)
			return
		}
		if got := string(result.Case.State); got != a.State {
			result.AddError("assertions[%d] final_state: state = %s, want %s", index, got, a.State)
		}
		if a.FailReason != "" {
			if got := string(result.Case.FailReason); got != a.FailReason {
				result.AddError("assertions[%d] final_state: fail_reason = %q, want %q", index, got, a.FailReason)
			}
		}

	case AssertEventOrder:
		got := result.LifecycleEvents()
		if !eventsEqual(got, a.Events) {
			result.AddError("assertions[%d] event_order: got %v, want %v", index, got, a.Events)
		}

	case AssertEventCount:
		count := 0
		for _, typ := range result.Events {
			if string(typ) == a.Event {
				count++
			}
		}
		if count != a.Count {
			result.AddError("assertions[%d] event_count: %s emitted %d times, want %d", index, a.Event, count, a.Count)
		}

	case AssertEventsAbsent:
		for _, banned := range a.Events {
			for _, typ := range result.Events {
				if string(typ) == banned {
					result.AddError("assertions[%d] events_absent: %s was emitted", index, banned)
					break
				}
			}
		}

	case AssertAttemptCount:
		if result.Case == nil {
			result.AddError("assertions[%d] attempt_count: no terminal case loaded", index)
			return
		}
		if got := result.Case.Attempt(heal.State(a.Phase)); got != a.Count {
			result.AddError("assertions[%d] attempt_count: phase %s entered %d times, want %d", index, a.Phase, got, a.Count)
		}

	case AssertActivityCalls:
		if got := result.Calls[a.Activity]; got != a.Count {
			result.AddError("assertions[%d] activity_calls: %s called %d times, want %d", index, a.Activity, got, a.Count)
		}

	case AssertJournalAttempts:
		count := 0
		for _, entry := range result.Entries {
			if entry.Kind != heal.KindActivityAttempt {
				continue
			}
			var payload heal.AttemptPayload
			if err := entry.DecodePayload(heal.KindActivityAttempt, &payload); err != nil {
				result.AddError("assertions[%d] journal_attempts: %v", index, err)
				return
			}
			if payload.Activity == a.Activity {
				count++
			}
		}
		if count != a.Count {
			result.AddError("assertions[%d] journal_attempts: %s journaled %d attempts, want %d", index, a.Activity, count, a.Count)
		}

	case AssertFlakyObserved:
		if result.Case == nil {
			result.AddError("assertions[%d] flaky_observed: no terminal case loaded", index)
			return
		}
		if result.Case.FlakyObserved != a.Value {
			result.AddError("assertions[%d] flaky_observed: got %v, want %v", index, result.Case.FlakyObserved, a.Value)
		}

	case AssertCaseCount:
		if result.Cases != a.Count {
			result.AddError("assertions[%d] case_count: %d cases registered, want %d", index, result.Cases, a.Count)
		}

	default:
		result.AddError("assertions[%d]: unknown type %q", index, a.Type)
	}
}

func eventsEqual(got []heal.EventType, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i, typ := range got {
		if string(typ) != want[i] {
			return false
		}
	}
	return true
}
