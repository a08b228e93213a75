package heal

import (
	"encoding/json"
	"time"
)

// EventType enumerates lifecycle events handed to the sink.
type EventType string

const (
	EventStateNew        EventType = "state.new"
	EventStateDiagnose   EventType = "state.diagnose"
	EventStatePatch      EventType = "state.patch"
	EventStateTest       EventType = "state.test"
	EventStateProve      EventType = "state.prove"
	EventStateMerge      EventType = "state.merge"
	EventStateDone       EventType = "state.done"
	EventStateFailed     EventType = "state.failed"
	EventActivityAttempt EventType = "activity.attempt"
	EventActivityResult  EventType = "activity.result"
	EventDedupHit        EventType = "dedup.hit"
)

// stateEvents maps an entered state to its lifecycle event type.
var stateEvents = map[State]EventType{
	StateNew:      EventStateNew,
	StateDiagnose: EventStateDiagnose,
	StatePatch:    EventStatePatch,
	StateTest:     EventStateTest,
	StateProve:    EventStateProve,
	StateMerge:    EventStateMerge,
	StateDone:     EventStateDone,
	StateFailed:   EventStateFailed,
}

// EventForState returns the lifecycle event type emitted on entering s.
func EventForState(s State) (EventType, bool) {
	et, ok := stateEvents[s]
	return et, ok
}

// Event is one typed lifecycle record published to the sink. Delivery is
// at-least-once and best-effort; sink failures never affect the engine.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	CaseID     string          `json:"case_id"`
	Repository string          `json:"repository"`
	RunID      int64           `json:"run_id"`
	HeadSHA    string          `json:"head_sha"`
	State      State           `json:"state,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}
