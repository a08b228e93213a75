package heal

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryKind discriminates journal entry payloads.
type EntryKind string

const (
	KindStateTransition EntryKind = "StateTransition"
	KindActivityAttempt EntryKind = "ActivityAttempt"
	KindActivityResult  EntryKind = "ActivityResult"
	KindEmitted         EntryKind = "Emitted"
	KindError           EntryKind = "Error"
)

var validKinds = map[EntryKind]bool{
	KindStateTransition: true,
	KindActivityAttempt: true,
	KindActivityResult:  true,
	KindEmitted:         true,
	KindError:           true,
}

// ParseEntryKind validates an entry kind read from storage.
func ParseEntryKind(s string) (EntryKind, error) {
	k := EntryKind(s)
	if !validKinds[k] {
		return "", fmt.Errorf("unknown entry kind %q", s)
	}
	return k, nil
}

// JournalEntry is one append-only record in a case's journal. Entries are
// write-once; Seq increases by exactly one per append within a case.
type JournalEntry struct {
	CaseID    string          `json:"case_id"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      EntryKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// TransitionPayload is the payload of a StateTransition entry.
// From must match the projection's state at append time.
type TransitionPayload struct {
	From    State      `json:"from"`
	To      State      `json:"to"`
	Reason  FailReason `json:"reason,omitempty"`
	Attempt int        `json:"attempt,omitempty"`
	Case    *Case      `json:"case,omitempty"`
}

// AttemptPayload is the payload of an ActivityAttempt entry. One is written
// before every collaborator call; an attempt with no matching result marks
// an in-flight call interrupted by a crash.
type AttemptPayload struct {
	Phase         State  `json:"phase"`
	Activity      string `json:"activity"`
	Attempt       int    `json:"attempt"`
	CorrelationID string `json:"correlation_id"`
}

// ResultPayload is the payload of an ActivityResult entry. Exactly one of
// Result or Error fields is populated.
type ResultPayload struct {
	Phase         State           `json:"phase"`
	Activity      string          `json:"activity"`
	Attempt       int             `json:"attempt"`
	CorrelationID string          `json:"correlation_id"`
	OK            bool            `json:"ok"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorCode     Code            `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
}

// EmittedPayload records that a lifecycle event was handed to the sink.
type EmittedPayload struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
}

// ErrorPayload records an engine-level error on the case. Message must
// already be redacted; stack traces are never journaled.
type ErrorPayload struct {
	Code    Code   `json:"code"`
	Phase   State  `json:"phase,omitempty"`
	Message string `json:"message"`
}

// NewEntry builds a journal entry with a marshaled payload.
func NewEntry(caseID string, seq int64, ts time.Time, kind EntryKind, payload any) (JournalEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return JournalEntry{
		CaseID:    caseID,
		Seq:       seq,
		Timestamp: ts.UTC(),
		Kind:      kind,
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the entry payload into out, checking the kind.
func (e JournalEntry) DecodePayload(kind EntryKind, out any) error {
	if e.Kind != kind {
		return fmt.Errorf("entry %s/%d is %s, not %s", e.CaseID, e.Seq, e.Kind, kind)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", e.Kind, e.Seq, err)
	}
	return nil
}
