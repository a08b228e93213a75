package harness

import (
	"fmt"

	"github.com/roach88/mend/internal/heal"
)

// Result is the outcome of one scenario run.
type Result struct {
	// Scenario is the scenario name.
	Scenario string

	// Pass is true while no assertion has failed.
	Pass bool

	// CaseID is the case admitted (or matched) for the scenario event.
	CaseID string

	// Case is the terminal projection replayed from the journal.
	Case *heal.Case

	// Deduplicated counts admissions suppressed as duplicates.
	Deduplicated int

	// Cases counts registered cases, archived included.
	Cases int

	// Events is every emitted event type in order, activity noise
	// included.
	Events []heal.EventType

	// Entries is the full journal for the case.
	Entries []heal.JournalEntry

	// Calls counts live invocations per collaborator activity name.
	Calls map[string]int

	// Errors holds assertion failure messages.
	Errors []string
}

// NewResult returns a passing result for the named scenario.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Calls:    make(map[string]int),
	}
}

// AddError records an assertion failure and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// LifecycleEvents returns the emitted event types with per-attempt
// activity events filtered out.
func (r *Result) LifecycleEvents() []heal.EventType {
	var out []heal.EventType
	for _, typ := range r.Events {
		if typ == heal.EventActivityAttempt || typ == heal.EventActivityResult {
			continue
		}
		out = append(out, typ)
	}
	return out
}
