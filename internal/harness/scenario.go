package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/mend/internal/heal"
)

// Scenario declares one end-to-end healing run: the failure event, the
// scripted collaborator responses, and assertions over the outcome.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Event is the failure event submitted for admission.
	Event EventSpec `yaml:"event"`

	// Admissions is how many times the event is submitted. Defaults to
	// one; two exercises deduplication.
	Admissions int `yaml:"admissions,omitempty"`

	// Config holds engine configuration overrides on top of defaults.
	Config *ConfigSpec `yaml:"config,omitempty"`

	// Invariants is inline CUE source for the proof catalog. Empty means
	// no invariants apply and PROVE passes trivially.
	Invariants string `yaml:"invariants,omitempty"`

	// Interrupt, when set, pre-seeds the journal as if a prior process
	// crashed mid-attempt in the named phase, so the run exercises
	// resume-at-most-once recovery.
	Interrupt *InterruptSpec `yaml:"interrupt,omitempty"`

	// Collaborators scripts each fake collaborator call by call. An
	// exhausted or absent script yields the fake's benign default.
	Collaborators CollaboratorScripts `yaml:"collaborators,omitempty"`

	// Assertions validate the terminal case, events, and journal.
	Assertions []Assertion `yaml:"assertions"`
}

// EventSpec is the scenario's failure event. OccurredAt is always the
// run's current clock reading so staleness never interferes.
type EventSpec struct {
	Repository string `yaml:"repository"`
	RunID      int64  `yaml:"run_id"`
	HeadSHA    string `yaml:"head_sha"`
	Branch     string `yaml:"branch,omitempty"`
	Workflow   string `yaml:"workflow,omitempty"`
}

// ConfigSpec overrides a handful of engine knobs. Unset fields keep
// their defaults.
type ConfigSpec struct {
	MaxRetries        map[string]int `yaml:"max_retries,omitempty"`
	MinConfidence     *float64       `yaml:"min_confidence,omitempty"`
	FlakyThreshold    *float64       `yaml:"flaky_threshold,omitempty"`
	GlobalDeadlineMs  *int64         `yaml:"global_deadline_ms,omitempty"`
	EligibleWorkflows []string       `yaml:"eligible_workflows,omitempty"`
}

// InterruptSpec names the phase whose attempt was journaled without a
// result before the simulated crash.
type InterruptSpec struct {
	Phase string `yaml:"phase"`
}

// CollaboratorScripts holds per-collaborator response scripts, consumed
// one step per call in order.
type CollaboratorScripts struct {
	Diagnoser  []DiagnoseStep `yaml:"diagnoser,omitempty"`
	Patcher    []PatchStep    `yaml:"patcher,omitempty"`
	TestRunner []TestStep     `yaml:"test_runner,omitempty"`
	Prover     []ProveStep    `yaml:"prover,omitempty"`
	Merger     []MergeStep    `yaml:"merger,omitempty"`
}

// DiagnoseStep scripts one diagnoser call. Either a response (root
// cause, confidence, optional patch) or an error code.
type DiagnoseStep struct {
	RootCause   string  `yaml:"root_cause,omitempty"`
	Confidence  float64 `yaml:"confidence,omitempty"`
	Patch       string  `yaml:"patch,omitempty"`
	Explanation string  `yaml:"explanation,omitempty"`
	Error       string  `yaml:"error,omitempty"`
	Message     string  `yaml:"message,omitempty"`
}

// PatchStep scripts one patcher call.
type PatchStep struct {
	PatchRef     string   `yaml:"patch_ref,omitempty"`
	FilesChanged []string `yaml:"files_changed,omitempty"`
	Error        string   `yaml:"error,omitempty"`
	Message      string   `yaml:"message,omitempty"`
}

// TestStep scripts one test-runner call.
type TestStep struct {
	Verdict        string  `yaml:"verdict,omitempty"`
	FlakinessScore float64 `yaml:"flakiness_score,omitempty"`
	Trace          string  `yaml:"trace,omitempty"`
	Error          string  `yaml:"error,omitempty"`
	Message        string  `yaml:"message,omitempty"`
}

// ProveStep scripts one prover call as per-theorem verdict lists.
type ProveStep struct {
	Proven   []string `yaml:"proven,omitempty"`
	Unproven []string `yaml:"unproven,omitempty"`
	Error    string   `yaml:"error,omitempty"`
	Message  string   `yaml:"message,omitempty"`
}

// MergeStep scripts one merger call.
type MergeStep struct {
	Merged   bool   `yaml:"merged,omitempty"`
	MergeSHA string `yaml:"merge_sha,omitempty"`
	PRNumber int64  `yaml:"pr_number,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	Error    string `yaml:"error,omitempty"`
	Message  string `yaml:"message,omitempty"`
}

// Assertion validates one aspect of the run outcome.
type Assertion struct {
	// Type selects the check:
	//   final_state      terminal state and, for FAILED, the reason
	//   event_order      exact non-activity event sequence
	//   event_count      exact occurrence count of one event type
	//   events_absent    event types that must never appear
	//   attempt_count    entries into a phase on the final projection
	//   activity_calls   live invocations of one collaborator fake
	//   journal_attempts ActivityAttempt entries for one activity
	//   flaky_observed   the sticky flakiness flag
	//   case_count       registered cases, archived included
	Type string `yaml:"type"`

	State      string   `yaml:"state,omitempty"`
	FailReason string   `yaml:"fail_reason,omitempty"`
	Events     []string `yaml:"events,omitempty"`
	Event      string   `yaml:"event,omitempty"`
	Phase      string   `yaml:"phase,omitempty"`
	Activity   string   `yaml:"activity,omitempty"`
	Count      int      `yaml:"count,omitempty"`
	Value      bool     `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState      = "final_state"
	AssertEventOrder      = "event_order"
	AssertEventCount      = "event_count"
	AssertEventsAbsent    = "events_absent"
	AssertAttemptCount    = "attempt_count"
	AssertActivityCalls   = "activity_calls"
	AssertJournalAttempts = "journal_attempts"
	AssertFlakyObserved   = "flaky_observed"
	AssertCaseCount       = "case_count"
)

// LoadScenario reads and parses one scenario file. Unknown YAML fields
// are rejected so typos fail loudly instead of silently weakening a
// scenario.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", filepath.Base(path), err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", filepath.Base(path), err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario under dir, sorted by filename.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Event.Repository == "" {
		return fmt.Errorf("event.repository is required")
	}
	if s.Event.RunID <= 0 {
		return fmt.Errorf("event.run_id is required")
	}
	if s.Event.HeadSHA == "" {
		return fmt.Errorf("event.head_sha is required")
	}
	if s.Admissions < 0 {
		return fmt.Errorf("admissions must be non-negative")
	}
	if s.Interrupt != nil {
		switch heal.State(s.Interrupt.Phase) {
		case heal.StateDiagnose, heal.StatePatch:
			// Only phases the runner knows how to pre-seed.
		default:
			return fmt.Errorf("interrupt.phase %q is not supported", s.Interrupt.Phase)
		}
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, step := range s.Collaborators.Diagnoser {
		if step.Error == "" && step.RootCause == "" {
			return fmt.Errorf("collaborators.diagnoser[%d]: root_cause or error is required", i)
		}
	}
	for i, step := range s.Collaborators.TestRunner {
		if step.Error == "" && step.Verdict == "" {
			return fmt.Errorf("collaborators.test_runner[%d]: verdict or error is required", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	switch a.Type {
	case AssertFinalState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for final_state", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertEventsAbsent:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for events_absent", index)
		}
	case AssertAttemptCount:
		if a.Phase == "" {
			return fmt.Errorf("assertions[%d]: phase is required for attempt_count", index)
		}
	case AssertActivityCalls:
		if a.Activity == "" {
			return fmt.Errorf("assertions[%d]: activity is required for activity_calls", index)
		}
	case AssertJournalAttempts:
		if a.Activity == "" {
			return fmt.Errorf("assertions[%d]: activity is required for journal_attempts", index)
		}
	case AssertFlakyObserved, AssertCaseCount:
		// Count and value default sensibly.
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
