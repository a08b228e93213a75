package heal

import (
	"time"
)

// FailureEvent is the normalized ingress record for one failing CI run.
// Immutable once received.
type FailureEvent struct {
	Repository     string    `json:"repository"`
	RunID          int64     `json:"run_id"`
	HeadSHA        string    `json:"head_sha"`
	Branch         string    `json:"branch"`
	Workflow       string    `json:"workflow"`
	Actor          string    `json:"actor"`
	InstallationID int64     `json:"installation_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Case is the unit of work: one self-healing attempt for one failing run.
// The journal is the source of truth; a Case in memory is a projection
// rebuilt by replay. Mutated only by the single worker holding its lease.
type Case struct {
	ID             string `json:"id"`
	Repository     string `json:"repository"`
	RunID          int64  `json:"run_id"`
	HeadSHA        string `json:"head_sha"`
	Branch         string `json:"branch"`
	Workflow       string `json:"workflow"`
	InstallationID int64  `json:"installation_id"`

	State      State      `json:"state"`
	RootCause  RootCause  `json:"root_cause,omitempty"`
	FailReason FailReason `json:"fail_reason,omitempty"`

	// Attempts counts entries into each phase. Feedback edges increment the
	// re-entered phase; dispatcher-level call retries are tracked separately
	// in ActivityAttempt entries.
	Attempts map[State]int `json:"attempts"`

	Diagnosis     *Diagnosis    `json:"diagnosis,omitempty"`
	PatchRef      string        `json:"patch_ref,omitempty"`
	FilesChanged  []string      `json:"files_changed,omitempty"`
	TestOutcome   *TestOutcome  `json:"test_outcome,omitempty"`
	ProofOutcome  *ProofOutcome `json:"proof_outcome,omitempty"`
	MergeRef      string        `json:"merge_ref,omitempty"`
	PRNumber      int64         `json:"pr_number,omitempty"`
	FlakyObserved bool          `json:"flaky_observed,omitempty"`

	StartedAt        time.Time `json:"started_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	Deadline         time.Time `json:"deadline"`
	SealedAt         time.Time `json:"sealed_at,omitzero"`
	ArchivedAt       time.Time `json:"archived_at,omitzero"`
}

// Attempt returns the entry count for phase. Zero when never entered.
func (c *Case) Attempt(phase State) int {
	if c.Attempts == nil {
		return 0
	}
	return c.Attempts[phase]
}

// Sealed reports whether the case reached a terminal state and was sealed.
func (c *Case) Sealed() bool {
	return !c.SealedAt.IsZero()
}

// Clone returns a deep copy. Projections handed out of the engine must not
// alias engine-owned state.
func (c *Case) Clone() *Case {
	cp := *c
	if c.Attempts != nil {
		cp.Attempts = make(map[State]int, len(c.Attempts))
		for k, v := range c.Attempts {
			cp.Attempts[k] = v
		}
	}
	if c.Diagnosis != nil {
		d := c.Diagnosis.Clone()
		cp.Diagnosis = d
	}
	if c.TestOutcome != nil {
		t := *c.TestOutcome
		t.RetryOutcomes = append([]RetryOutcome(nil), c.TestOutcome.RetryOutcomes...)
		cp.TestOutcome = &t
	}
	if c.ProofOutcome != nil {
		p := *c.ProofOutcome
		p.Theorems = append([]TheoremResult(nil), c.ProofOutcome.Theorems...)
		p.FailedInvariants = append([]string(nil), c.ProofOutcome.FailedInvariants...)
		cp.ProofOutcome = &p
	}
	cp.FilesChanged = append([]string(nil), c.FilesChanged...)
	return &cp
}

// Diagnosis is the last accepted diagnoser result.
type Diagnosis struct {
	RootCause           RootCause `json:"root_cause"`
	Confidence          float64   `json:"confidence"`
	Patch               string    `json:"patch,omitempty"`
	Explanation         string    `json:"explanation"`
	SuggestedActions    []string  `json:"suggested_actions,omitempty"`
	EstimatedFixMinutes int       `json:"estimated_fix_minutes,omitempty"`
}

// Clone returns a deep copy of the diagnosis.
func (d *Diagnosis) Clone() *Diagnosis {
	cp := *d
	cp.SuggestedActions = append([]string(nil), d.SuggestedActions...)
	return &cp
}

// TestOutcome is the last test-runner result recorded on a case.
type TestOutcome struct {
	Verdict        Verdict        `json:"verdict"`
	FlakinessScore float64        `json:"flakiness_score"`
	RetryOutcomes  []RetryOutcome `json:"retry_outcomes,omitempty"`
	Trace          string         `json:"trace,omitempty"`
	Flaky          bool           `json:"flaky"`
}

// RetryOutcome is one repetition inside a single test-runner invocation.
type RetryOutcome struct {
	Attempt    int    `json:"attempt"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ProofOutcome aggregates per-theorem prover verdicts.
type ProofOutcome struct {
	Pass             bool            `json:"pass"`
	Theorems         []TheoremResult `json:"theorems"`
	Summary          ProofSummary    `json:"summary"`
	FailedInvariants []string        `json:"failed_invariants,omitempty"`
}

// TheoremResult is one invariant's prover verdict.
type TheoremResult struct {
	Name       string         `json:"name"`
	Verdict    TheoremVerdict `json:"verdict"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// ProofSummary counts theorem verdicts by kind.
type ProofSummary struct {
	Total    int `json:"total"`
	Proven   int `json:"proven"`
	Unproven int `json:"unproven"`
	Sorry    int `json:"sorry"`
	Error    int `json:"error"`
}

// Invariant is one declaratively stated property handed to the prover.
type Invariant struct {
	Name        string      `json:"name"`
	Predicate   string      `json:"predicate"`
	Criticality Criticality `json:"criticality"`
	Scope       string      `json:"scope"`
}

// DedupEntry records one admission in the deduplication index.
type DedupEntry struct {
	Key        string    `json:"key"`
	CaseID     string    `json:"case_id"`
	AdmittedAt time.Time `json:"admitted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// FailureReport is the redacted, truncated payload handed to the diagnoser.
// Content fields must pass the redactor before the report is journaled or
// sent anywhere.
type FailureReport struct {
	Repository string `json:"repository"`
	RunID      int64  `json:"run_id"`
	HeadSHA    string `json:"head_sha"`
	Branch     string `json:"branch"`
	Workflow   string `json:"workflow"`

	FailureMessage string            `json:"failure_message"`
	ErrorLogs      string            `json:"error_logs,omitempty"`
	TestLogs       string            `json:"test_logs,omitempty"`
	Diff           string            `json:"diff,omitempty"`
	FailedTests    []string          `json:"failed_tests,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`

	// RedactionCount is the number of secret matches replaced. The matched
	// content is never recorded.
	RedactionCount int `json:"redaction_count"`

	PreviousAttempts []PriorAttempt `json:"previous_attempts,omitempty"`
	Truncated        bool           `json:"truncated,omitempty"`
}

// PriorAttempt carries context from an earlier healing attempt back into
// the diagnoser, including compilation or test errors from feedback edges.
type PriorAttempt struct {
	Attempt    int    `json:"attempt"`
	Phase      State  `json:"phase"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}
