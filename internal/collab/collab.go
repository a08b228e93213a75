// Package collab defines the contracts with the four external analyzers
// and the merger, plus HTTP clients and scripted fakes.
//
// The engine defines strict typed records at these boundaries; loosely
// shaped responses are rejected with INVALID_INPUT rather than
// pattern-matched inside business logic.
package collab

import (
	"context"

	"github.com/roach88/mend/internal/heal"
)

// Correlation is the idempotency key forwarded with every call so a
// collaborator can deduplicate the crash-recovery re-invocation of an
// attempt whose result was never journaled.
type Correlation struct {
	CaseID  string     `json:"case_id"`
	Phase   heal.State `json:"phase"`
	Attempt int        `json:"attempt"`
}

// DiagnoseRequest asks the diagnoser for a root cause and optional patch.
type DiagnoseRequest struct {
	Correlation   Correlation         `json:"correlation"`
	FailureReport heal.FailureReport  `json:"failure_report"`
	PriorAttempts []heal.PriorAttempt `json:"prior_attempts,omitempty"`
}

// DiagnoseResponse is the diagnoser's verdict.
type DiagnoseResponse struct {
	RootCause           string   `json:"root_cause"`
	Confidence          float64  `json:"confidence"`
	Patch               string   `json:"patch,omitempty"`
	Explanation         string   `json:"explanation"`
	SuggestedActions    []string `json:"suggested_actions,omitempty"`
	EstimatedFixMinutes int      `json:"estimated_fix_minutes,omitempty"`
}

// Diagnosis validates the response into the engine's typed record.
func (r *DiagnoseResponse) Diagnosis() (*heal.Diagnosis, error) {
	cause, err := heal.ParseRootCause(r.RootCause)
	if err != nil {
		return nil, heal.WrapError(heal.CodeInvalidInput, err, "diagnoser returned malformed root cause")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return nil, heal.NewError(heal.CodeInvalidInput, "diagnoser confidence %g outside [0,1]", r.Confidence)
	}
	return &heal.Diagnosis{
		RootCause:           cause,
		Confidence:          r.Confidence,
		Patch:               r.Patch,
		Explanation:         r.Explanation,
		SuggestedActions:    r.SuggestedActions,
		EstimatedFixMinutes: r.EstimatedFixMinutes,
	}, nil
}

// PatchRequest asks the patcher to apply a unified diff.
type PatchRequest struct {
	Correlation Correlation    `json:"correlation"`
	Repository  string         `json:"repository"`
	HeadSHA     string         `json:"head_sha"`
	Branch      string         `json:"branch"`
	Patch       string         `json:"patch"`
	RootCause   heal.RootCause `json:"root_cause"`
}

// PatchResponse is the patcher's outcome. A populated CompilationErrors
// slice means the patch applied but did not compile; the client surfaces
// that as a COMPILATION_FAILED error, which drives the re-diagnose edge.
type PatchResponse struct {
	PatchRef          string   `json:"patch_ref,omitempty"`
	FilesChanged      []string `json:"files_changed,omitempty"`
	CompilationErrors []string `json:"compilation_errors,omitempty"`
}

// TestRequest asks the sandbox runner to execute the suite.
type TestRequest struct {
	Correlation Correlation `json:"correlation"`
	Repository  string      `json:"repository"`
	HeadSHA     string      `json:"head_sha"`
	PatchRef    string      `json:"patch_ref,omitempty"`
	Suite       string      `json:"suite,omitempty"`
	Seed        int64       `json:"seed,omitempty"`
	Runs        int         `json:"runs"`
	TimeoutMs   int64       `json:"timeout_ms"`
}

// TestResponse is the runner's aggregated verdict over its repetitions.
type TestResponse struct {
	Verdict        string              `json:"verdict"`
	FlakinessScore float64             `json:"flakiness_score"`
	RetryOutcomes  []heal.RetryOutcome `json:"retry_outcomes,omitempty"`
	Trace          string              `json:"trace,omitempty"`
}

// Outcome validates the response into the engine's typed record. The Flaky
// field stays unset here; the engine applies the flaky threshold.
func (r *TestResponse) Outcome() (*heal.TestOutcome, error) {
	switch heal.Verdict(r.Verdict) {
	case heal.VerdictPass, heal.VerdictFail, heal.VerdictFlaky:
	default:
		return nil, heal.NewError(heal.CodeInvalidInput, "test runner returned malformed verdict %q", r.Verdict)
	}
	if r.FlakinessScore < 0 || r.FlakinessScore > 1 {
		return nil, heal.NewError(heal.CodeInvalidInput, "test runner flakiness score %g outside [0,1]", r.FlakinessScore)
	}
	return &heal.TestOutcome{
		Verdict:        heal.Verdict(r.Verdict),
		FlakinessScore: r.FlakinessScore,
		RetryOutcomes:  r.RetryOutcomes,
		Trace:          r.Trace,
	}, nil
}

// ProveRequest asks the prover to discharge the invariants applicable to
// the changed surface.
type ProveRequest struct {
	Correlation        Correlation      `json:"correlation"`
	Repository         string           `json:"repository"`
	HeadSHA            string           `json:"head_sha"`
	Invariants         []heal.Invariant `json:"invariants"`
	PerTheoremBudgetMs int64            `json:"per_theorem_budget_ms"`
}

// ProveResponse carries per-theorem verdicts and their summary.
type ProveResponse struct {
	Theorems []heal.TheoremResult `json:"theorems"`
	Summary  heal.ProofSummary    `json:"summary"`
}

// MergeRequest asks the merger to open and merge the patch-branch PR.
type MergeRequest struct {
	Correlation  Correlation    `json:"correlation"`
	Repository   string         `json:"repository"`
	BaseBranch   string         `json:"base_branch"`
	PatchRef     string         `json:"patch_ref"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	RootCause    heal.RootCause `json:"root_cause"`
	ProofVerdict string         `json:"proof_verdict"`
}

// MergeResponse is the merger's outcome. Merged=false with a Reason means
// the merge was blocked by conflict or policy.
type MergeResponse struct {
	Merged   bool   `json:"merged"`
	MergeSHA string `json:"merge_sha,omitempty"`
	PRNumber int64  `json:"pr_number,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Diagnoser is the LLM-backed failure analyzer.
type Diagnoser interface {
	Diagnose(ctx context.Context, req DiagnoseRequest) (*DiagnoseResponse, error)
}

// Patcher applies generated patches.
type Patcher interface {
	ApplyPatch(ctx context.Context, req PatchRequest) (*PatchResponse, error)
}

// TestRunner executes the suite in the deterministic sandbox.
type TestRunner interface {
	RunTests(ctx context.Context, req TestRequest) (*TestResponse, error)
}

// Prover discharges critical invariants with the theorem prover.
type Prover interface {
	Prove(ctx context.Context, req ProveRequest) (*ProveResponse, error)
}

// Merger opens and merges the fix PR on the source forge.
type Merger interface {
	Merge(ctx context.Context, req MergeRequest) (*MergeResponse, error)
}

// Set bundles one of each collaborator for the dispatcher.
type Set struct {
	Diagnoser  Diagnoser
	Patcher    Patcher
	TestRunner TestRunner
	Prover     Prover
	Merger     Merger
}
