// Package report builds the failure report handed to the diagnoser.
//
// Assembly order is fixed: fetch raw artifacts from the source-forge
// adapter, redact secrets, then truncate to the token budget. Raw artifact
// content never leaves this package unredacted.
package report

import (
	"context"
	"fmt"

	"github.com/roach88/mend/internal/heal"
)

// Artifacts is the raw material for one failure report, as delivered by
// the source-forge adapter. Content is unredacted and untrusted.
type Artifacts struct {
	FailureMessage string            `json:"failure_message"`
	ErrorLogs      string            `json:"error_logs"`
	TestLogs       string            `json:"test_logs"`
	Diff           string            `json:"diff"`
	FailedTests    []string          `json:"failed_tests"`
	Environment    map[string]string `json:"environment"`
}

// ArtifactSource fetches failure artifacts for a case. Implemented by the
// source-forge adapter; tests substitute a fixture source.
type ArtifactSource interface {
	Fetch(ctx context.Context, c *heal.Case) (*Artifacts, error)
}

// Assembler builds redacted, budgeted failure reports.
type Assembler struct {
	source      ArtifactSource
	redactor    *Redactor
	tokenBudget int
}

// NewAssembler creates an assembler with the given artifact source,
// redactor, and diagnoser token budget.
func NewAssembler(source ArtifactSource, redactor *Redactor, tokenBudget int) *Assembler {
	return &Assembler{source: source, redactor: redactor, tokenBudget: tokenBudget}
}

// Assemble fetches, redacts, and truncates the failure report for c.
// prior carries feedback-edge context (compilation errors, test failures)
// from earlier phases; its messages are redacted here as well.
func (a *Assembler) Assemble(ctx context.Context, c *heal.Case, prior []heal.PriorAttempt) (*heal.FailureReport, error) {
	artifacts, err := a.source.Fetch(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("assemble report for case %s: %w", c.ID, err)
	}

	report := &heal.FailureReport{
		Repository: c.Repository,
		RunID:      c.RunID,
		HeadSHA:    c.HeadSHA,
		Branch:     c.Branch,
		Workflow:   c.Workflow,
	}

	total := 0
	report.FailureMessage, total = a.redactCounting(artifacts.FailureMessage, total)
	report.ErrorLogs, total = a.redactCounting(artifacts.ErrorLogs, total)
	report.TestLogs, total = a.redactCounting(artifacts.TestLogs, total)
	report.Diff, total = a.redactCounting(artifacts.Diff, total)

	report.FailedTests = make([]string, 0, len(artifacts.FailedTests))
	for _, name := range artifacts.FailedTests {
		redacted, n := a.redactor.Redact(name)
		total += n
		report.FailedTests = append(report.FailedTests, redacted)
	}
	if len(report.FailedTests) == 0 {
		report.FailedTests = nil
	}

	env, n := a.redactor.RedactMap(artifacts.Environment)
	total += n
	report.Environment = env

	report.PreviousAttempts = make([]heal.PriorAttempt, 0, len(prior))
	for _, p := range prior {
		p.Error, n = a.redactor.Redact(p.Error)
		total += n
		report.PreviousAttempts = append(report.PreviousAttempts, p)
	}
	if len(report.PreviousAttempts) == 0 {
		report.PreviousAttempts = nil
	}

	report.RedactionCount = total

	truncate(report, a.tokenBudget)
	return report, nil
}

func (a *Assembler) redactCounting(text string, total int) (string, int) {
	redacted, n := a.redactor.Redact(text)
	return redacted, total + n
}
