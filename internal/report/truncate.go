package report

import (
	"strings"

	"github.com/roach88/mend/internal/heal"
)

const truncationMarker = "\n[truncated]"

// estimateTokens approximates the token count of text as len/4.
func estimateTokens(text string) int {
	return len(text) / 4
}

// truncate cuts report content down to the token budget. Fields are
// budgeted in priority order (failure message, error logs, test logs, diff,
// failed tests); each field in turn receives an equal share of the budget
// still unspent, and unused share flows to the fields after it.
func truncate(report *heal.FailureReport, tokenBudget int) {
	fields := []struct {
		get func() string
		set func(string)
	}{
		{func() string { return report.FailureMessage }, func(s string) { report.FailureMessage = s }},
		{func() string { return report.ErrorLogs }, func(s string) { report.ErrorLogs = s }},
		{func() string { return report.TestLogs }, func(s string) { report.TestLogs = s }},
		{func() string { return report.Diff }, func(s string) { report.Diff = s }},
		{func() string { return strings.Join(report.FailedTests, "\n") }, func(s string) {
			if s == "" {
				report.FailedTests = nil
				return
			}
			report.FailedTests = strings.Split(s, "\n")
		}},
	}

	total := 0
	for _, f := range fields {
		total += estimateTokens(f.get())
	}
	if total <= tokenBudget {
		return
	}

	remaining := tokenBudget
	for i, f := range fields {
		share := remaining / (len(fields) - i)
		text := f.get()
		used := estimateTokens(text)
		if used > share {
			f.set(cut(text, share))
			report.Truncated = true
			used = share
		}
		remaining -= used
	}
}

// cut shortens text to at most tokens estimated tokens, appending a marker
// when anything was removed. A zero share empties the field.
func cut(text string, tokens int) string {
	maxBytes := tokens * 4
	if maxBytes <= 0 {
		return ""
	}
	if len(text) <= maxBytes {
		return text
	}
	if maxBytes <= len(truncationMarker) {
		return text[:maxBytes]
	}
	return text[:maxBytes-len(truncationMarker)] + truncationMarker
}
