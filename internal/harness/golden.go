package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/mend/internal/heal"
)

// RenderTrace flattens the case journal into a stable textual trace.
// Timestamps, durations, and the hashed case ID are elided so the trace
// depends only on the sequence of decisions the engine made.
func RenderTrace(result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", result.Scenario)

	for _, entry := range result.Entries {
		fmt.Fprintf(&b, "%3d  %-16s %s\n", entry.Seq, entry.Kind, entrySummary(result.CaseID, entry))
	}
	return []byte(b.String())
}

func entrySummary(caseID string, entry heal.JournalEntry) string {
	switch entry.Kind {
	case heal.KindStateTransition:
		var p heal.TransitionPayload
		if err := entry.DecodePayload(entry.Kind, &p); err != nil {
			return "<" + err.Error() + ">"
		}
		from := string(p.From)
		if from == "" {
			from = "-"
		}
		s := fmt.Sprintf("%s -> %s", from, p.To)
		if p.Attempt > 0 {
			s += fmt.Sprintf(" attempt=%d", p.Attempt)
		}
		if p.Reason != "" {
			s += fmt.Sprintf(" reason=%s", p.Reason)
		}
		return s

	case heal.KindActivityAttempt:
		var p heal.AttemptPayload
		if err := entry.DecodePayload(entry.Kind, &p); err != nil {
			return "<" + err.Error() + ">"
		}
		corr := strings.ReplaceAll(p.CorrelationID, caseID, "<case>")
		return fmt.Sprintf("%s attempt=%d corr=%s", p.Activity, p.Attempt, corr)

	case heal.KindActivityResult:
		var p heal.ResultPayload
		if err := entry.DecodePayload(entry.Kind, &p); err != nil {
			return "<" + err.Error() + ">"
		}
		if p.OK {
			return fmt.Sprintf("%s ok attempt=%d", p.Activity, p.Attempt)
		}
		return fmt.Sprintf("%s error=%s attempt=%d", p.Activity, p.ErrorCode, p.Attempt)

	default:
		return string(entry.Kind)
	}
}

// AssertGolden compares the rendered trace against the scenario's golden
// file under testdata/golden.
func AssertGolden(t *testing.T, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, result.Scenario, RenderTrace(result))
}
