package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	CaseID string
}

// TraceEntry is one journal entry in the trace output.
type TraceEntry struct {
	Seq      int64  `json:"seq"`
	OffsetMs int64  `json:"offset_ms"`
	Kind     string `json:"kind"`
	Summary  string `json:"summary"`
}

// TraceResult holds the trace for one case.
type TraceResult struct {
	CaseID  string       `json:"case_id"`
	Entries []TraceEntry `json:"entries"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <case-id>",
		Short: "Print a case's journal as a timeline",
		Long: `Print every journal entry of a case as a timeline.

Offsets are relative to the first entry, so the same journal always
renders the same trace.

Examples:
  mend trace 4c5a... --config ./mend.yaml
  mend trace 4c5a... --config ./mend.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CaseID = args[0]
			return runTrace(opts, cmd)
		},
	}

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer store.Close()

	entries, err := store.ReadAll(ctx, opts.CaseID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	if len(entries) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("case %s has no journal entries", opts.CaseID))
	}

	result := buildTrace(opts.CaseID, entries)

	if opts.Format == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: result})
	}

	fmt.Fprint(cmd.OutOrStdout(), renderTrace(result))
	return nil
}

func buildTrace(caseID string, entries []heal.JournalEntry) TraceResult {
	result := TraceResult{CaseID: caseID, Entries: make([]TraceEntry, 0, len(entries))}
	start := entries[0].Timestamp
	for _, entry := range entries {
		result.Entries = append(result.Entries, TraceEntry{
			Seq:      entry.Seq,
			OffsetMs: entry.Timestamp.Sub(start).Milliseconds(),
			Kind:     string(entry.Kind),
			Summary:  summarizeEntry(entry),
		})
	}
	return result
}

// summarizeEntry renders one entry's payload as a single line. Unknown or
// undecodable payloads degrade to the bare kind rather than failing the
// trace.
func summarizeEntry(entry heal.JournalEntry) string {
	switch entry.Kind {
	case heal.KindStateTransition:
		var p heal.TransitionPayload
		if err := entry.DecodePayload(heal.KindStateTransition, &p); err != nil {
			return "transition (undecodable)"
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
		if err := entry.DecodePayload(heal.KindActivityAttempt, &p); err != nil {
			return "attempt (undecodable)"
		}
		return fmt.Sprintf("%s attempt=%d corr=%s", p.Activity, p.Attempt, p.CorrelationID)
	case heal.KindActivityResult:
		var p heal.ResultPayload
		if err := entry.DecodePayload(heal.KindActivityResult, &p); err != nil {
			return "result (undecodable)"
		}
		if p.OK {
			return fmt.Sprintf("%s ok attempt=%d", p.Activity, p.Attempt)
		}
		return fmt.Sprintf("%s error=%s attempt=%d", p.Activity, p.ErrorCode, p.Attempt)
	case heal.KindEmitted:
		var p heal.EmittedPayload
		if err := entry.DecodePayload(heal.KindEmitted, &p); err != nil {
			return "emitted (undecodable)"
		}
		return fmt.Sprintf("event %s", p.EventType)
	case heal.KindError:
		var p heal.ErrorPayload
		if err := entry.DecodePayload(heal.KindError, &p); err != nil {
			return "error (undecodable)"
		}
		if p.Phase != "" {
			return fmt.Sprintf("%s in %s: %s", p.Code, p.Phase, p.Message)
		}
		return fmt.Sprintf("%s: %s", p.Code, p.Message)
	default:
		return string(entry.Kind)
	}
}

// renderTrace renders the trace as fixed-width text.
func renderTrace(result TraceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case %s: %d entries\n", result.CaseID, len(result.Entries))
	for _, e := range result.Entries {
		fmt.Fprintf(&b, "%4d  +%-8s %-16s %s\n", e.Seq, fmt.Sprintf("%dms", e.OffsetMs), e.Kind, e.Summary)
	}
	return b.String()
}
