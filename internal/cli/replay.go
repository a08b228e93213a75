package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/journal"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	CaseID string // optional - specific case only
}

// ReplayCaseResult holds the replay result for a single case.
type ReplayCaseResult struct {
	CaseID        string     `json:"case_id"`
	State         string     `json:"state"`
	FailReason    string     `json:"fail_reason,omitempty"`
	Entries       int        `json:"entries"`
	Sealed        bool       `json:"sealed"`
	Deterministic bool       `json:"deterministic"`
	Case          *heal.Case `json:"case,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Cases            []ReplayCaseResult `json:"cases"`
	TotalCases       int                `json:"total_cases"`
	AllDeterministic bool               `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [case-id]",
		Short: "Replay case journals and verify determinism",
		Long: `Rebuild case projections from their journals and verify determinism.

Each case is rebuilt two ways: once through the latest snapshot plus the
entries after it, and once by folding every entry from the beginning.
The two projections must be byte-identical under canonical encoding;
divergence means the snapshot no longer matches the journal.

Exit codes:
  0 - All replays are deterministic
  1 - Determinism verification failed (projections diverge)
  2 - Command error (journal not found, unknown case, etc.)

Examples:
  mend replay --config ./mend.yaml
  mend replay 4c5a... --config ./mend.yaml
  mend replay --config ./mend.yaml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.CaseID = args[0]
			}
			return runReplay(opts, cmd)
		},
	}

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
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

	var caseIDs []string
	if opts.CaseID != "" {
		caseIDs = []string{opts.CaseID}
	} else {
		rows, err := store.ListCases(ctx, true)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list cases", err)
		}
		for _, row := range rows {
			caseIDs = append(caseIDs, row.CaseID)
		}
	}

	result := ReplayResult{
		Cases:            make([]ReplayCaseResult, 0, len(caseIDs)),
		TotalCases:       len(caseIDs),
		AllDeterministic: true,
	}

	for _, caseID := range caseIDs {
		caseResult, err := replayAndVerifyCase(ctx, store, caseID, opts.Verbose)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay case %s", caseID), err)
		}
		result.Cases = append(result.Cases, caseResult)
		if !caseResult.Deterministic {
			result.AllDeterministic = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// replayAndVerifyCase rebuilds one case through the snapshot path and
// through a full fold, then compares the projections canonically.
func replayAndVerifyCase(ctx context.Context, store *journal.Store, caseID string, verbose bool) (ReplayCaseResult, error) {
	entries, err := store.ReadAll(ctx, caseID)
	if err != nil {
		return ReplayCaseResult{}, err
	}
	if len(entries) == 0 {
		return ReplayCaseResult{}, fmt.Errorf("case %s has no journal entries", caseID)
	}

	full, err := journal.Replay(entries)
	if err != nil {
		return ReplayCaseResult{}, fmt.Errorf("full replay failed: %w", err)
	}

	snapped, err := store.Load(ctx, caseID)
	if err != nil {
		return ReplayCaseResult{}, fmt.Errorf("snapshot replay failed: %w", err)
	}

	fullBytes, err := heal.MarshalCanonical(full)
	if err != nil {
		return ReplayCaseResult{}, err
	}
	snapBytes, err := heal.MarshalCanonical(snapped)
	if err != nil {
		return ReplayCaseResult{}, err
	}

	result := ReplayCaseResult{
		CaseID:        caseID,
		State:         string(full.State),
		FailReason:    string(full.FailReason),
		Entries:       len(entries),
		Sealed:        full.Sealed(),
		Deterministic: bytes.Equal(fullBytes, snapBytes),
	}
	if verbose {
		result.Case = full
	}
	return result, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DIVERGENT",
			Message: "determinism verification failed",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if result.TotalCases == 0 {
		fmt.Fprintln(w, "No cases found.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d case(s)\n", result.TotalCases)
	fmt.Fprintln(w)

	for _, c := range result.Cases {
		status := "ok"
		if !c.Deterministic {
			status = "DIVERGENT"
		}
		line := fmt.Sprintf("[%s] %s  %s", status, c.CaseID, c.State)
		if c.FailReason != "" {
			line += fmt.Sprintf(" (%s)", c.FailReason)
		}
		fmt.Fprintln(w, line)
		fmt.Fprintf(w, "  Entries: %d, sealed: %v\n", c.Entries, c.Sealed)
		if verbose && c.Case != nil {
			fmt.Fprintf(w, "  Root cause: %s\n", c.Case.RootCause)
			if c.Case.PatchRef != "" {
				fmt.Fprintf(w, "  Patch: %s\n", c.Case.PatchRef)
			}
			if c.Case.MergeRef != "" {
				fmt.Fprintf(w, "  Merge: %s (PR #%d)\n", c.Case.MergeRef, c.Case.PRNumber)
			}
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "All case replays verified deterministic")
		return nil
	}

	fmt.Fprintln(w, "Determinism verification failed")
	return NewExitError(ExitFailure, "determinism verification failed")
}
