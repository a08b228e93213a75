package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/journal"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	All bool // include archived cases
}

// StatusRow is one case in the status listing.
type StatusRow struct {
	CaseID     string `json:"case_id"`
	Repository string `json:"repository"`
	RunID      int64  `json:"run_id"`
	State      string `json:"state"`
	FailReason string `json:"fail_reason,omitempty"`
	Attempts   int    `json:"attempts"`
	StartedAt  string `json:"started_at"`
	SealedAt   string `json:"sealed_at,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
}

// StatusResult holds the overall status listing.
type StatusResult struct {
	Cases      []StatusRow `json:"cases"`
	TotalCases int         `json:"total_cases"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List cases and their states",
		Long: `List registered cases with their replayed states.

Each case's state is rebuilt from its journal, so the listing reflects
exactly what a recovering engine would see.

Examples:
  mend status --config ./mend.yaml
  mend status --config ./mend.yaml --all
  mend status --config ./mend.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include archived cases")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
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

	rows, err := store.ListCases(ctx, opts.All)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list cases", err)
	}

	result := StatusResult{
		Cases:      make([]StatusRow, 0, len(rows)),
		TotalCases: len(rows),
	}
	for _, row := range rows {
		sr := StatusRow{
			CaseID:     row.CaseID,
			Repository: row.Repository,
			RunID:      row.RunID,
			StartedAt:  row.CreatedAt.UTC().Format(time.RFC3339),
			Archived:   !row.ArchivedAt.IsZero(),
		}
		c, err := store.Load(ctx, row.CaseID)
		if err != nil {
			// Registered but not yet journaled; recovery reseeds these.
			sr.State = string(heal.StateNew)
			result.Cases = append(result.Cases, sr)
			continue
		}
		sr.State = string(c.State)
		sr.FailReason = string(c.FailReason)
		for _, n := range c.Attempts {
			sr.Attempts += n
		}
		if c.Sealed() {
			sr.SealedAt = c.SealedAt.UTC().Format(time.RFC3339)
		}
		result.Cases = append(result.Cases, sr)
	}

	if opts.Format == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: result})
	}

	return outputStatusText(cmd, result, opts.Verbose)
}

func outputStatusText(cmd *cobra.Command, result StatusResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if result.TotalCases == 0 {
		fmt.Fprintln(w, "No cases found.")
		return nil
	}

	fmt.Fprintf(w, "Cases: %d\n", result.TotalCases)
	fmt.Fprintln(w)
	for _, c := range result.Cases {
		line := fmt.Sprintf("%s  %s", c.CaseID, c.State)
		if c.FailReason != "" {
			line += fmt.Sprintf(" (%s)", c.FailReason)
		}
		if c.Archived {
			line += " [archived]"
		}
		fmt.Fprintln(w, line)
		if verbose {
			fmt.Fprintf(w, "  Repository: %s run %d\n", c.Repository, c.RunID)
			fmt.Fprintf(w, "  Started: %s\n", c.StartedAt)
			if c.SealedAt != "" {
				fmt.Fprintf(w, "  Sealed: %s\n", c.SealedAt)
			}
			fmt.Fprintf(w, "  Phase entries: %d\n", c.Attempts)
		}
	}
	return nil
}
