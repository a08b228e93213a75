package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/mend/internal/collab"
	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/dispatch"
	"github.com/roach88/mend/internal/engine"
	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/invariant"
	"github.com/roach88/mend/internal/journal"
	"github.com/roach88/mend/internal/logging"
)

// AdmitOptions holds flags for the admit command.
type AdmitOptions struct {
	*RootOptions
	File string // "-" or empty reads stdin
}

// AdmitResult holds the admission outcome for output.
type AdmitResult struct {
	CaseID       string `json:"case_id"`
	Deduplicated bool   `json:"deduplicated"`
}

// NewAdmitCommand creates the admit command.
func NewAdmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "admit",
		Short: "Admit a failure event from JSON",
		Long: `Admit one failure event, read as JSON from a file or stdin.

The event is validated, deduplicated, registered, and journaled. A
running serve process picks the case up on its next recovery pass; the
admit command itself does not drive the case.

Exit codes:
  0 - Event admitted (or recognized as a duplicate)
  1 - Event rejected (stale, ineligible, malformed, backpressure)
  2 - Command error (journal not found, unreadable input, etc.)

Examples:
  mend admit --config ./mend.yaml --file event.json
  cat event.json | mend admit --config ./mend.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "path to the failure event JSON (stdin when unset)")

	return cmd
}

func runAdmit(opts *AdmitOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ev, err := readEvent(opts.File, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event", err)
	}

	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer store.Close()

	idx, err := openDedup(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open dedup index", err)
	}
	defer idx.Close()

	// Admission never touches collaborators, reports, or the catalog, so
	// the engine is assembled without live endpoints.
	logger := logging.NewText(cmd.ErrOrStderr(), opts.Verbose)
	disp := dispatch.New(store, collab.Set{}, nil, dispatch.PolicyFromConfig(cfg), dispatch.WithLogger(logger))
	catalog, _ := invariant.LoadDir("")
	eng := engine.New(cfg, store, idx, disp, nil, catalog, nil, engine.WithLogger(logger))

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	admission, err := eng.Admit(ctx, *ev)
	if err != nil {
		code := string(heal.CodeOf(err))
		if ferr := formatter.Error(code, err.Error(), nil); ferr != nil {
			return ferr
		}
		return NewExitError(ExitFailure, "event rejected")
	}

	result := AdmitResult{CaseID: admission.CaseID, Deduplicated: admission.Deduplicated}
	if opts.Format == "json" {
		return formatter.Success(result)
	}

	w := cmd.OutOrStdout()
	if result.Deduplicated {
		fmt.Fprintf(w, "Duplicate event; case %s is already healing this failure.\n", result.CaseID)
		return nil
	}
	fmt.Fprintf(w, "Admitted case %s\n", result.CaseID)
	return nil
}

func readEvent(path string, stdin io.Reader) (*heal.FailureEvent, error) {
	var r io.Reader
	switch path {
	case "", "-":
		r = stdin
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var ev heal.FailureEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("decode failure event: %w", err)
	}
	return &ev, nil
}
