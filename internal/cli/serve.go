package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mend/internal/collab"
	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/dedup"
	"github.com/roach88/mend/internal/dispatch"
	"github.com/roach88/mend/internal/emit"
	"github.com/roach88/mend/internal/engine"
	"github.com/roach88/mend/internal/invariant"
	"github.com/roach88/mend/internal/journal"
	"github.com/roach88/mend/internal/logging"
	"github.com/roach88/mend/internal/metrics"
	"github.com/roach88/mend/internal/report"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the healing engine",
		Long: `Run the healing engine: recover incomplete cases from the journal,
then admit and drive new cases until interrupted.

SIGINT and SIGTERM drain gracefully: in-flight cases are sealed
FAILED(CANCELLED); queued-but-unstarted cases stay journaled and resume
on the next start's recovery pass.

Examples:
  mend serve --config ./mend.yaml
  mend serve --config ./mend.yaml --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	return cmd
}

func runServe(opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := requireCollaborators(cfg); err != nil {
		return WrapExitError(ExitCommandError, "incomplete collaborator config", err)
	}

	logger := logging.New(opts.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	emitter, err := openEmitter(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event sink", err)
	}
	if emitter != nil {
		defer emitter.Close()
	}

	redactor, err := report.NewRedactor(cfg.Report.SecretPatterns...)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid secret patterns", err)
	}
	source := report.NewHTTPSource(cfg.Collaborators.Artifacts.URL, endpointTimeout(cfg.Collaborators.Artifacts))
	reports := report.NewAssembler(source, redactor, cfg.Report.TokenBudget)

	catalog, err := invariant.LoadDir(cfg.Proof.CatalogDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load invariant catalog", err)
	}

	dropped := func() int64 { return 0 }
	if emitter != nil {
		dropped = emitter.Dropped
	}
	m := metrics.New(dropped)

	set := collab.Set{
		Diagnoser:  collab.NewHTTPDiagnoser(cfg.Collaborators.Diagnoser.URL, endpointTimeout(cfg.Collaborators.Diagnoser)),
		Patcher:    collab.NewHTTPPatcher(cfg.Collaborators.Patcher.URL, endpointTimeout(cfg.Collaborators.Patcher)),
		TestRunner: collab.NewHTTPTestRunner(cfg.Collaborators.TestRunner.URL, endpointTimeout(cfg.Collaborators.TestRunner)),
		Prover:     collab.NewHTTPProver(cfg.Collaborators.Prover.URL, endpointTimeout(cfg.Collaborators.Prover)),
		Merger:     collab.NewHTTPMerger(cfg.Collaborators.Merger.URL, endpointTimeout(cfg.Collaborators.Merger)),
	}

	disp := dispatch.New(store, set, emitter, dispatch.PolicyFromConfig(cfg),
		dispatch.WithLogger(logger),
		dispatch.WithObserver(m),
		dispatch.WithDescriptors(dispatch.Descriptors(cfg)),
	)

	eng := engine.New(cfg, store, idx, disp, reports, catalog, emitter,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	)

	var srv *metrics.Server
	if cfg.Metrics.Addr != "" {
		srv = metrics.NewServer(cfg.Metrics.Addr, m, eng.Healthy, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	runErr := eng.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}

	if runErr != nil {
		return WrapExitError(ExitCommandError, "engine stopped", runErr)
	}
	return nil
}

// requireCollaborators fails fast on missing endpoints; a half-configured
// engine would otherwise admit cases it can never drive.
func requireCollaborators(cfg *config.Config) error {
	endpoints := []struct {
		name string
		url  string
	}{
		{"collaborators.diagnoser.url", cfg.Collaborators.Diagnoser.URL},
		{"collaborators.patcher.url", cfg.Collaborators.Patcher.URL},
		{"collaborators.test_runner.url", cfg.Collaborators.TestRunner.URL},
		{"collaborators.prover.url", cfg.Collaborators.Prover.URL},
		{"collaborators.merger.url", cfg.Collaborators.Merger.URL},
		{"collaborators.artifacts.url", cfg.Collaborators.Artifacts.URL},
	}
	for _, ep := range endpoints {
		if ep.url == "" {
			return fmt.Errorf("%s is required", ep.name)
		}
	}
	return nil
}

// openDedup builds the admission index named by the config. The sqlite
// backend shares the journal database file; it owns its own table and WAL
// tolerates the second connection.
func openDedup(ctx context.Context, cfg *config.Config) (dedup.Index, error) {
	switch cfg.Dedup.Backend {
	case "sqlite":
		return dedup.OpenSQLite(cfg.Journal.Path)
	case "memory":
		return dedup.NewMemoryIndex(), nil
	case "redis":
		return dedup.NewRedisIndex(ctx, cfg.Dedup.RedisAddr, cfg.Dedup.RedisPassword, cfg.Dedup.RedisDB)
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Dedup.Backend)
	}
}

// openEmitter builds the lifecycle event emitter, nil for the "none" sink.
func openEmitter(cfg *config.Config, logger *slog.Logger) (*emit.Emitter, error) {
	switch cfg.Events.Sink {
	case "nats":
		sink, err := emit.NewNATSSink(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		return emit.New(sink, emit.WithLogger(logger)), nil
	case "log":
		return emit.New(emit.NewLogSink(logger), emit.WithLogger(logger)), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Events.Sink)
	}
}

func endpointTimeout(ep config.EndpointConfig) time.Duration {
	return time.Duration(ep.TimeoutMs) * time.Millisecond
}
