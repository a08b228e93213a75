package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/dedup"
	"github.com/roach88/mend/internal/dispatch"
	"github.com/roach88/mend/internal/emit"
	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/invariant"
	"github.com/roach88/mend/internal/journal"
	"github.com/roach88/mend/internal/metrics"
	"github.com/roach88/mend/internal/report"
)

// Store is the durable surface the engine needs: the append-only journal
// plus the case registry, leases, and projection loading. *journal.Store
// implements it.
type Store interface {
	journal.Journal

	RegisterCase(ctx context.Context, c *heal.Case) error
	Archive(ctx context.Context, caseID string, at time.Time) error
	Acquire(ctx context.Context, caseID, owner string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, caseID, owner string) error
	ListCases(ctx context.Context, includeArchived bool) ([]journal.CaseRow, error)
	FindIncomplete(ctx context.Context) ([]string, error)
	Load(ctx context.Context, caseID string) (*heal.Case, error)
}

// sweepInterval paces dedup eviction and retention archival.
const sweepInterval = time.Minute

// Engine owns every case from admission to sealing. One engine per
// process; workers share the dispatcher and the journal, and per-case
// exclusivity comes from the lease table.
type Engine struct {
	cfg      *config.Config
	store    Store
	dedup    dedup.Index
	dispatch *dispatch.Dispatcher
	reports  *report.Assembler
	catalog  *invariant.Catalog
	emitter  *emit.Emitter
	metrics  *metrics.Metrics

	logger *slog.Logger
	clock  dispatch.Clock
	ids    heal.IDGenerator
	owner  string

	queue    *caseQueue
	inFlight atomic.Int64
	running  atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(c dispatch.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator overrides event ID generation.
func WithIDGenerator(g heal.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithMetrics attaches the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOwner overrides the lease owner token. Defaults to a fresh ID so
// two processes over the same journal never share leases.
func WithOwner(owner string) Option {
	return func(e *Engine) { e.owner = owner }
}

// New assembles the engine. catalog may be empty (proving passes
// trivially); metrics may be absent.
func New(
	cfg *config.Config,
	store Store,
	idx dedup.Index,
	disp *dispatch.Dispatcher,
	reports *report.Assembler,
	catalog *invariant.Catalog,
	emitter *emit.Emitter,
	opts ...Option,
) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		dedup:    idx,
		dispatch: disp,
		reports:  reports,
		catalog:  catalog,
		emitter:  emitter,
		logger:   slog.Default(),
		clock:    dispatch.WallClock{},
		ids:      heal.UUIDv7Generator{},
		queue:    newCaseQueue(cfg.Admission.Buffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.owner == "" {
		e.owner = "engine-" + e.ids.NewID()
	}
	return e
}

// Healthy reports whether the engine is accepting and driving work.
// The metrics listener's /healthz uses it to signal draining.
func (e *Engine) Healthy() bool { return e.running.Load() }

// QueueDepth returns the number of ready cases awaiting a worker.
func (e *Engine) QueueDepth() int { return e.queue.Len() }

// Run recovers incomplete cases, then drives the worker pool until ctx is
// cancelled. Blocks. In-flight cases are sealed FAILED(CANCELLED) on the
// way out; queued-but-unstarted cases stay in the journal for the next
// start's recovery pass.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}

	e.running.Store(true)
	defer e.running.Store(false)
	e.logger.Info("engine running",
		"workers", e.cfg.Engine.MaxConcurrentCases, "owner", e.owner)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Engine.MaxConcurrentCases; i++ {
		g.Go(func() error { return e.worker(ctx) })
	}
	g.Go(func() error { return e.janitor(ctx) })

	err := g.Wait()
	e.queue.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// worker drains the ready queue until shutdown. A dequeued case is driven
// to its next terminal or blocking point inside runCase.
func (e *Engine) worker(ctx context.Context) error {
	for {
		if caseID, ok := e.queue.TryDequeue(); ok {
			e.observeQueueDepth()
			e.runCase(ctx, caseID)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.queue.Wait():
		}
	}
}

// janitor evicts expired dedup keys and archives sealed cases past the
// retention window.
func (e *Engine) janitor(ctx context.Context) error {
	for {
		if err := e.clock.Sleep(ctx, sweepInterval); err != nil {
			return ctx.Err()
		}
		e.sweep(ctx)
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := e.clock.Now()
	if n, err := e.dedup.EvictExpired(ctx, now); err != nil {
		e.logger.Warn("dedup eviction failed", "error", err)
	} else if n > 0 {
		e.logger.Debug("dedup keys evicted", "count", n)
	}

	rows, err := e.store.ListCases(ctx, false)
	if err != nil {
		e.logger.Warn("retention sweep failed", "error", err)
		return
	}
	for _, row := range rows {
		c, err := e.store.Load(ctx, row.CaseID)
		if err != nil {
			continue
		}
		if c.Sealed() && now.Sub(c.SealedAt) >= e.cfg.Retention() {
			if err := e.store.Archive(ctx, c.ID, now); err != nil {
				e.logger.Warn("archive failed", "case_id", c.ID, "error", err)
				continue
			}
			e.logger.Info("case archived", "case_id", c.ID, "state", c.State)
		}
	}
}

func (e *Engine) observeQueueDepth() {
	if e.metrics != nil {
		e.metrics.SetQueueDepth(e.queue.Len())
	}
}

func (e *Engine) enterCase() {
	n := e.inFlight.Add(1)
	if e.metrics != nil {
		e.metrics.SetInFlight(int(n))
	}
}

func (e *Engine) leaveCase() {
	n := e.inFlight.Add(-1)
	if e.metrics != nil {
		e.metrics.SetInFlight(int(n))
	}
}
