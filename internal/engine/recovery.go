package engine

import (
	"context"
	"fmt"

	"github.com/roach88/mend/internal/heal"
)

// recover finds every registered, unsealed case and puts it back on the
// ready queue. Runs before the worker pool starts so recovered cases keep
// FIFO order ahead of new admissions.
func (e *Engine) recover(ctx context.Context) error {
	ids, err := e.store.FindIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, caseID := range ids {
		if err := e.reseed(ctx, caseID); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		if !e.queue.Enqueue(caseID) {
			e.logger.Warn("ready queue refused recovered case", "case_id", caseID)
		}
	}
	if len(ids) > 0 {
		e.logger.Info("recovered incomplete cases", "count", len(ids))
	}
	e.observeQueueDepth()
	return nil
}

// reseed repairs a case that was registered but never journaled: a crash
// between the registry insert and the first append. Identity comes from
// the registry row; the deadline restarts from the registration time.
func (e *Engine) reseed(ctx context.Context, caseID string) error {
	last, err := e.store.LastSeq(ctx, caseID)
	if err != nil {
		return err
	}
	if last > 0 {
		return nil
	}

	rows, err := e.store.ListCases(ctx, true)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.CaseID != caseID {
			continue
		}
		c := &heal.Case{
			ID:               row.CaseID,
			Repository:       row.Repository,
			RunID:            row.RunID,
			HeadSHA:          row.HeadSHA,
			Branch:           row.Branch,
			State:            heal.StateNew,
			StartedAt:        row.CreatedAt,
			LastTransitionAt: row.CreatedAt,
			Deadline:         row.CreatedAt.Add(e.cfg.GlobalDeadline()),
		}
		e.logger.Info("reseeding unjournaled case", "case_id", caseID)
		return e.seed(ctx, c)
	}
	return fmt.Errorf("reseed: case %s not in registry", caseID)
}
