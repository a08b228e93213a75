package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// Snapshot stores a projection of the case as of seq. Idempotent per
// (caseID, seq); a snapshot at an already-recorded seq is silently ignored.
func (s *Store) Snapshot(ctx context.Context, c *heal.Case, seq int64) error {
	projection, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("snapshot: marshal projection: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (case_id, seq, taken_at, projection)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id, seq) DO NOTHING
	`, c.ID, seq, time.Now().UTC().Format(time.RFC3339Nano), string(projection))
	if err != nil {
		return fmt.Errorf("snapshot: insert: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot projection and its seq.
// Returns (nil, 0, nil) when the case has no snapshot.
func (s *Store) LatestSnapshot(ctx context.Context, caseID string) (*heal.Case, int64, error) {
	var seq int64
	var projection string
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, projection FROM snapshots
		WHERE case_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, caseID).Scan(&seq, &projection)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("latest snapshot: %w", err)
	}

	var c heal.Case
	if err := json.Unmarshal([]byte(projection), &c); err != nil {
		return nil, 0, fmt.Errorf("latest snapshot: decode projection: %w", err)
	}
	return &c, seq, nil
}

// Compact drops all snapshots older than the latest one. Journal entries
// are never dropped; they are the source of truth.
func (s *Store) Compact(ctx context.Context, caseID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE case_id = ? AND seq < (
			SELECT COALESCE(MAX(seq), 0) FROM snapshots WHERE case_id = ?
		)
	`, caseID, caseID)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}
