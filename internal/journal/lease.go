package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Acquire takes the case lease for owner if no live lease exists. A lease
// held by the same owner is renewed. Returns false when another owner holds
// an unexpired lease.
func (s *Store) Acquire(ctx context.Context, caseID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("acquire lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	var curOwner, curExpires string
	err = tx.QueryRowContext(ctx,
		`SELECT owner, expires_at FROM leases WHERE case_id = ?`,
		caseID,
	).Scan(&curOwner, &curExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No lease yet.
	case err != nil:
		return false, fmt.Errorf("acquire lease: read: %w", err)
	default:
		expires, perr := time.Parse(time.RFC3339Nano, curExpires)
		if perr != nil {
			return false, fmt.Errorf("acquire lease: parse expires_at %q: %w", curExpires, perr)
		}
		if curOwner != owner && now.Before(expires) {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (case_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
	`, caseID, owner, now.Add(ttl).UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("acquire lease: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("acquire lease: commit: %w", err)
	}
	return true, nil
}

// Release drops the lease if owner still holds it. Releasing a lease held
// by someone else is a no-op.
func (s *Store) Release(ctx context.Context, caseID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE case_id = ? AND owner = ?`,
		caseID, owner,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
