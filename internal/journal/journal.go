package journal

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// Journal is the durable append-only case log. The SQLite Store implements
// it; the engine depends on this interface only.
type Journal interface {
	// Append durably writes one entry. entry.Seq must be exactly one past
	// the last appended seq for the case (1 for the first entry).
	// Re-appending a byte-identical entry returns nil.
	Append(ctx context.Context, entry heal.JournalEntry) error

	// ReadAll returns every entry for the case in seq order.
	// Returns an empty slice for an unknown case.
	ReadAll(ctx context.Context, caseID string) ([]heal.JournalEntry, error)

	// ReadFrom returns entries with seq > afterSeq, in seq order.
	ReadFrom(ctx context.Context, caseID string, afterSeq int64) ([]heal.JournalEntry, error)

	// LastSeq returns the highest seq appended for the case, 0 if none.
	LastSeq(ctx context.Context, caseID string) (int64, error)

	// Snapshot stores a projection of the case as of seq.
	Snapshot(ctx context.Context, c *heal.Case, seq int64) error

	// LatestSnapshot returns the most recent snapshot and its seq.
	// Returns (nil, 0, nil) when the case has no snapshot.
	LatestSnapshot(ctx context.Context, caseID string) (*heal.Case, int64, error)

	// Compact drops snapshots older than the latest one. Entries are never
	// dropped; they are the source of truth.
	Compact(ctx context.Context, caseID string) error
}

// ErrSeqConflict is returned when an append collides with a different entry
// at the same (caseID, seq).
var ErrSeqConflict = errors.New("journal: seq already written with different content")

// ErrSeqGap is returned when an append would skip a seq.
var ErrSeqGap = errors.New("journal: seq is not last+1")

// Append implements Journal. The seq check and insert run in one
// transaction on the single writer connection.
func (s *Store) Append(ctx context.Context, entry heal.JournalEntry) error {
	if entry.CaseID == "" {
		return fmt.Errorf("append: empty case id")
	}
	if _, err := heal.ParseEntryKind(string(entry.Kind)); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM journal_entries WHERE case_id = ?`,
		entry.CaseID,
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("append: read last seq: %w", err)
	}

	switch {
	case entry.Seq == last.Int64+1:
		// Next expected seq.
	case entry.Seq <= last.Int64:
		// Possible duplicate of an acknowledged-but-lost append. Accept
		// only a byte-identical re-append.
		var kind string
		var payload []byte
		err = tx.QueryRowContext(ctx,
			`SELECT kind, payload FROM journal_entries WHERE case_id = ? AND seq = ?`,
			entry.CaseID, entry.Seq,
		).Scan(&kind, &payload)
		if err != nil {
			return fmt.Errorf("append: read existing: %w", err)
		}
		if kind == string(entry.Kind) && bytes.Equal(payload, entry.Payload) {
			return nil
		}
		return fmt.Errorf("%w: case=%s seq=%d", ErrSeqConflict, entry.CaseID, entry.Seq)
	default:
		return fmt.Errorf("%w: case=%s seq=%d last=%d", ErrSeqGap, entry.CaseID, entry.Seq, last.Int64)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_entries (case_id, seq, timestamp, kind, payload)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.CaseID,
		entry.Seq,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		string(entry.Kind),
		string(entry.Payload),
	)
	if err != nil {
		return fmt.Errorf("append: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

// RegisterCase records case identity in the registry. Idempotent.
func (s *Store) RegisterCase(ctx context.Context, c *heal.Case) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (case_id, repository, run_id, head_sha, branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO NOTHING
	`,
		c.ID, c.Repository, c.RunID, c.HeadSHA, c.Branch,
		c.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("register case: %w", err)
	}
	return nil
}

// Archive marks a sealed case as archived. The entries stay; status listing
// hides archived cases by default.
func (s *Store) Archive(ctx context.Context, caseID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cases SET archived_at = ? WHERE case_id = ? AND archived_at IS NULL
	`, at.UTC().Format(time.RFC3339Nano), caseID)
	if err != nil {
		return fmt.Errorf("archive case: %w", err)
	}
	return nil
}
