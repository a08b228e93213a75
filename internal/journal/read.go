package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// ReadAll returns every entry for the case ordered by seq.
// Returns an empty slice (not nil) for an unknown case.
func (s *Store) ReadAll(ctx context.Context, caseID string) ([]heal.JournalEntry, error) {
	return s.readEntries(ctx, caseID, 0)
}

// ReadFrom returns entries with seq > afterSeq ordered by seq.
func (s *Store) ReadFrom(ctx context.Context, caseID string, afterSeq int64) ([]heal.JournalEntry, error) {
	return s.readEntries(ctx, caseID, afterSeq)
}

func (s *Store) readEntries(ctx context.Context, caseID string, afterSeq int64) ([]heal.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, seq, timestamp, kind, payload
		FROM journal_entries
		WHERE case_id = ? AND seq > ?
		ORDER BY seq ASC
	`, caseID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []heal.JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	// Return empty slice instead of nil
	if entries == nil {
		entries = []heal.JournalEntry{}
	}

	return entries, nil
}

func scanEntry(rows *sql.Rows) (heal.JournalEntry, error) {
	var entry heal.JournalEntry
	var ts, kind, payload string

	if err := rows.Scan(&entry.CaseID, &entry.Seq, &ts, &kind, &payload); err != nil {
		return entry, fmt.Errorf("scan entry: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return entry, fmt.Errorf("parse entry timestamp %q: %w", ts, err)
	}
	entry.Timestamp = parsed

	entry.Kind, err = heal.ParseEntryKind(kind)
	if err != nil {
		return entry, fmt.Errorf("scan entry: %w", err)
	}

	entry.Payload = json.RawMessage(payload)
	return entry, nil
}

// LastSeq returns the highest seq appended for the case, 0 if none.
// Used on recovery to resume the per-case sequence from the correct position.
func (s *Store) LastSeq(ctx context.Context, caseID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM journal_entries WHERE case_id = ?
	`, caseID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return seq, nil
}

// CaseRow is one registry listing for status and recovery commands.
type CaseRow struct {
	CaseID     string
	Repository string
	RunID      int64
	HeadSHA    string
	Branch     string
	CreatedAt  time.Time
	ArchivedAt time.Time
}

// ListCases returns registered cases ordered by creation time then case id.
// Archived cases are excluded unless includeArchived is set.
func (s *Store) ListCases(ctx context.Context, includeArchived bool) ([]CaseRow, error) {
	query := `
		SELECT case_id, repository, run_id, head_sha, branch, created_at, archived_at
		FROM cases
	`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY created_at ASC, case_id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var cases []CaseRow
	for rows.Next() {
		var row CaseRow
		var created string
		var archived sql.NullString
		if err := rows.Scan(&row.CaseID, &row.Repository, &row.RunID, &row.HeadSHA, &row.Branch, &created, &archived); err != nil {
			return nil, fmt.Errorf("scan case row: %w", err)
		}
		row.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		if archived.Valid {
			row.ArchivedAt, err = time.Parse(time.RFC3339Nano, archived.String)
			if err != nil {
				return nil, fmt.Errorf("parse archived_at %q: %w", archived.String, err)
			}
		}
		cases = append(cases, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case rows: %w", err)
	}

	if cases == nil {
		cases = []CaseRow{}
	}

	return cases, nil
}
