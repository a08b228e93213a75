package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/mend/internal/heal"
)

// SQLiteIndex is the durable Index. Admission state survives restarts, so a
// crashed engine never re-admits a run it already accepted inside the TTL
// window.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLite creates or opens a dedup database at the given path.
// ":memory:" is valid for tests.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("dedup: open database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent admissions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("dedup: execute %q: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS dedup_entries (
			key         TEXT PRIMARY KEY,
			case_id     TEXT NOT NULL,
			admitted_at TEXT NOT NULL,
			expires_at  TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dedup: create table: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

// TryAdmit implements Index. The read-check-write runs in one transaction
// on the single writer connection, giving compare-and-set semantics.
func (s *SQLiteIndex) TryAdmit(ctx context.Context, key, caseID string, now time.Time, ttl time.Duration) (Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing heal.DedupEntry
	var admittedAt, expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT key, case_id, admitted_at, expires_at FROM dedup_entries WHERE key = ?`,
		key,
	).Scan(&existing.Key, &existing.CaseID, &admittedAt, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No entry yet.
	case err != nil:
		return Decision{}, fmt.Errorf("dedup: read entry: %w", err)
	default:
		existing.AdmittedAt, err = time.Parse(time.RFC3339Nano, admittedAt)
		if err != nil {
			return Decision{}, fmt.Errorf("dedup: parse admitted_at %q: %w", admittedAt, err)
		}
		existing.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil {
			return Decision{}, fmt.Errorf("dedup: parse expires_at %q: %w", expiresAt, err)
		}
		if now.Before(existing.ExpiresAt) {
			return Decision{Existing: &existing}, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dedup_entries (key, case_id, admitted_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			case_id = excluded.case_id,
			admitted_at = excluded.admitted_at,
			expires_at = excluded.expires_at
	`,
		key, caseID,
		now.UTC().Format(time.RFC3339Nano),
		now.Add(ttl).UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("dedup: commit: %w", err)
	}
	return Decision{Admitted: true}, nil
}

// EvictExpired implements Index.
func (s *SQLiteIndex) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_entries WHERE expires_at <= ?`,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("dedup: evict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dedup: evict count: %w", err)
	}
	return int(n), nil
}

// Close implements Index.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
