// Package dedup provides the admission deduplication index.
//
// The index is the single source of truth for admission: at most one case
// per (repository, run, head) key per TTL window, strictly across all
// workers. TryAdmit has compare-and-set semantics; concurrent calls for the
// same key admit exactly one caller.
package dedup

import (
	"context"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// Decision is the outcome of one TryAdmit call.
type Decision struct {
	// Admitted is true when the caller won the admission window.
	Admitted bool
	// Existing carries the entry that blocked admission. Set only on a
	// duplicate; its CaseID identifies the original case for dedup.hit
	// events.
	Existing *heal.DedupEntry
}

// Index is the deduplication index contract.
type Index interface {
	// TryAdmit admits key for caseID unless a live entry already holds it.
	TryAdmit(ctx context.Context, key, caseID string, now time.Time, ttl time.Duration) (Decision, error)

	// EvictExpired removes entries whose TTL elapsed, returning the count.
	EvictExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
