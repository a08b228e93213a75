package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// MemoryIndex is an in-process Index. Used in tests and single-process
// deployments that do not need admission state to survive restarts.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]heal.DedupEntry
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]heal.DedupEntry)}
}

// TryAdmit implements Index. An expired entry is overwritten in place.
func (m *MemoryIndex) TryAdmit(_ context.Context, key, caseID string, now time.Time, ttl time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok && now.Before(existing.ExpiresAt) {
		e := existing
		return Decision{Existing: &e}, nil
	}

	m.entries[key] = heal.DedupEntry{
		Key:        key,
		CaseID:     caseID,
		AdmittedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return Decision{Admitted: true}, nil
}

// EvictExpired implements Index.
func (m *MemoryIndex) EvictExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, entry := range m.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(m.entries, key)
			evicted++
		}
	}
	return evicted, nil
}

// Close implements Index.
func (m *MemoryIndex) Close() error { return nil }
