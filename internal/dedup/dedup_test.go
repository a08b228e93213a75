package dedup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mend/internal/heal"
)

var testKey = heal.MustDedupKey("acme/app", 42, "abc123")

// openIndexes returns one fresh instance per backend under test.
func openIndexes(t *testing.T) map[string]Index {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Index{
		"memory": NewMemoryIndex(),
		"sqlite": sqlite,
	}
}

func TestTryAdmitFirstWins(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, idx := range openIndexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := idx.TryAdmit(ctx, testKey, "case-1", now, time.Hour)
			require.NoError(t, err)
			assert.True(t, first.Admitted)
			assert.Nil(t, first.Existing)

			second, err := idx.TryAdmit(ctx, testKey, "case-2", now.Add(5*time.Second), time.Hour)
			require.NoError(t, err)
			assert.False(t, second.Admitted)
			require.NotNil(t, second.Existing)
			assert.Equal(t, "case-1", second.Existing.CaseID)
		})
	}
}

func TestTryAdmitAfterExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, idx := range openIndexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := idx.TryAdmit(ctx, testKey, "case-1", now, time.Minute)
			require.NoError(t, err)
			require.True(t, first.Admitted)

			// Exactly at expiry the window is open again.
			second, err := idx.TryAdmit(ctx, testKey, "case-2", now.Add(time.Minute), time.Minute)
			require.NoError(t, err)
			assert.True(t, second.Admitted)
		})
	}
}

func TestEvictExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, idx := range openIndexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := idx.TryAdmit(ctx, testKey, "case-1", now, time.Minute)
			require.NoError(t, err)
			otherKey := heal.MustDedupKey("acme/app", 43, "def456")
			_, err = idx.TryAdmit(ctx, otherKey, "case-2", now, time.Hour)
			require.NoError(t, err)

			evicted, err := idx.EvictExpired(ctx, now.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, evicted)

			// The unexpired entry still blocks admission.
			d, err := idx.TryAdmit(ctx, otherKey, "case-3", now.Add(2*time.Minute), time.Hour)
			require.NoError(t, err)
			assert.False(t, d.Admitted)
		})
	}
}

func TestTryAdmitConcurrentSingleWinner(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, idx := range openIndexes(t) {
		t.Run(name, func(t *testing.T) {
			const callers = 16
			var wg sync.WaitGroup
			admitted := make([]bool, callers)

			for i := 0; i < callers; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := idx.TryAdmit(context.Background(), testKey, "case", now, time.Hour)
					if err != nil {
						return
					}
					admitted[i] = d.Admitted
				}()
			}
			wg.Wait()

			winners := 0
			for _, ok := range admitted {
				if ok {
					winners++
				}
			}
			assert.Equal(t, 1, winners)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "dedup.db")
	ctx := context.Background()

	idx, err := OpenSQLite(path)
	require.NoError(t, err)
	d, err := idx.TryAdmit(ctx, testKey, "case-1", now, time.Hour)
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.NoError(t, idx.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	d, err = reopened.TryAdmit(ctx, testKey, "case-2", now.Add(time.Second), time.Hour)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	require.NotNil(t, d.Existing)
	assert.Equal(t, "case-1", d.Existing.CaseID)
}
