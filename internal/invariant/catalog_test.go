package invariant

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mend/internal/heal"
)

const sampleCatalog = `
invariant: {
	balance_non_negative: {
		predicate:   "forall a in accounts: a.balance >= 0"
		criticality: "critical"
		scope:       "internal/ledger/"
	}
	idempotent_webhooks: {
		predicate:   "forall e: deliver(e); deliver(e) == deliver(e)"
		criticality: "high"
		scope:       "internal/webhooks/*.go"
	}
	log_lines_bounded: {
		predicate: "forall l in logs: len(l) <= 4096"
	}
}
`

func TestCompileCatalog(t *testing.T) {
	cat, err := Compile(sampleCatalog)
	require.NoError(t, err)
	require.Equal(t, 3, cat.Len())

	all := cat.All()
	// Sorted by name.
	assert.Equal(t, "balance_non_negative", all[0].Name)
	assert.Equal(t, "idempotent_webhooks", all[1].Name)
	assert.Equal(t, "log_lines_bounded", all[2].Name)

	assert.Equal(t, heal.CriticalityCritical, all[0].Criticality)
	assert.Equal(t, heal.CriticalityHigh, all[1].Criticality)
	// Missing criticality defaults to medium.
	assert.Equal(t, heal.CriticalityMedium, all[2].Criticality)
	assert.Empty(t, all[2].Scope)
}

func TestCompileRejectsMalformedEntries(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing predicate", `invariant: broken: {criticality: "high"}`},
		{"empty predicate", `invariant: broken: {predicate: "  "}`},
		{"unknown criticality", `invariant: broken: {predicate: "p", criticality: "severe"}`},
		{"non-string predicate", `invariant: broken: {predicate: 42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "broken")
		})
	}
}

func TestCompileEmptySource(t *testing.T) {
	cat, err := Compile(`x: 1`)
	require.NoError(t, err)
	assert.Zero(t, cat.Len())
}

func TestApplicableScopes(t *testing.T) {
	cat, err := Compile(sampleCatalog)
	require.NoError(t, err)

	t.Run("prefix scope", func(t *testing.T) {
		got := cat.Applicable([]string{"internal/ledger/account.go"})
		names := invariantNames(got)
		assert.Contains(t, names, "balance_non_negative")
		assert.Contains(t, names, "log_lines_bounded") // empty scope covers all
		assert.NotContains(t, names, "idempotent_webhooks")
	})

	t.Run("glob scope", func(t *testing.T) {
		got := cat.Applicable([]string{"internal/webhooks/deliver.go"})
		assert.Contains(t, invariantNames(got), "idempotent_webhooks")
	})

	t.Run("no files still matches unscoped", func(t *testing.T) {
		got := cat.Applicable(nil)
		assert.Equal(t, []string{"log_lines_bounded"}, invariantNames(got))
	})
}

func TestRequiredThreshold(t *testing.T) {
	cat, err := Compile(sampleCatalog)
	require.NoError(t, err)

	high := Required(cat.All(), heal.CriticalityHigh)
	assert.Equal(t, []string{"balance_non_negative", "idempotent_webhooks"}, invariantNames(high))

	low := Required(cat.All(), heal.CriticalityLow)
	assert.Len(t, low, 3)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.cue"), []byte(sampleCatalog), 0o644))

	cat, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cat.Len())
}

func TestLoadDirEmptyPathDisablesProving(t *testing.T) {
	cat, err := LoadDir("")
	require.NoError(t, err)
	assert.Zero(t, cat.Len())
}

func TestLoadDirMissing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func invariantNames(invs []heal.Invariant) []string {
	names := make([]string, len(invs))
	for i, inv := range invs {
		names[i] = inv.Name
	}
	return names
}
