package heal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. Version suffix enables
// future algorithm migration.
const (
	DomainCase  = "mend/case/v1"
	DomainDedup = "mend/dedup/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null byte prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CaseID computes the content-addressed identity of a case. Stable across
// restarts and replays given the same failing run.
func CaseID(repository string, runID int64, headSHA string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"repository": repository,
		"run_id":     runID,
		"head_sha":   headSHA,
	})
	if err != nil {
		return "", fmt.Errorf("CaseID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCase, canonical), nil
}

// DedupKey computes the admission key for a failure event. Two events for
// the same (repository, run, head) triple share a key regardless of branch,
// actor, or delivery timing.
func DedupKey(repository string, runID int64, headSHA string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"repository": repository,
		"run_id":     runID,
		"head_sha":   headSHA,
	})
	if err != nil {
		return "", fmt.Errorf("DedupKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDedup, canonical), nil
}

// MustCaseID is like CaseID but panics on error. Use only in tests or when
// inputs are known to be valid.
func MustCaseID(repository string, runID int64, headSHA string) string {
	id, err := CaseID(repository, runID, headSHA)
	if err != nil {
		panic(err)
	}
	return id
}

// MustDedupKey is like DedupKey but panics on error. Use only in tests or
// when inputs are known to be valid.
func MustDedupKey(repository string, runID int64, headSHA string) string {
	key, err := DedupKey(repository, runID, headSHA)
	if err != nil {
		panic(err)
	}
	return key
}
