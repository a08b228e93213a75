package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDGenerator mints "prefix-000001", "prefix-000002", ... in
// call order, replacing UUIDv7 event IDs where traces must be stable
// across runs.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int64
}

// NewSequenceIDGenerator returns a generator with the given prefix.
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	return &SequenceIDGenerator{prefix: prefix}
}

// NewID implements heal.IDGenerator.
func (g *SequenceIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
