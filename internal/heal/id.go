package heal

import "github.com/google/uuid"

// IDGenerator mints unique identifiers for events and lease tokens.
// Case identity is content-addressed (CaseID) and never minted.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator mints time-ordered UUIDs. Safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new UUIDv7 string.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
