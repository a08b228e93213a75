// Package journal provides the durable append-only case log and its SQLite
// implementation, plus replay: rebuilding an in-memory case projection from
// journal entries.
//
// Entries are write-once and strictly ordered per case. Appends enforce
// seq = last + 1; re-appending a byte-identical entry is a no-op so that a
// crash between append and acknowledgment is recoverable.
package journal
