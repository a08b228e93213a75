// Package harness runs YAML-declared healing scenarios against a real
// engine wired over a throwaway SQLite journal and scripted
// collaborators. A scenario declares the incoming failure event, the
// responses each collaborator returns call by call, and assertions over
// the terminal case, the emitted event order, and the journal shape.
//
// Runs are deterministic: a step clock ticks one millisecond per
// reading, event IDs are sequential, and retry backoff collapses to
// nothing. Golden files under testdata/golden pin the exact journal
// sequence each scenario produces; regenerate them with go test -update
// after an intentional behavior change.
package harness
