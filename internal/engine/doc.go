// Package engine is the durable state-machine orchestrator. It admits
// failure events into cases, schedules them FIFO across a bounded worker
// pool, and drives each case through
// NEW -> DIAGNOSE -> PATCH -> TEST -> PROVE -> MERGE -> DONE|FAILED.
//
// The journal is the source of truth: every transition and every activity
// call is appended before the in-memory projection moves, and recovery
// replays the journal rather than trusting memory. Feedback edges
// (PATCH -> DIAGNOSE on compilation failure, TEST -> DIAGNOSE on a failed
// suite) re-enter an earlier phase with enriched context; they are graph
// edges, not activity retries.
package engine
