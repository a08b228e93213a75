// Package heal defines the shared data model for the self-healing engine:
// failure events, cases and their state graph, journal entry kinds, the
// error taxonomy, and content-addressed identity for cases and dedup keys.
//
// Types here are pure data. Behavior lives in the engine, dispatch, and
// journal packages; collaborator wire shapes live in collab.
package heal
