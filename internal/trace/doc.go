// Package trace records one event per processed protocol step.
//
// Events render as "<clock> <peerId> : <description>" for the console and
// can be persisted to a SQLite store. Rows are ordered by insertion seq,
// never by wall time. A peer records a release before sending the grants
// it causes, so the seq order of one simulated run is a valid interleaving
// and Verify can check cross-peer bounds on it.
package trace
