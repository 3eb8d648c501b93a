/*
Package room implements the per-room runtime: the cohort of connected
sites, the append-only event log with its hard cap, and the CRDT document
they feed. A mutex per room serializes all state transitions, so the
invariants of the original cooperative model hold trivially: between any
two operations the room state is consistent, events are broadcast in log
order, and no other operation can slip between appending a batch and
broadcasting it.
*/
package room
