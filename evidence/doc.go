// Package evidence implements equivocation detection for the finality gadget.
//
// A validator equivocates when it votes for two or more distinct hashes in
// the same round. The Tracker keeps one EquivocationRecord per
// (validator, round) and an overlay of faulty validators for the current
// registry generation.
//
// # Faulty Status
//
// Once flagged, a validator stays faulty in every round until the registry is
// refreshed (Reset). The engine excludes a faulty validator's weight from all
// tallies, past and future, but it still counts in the registry's total stake,
// so the finality threshold never drops.
//
// # Detection Rules
//
//	1. Votes must be from the same validator
//	2. Votes must be for the same round
//	3. Votes must carry different hashes
//
// Re-delivery of a vote already seen is a duplicate, not an equivocation.
// A further conflicting hash in a round that already has a record is added
// to that record; no new record is created.
//
// # Rollback
//
// ClearRound drops a round's records. Whether the validators flagged there
// stay faulty depends on the engine's rollback policy.
//
// # Checkpoints
//
// Export and Import copy the records and the faulty overlay to and from a
// types.EvidenceState, which the node journals at checkpoints.
//
// # Thread Safety
//
// Tracker uses internal locking. The engine calls it while holding its own
// lock; external callers may query it concurrently.
//
// # Usage Example
//
//	tracker := evidence.NewTracker(reg.Generation())
//
//	if tracker.CheckAndFlag("alice", 7, firstHash, vote.Hash, time.Now()) {
//	    // newly detected: exclude alice's weight from every tally
//	}
//
//	if tracker.IsFaulty("alice") {
//	    // alice's votes are recorded with zero weight
//	}
package evidence
