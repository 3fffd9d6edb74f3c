// Package engine implements the stake-weighted finality engine.
//
// Each round moves through two states:
//
//	Voting → Finalized → (operator Rollback) → Voting
//
// # Core Components
//
// Engine: Orchestrates vote ingestion. Looks up the voter's weight in the
// registry, records the vote in the round's VoteTally, hands conflicts to the
// equivocation tracker and finalizes the first hash to reach
// ceil(2*total/3) of the registry's stake.
//
// VoteTally: Per-round accumulator of stake per candidate hash. Counts each
// validator toward the hash of its first vote only.
//
// RoundState: A round's tally, its FinalizedState and the registry
// generation it was computed against, kept in a btree ordered by round.
//
// Snapshot: Deep-copied view of a round for audit and telemetry.
//
// Rollback: Operator-invoked reset of a round to open voting.
//
// # Vote Pipeline
//
//	1. Unknown validator          → RejectedUnknownValidator
//	2. Round below last finalized → RejectedStaleRound
//	3. Same vote seen before      → DuplicateIgnored
//	4. Different hash than first  → EquivocationFlagged
//	5. Stake reaches threshold    → Finalized
//	6. Otherwise                  → AcceptedPending
//
// A vote for the finalized hash of a finalized round returns Finalized again
// as a reaffirmation. No vote can make a different hash finalize in that
// round.
//
// # Equivocation
//
// A validator flagged faulty loses its weight in every retained round and
// counts for nothing until the registry is refreshed. Its stake still counts
// in the total, so the threshold does not move.
//
// # Invariants
//
// After every tally change the counted stake of a round must not exceed the
// registry's total stake. A violation halts vote processing (ErrHalted) until
// a refresh installs a valid registry.
//
// # Usage Example
//
//	reg, _ := types.NewRegistry(1, validators)
//	eng, err := engine.NewEngine(engine.DefaultConfig(), reg,
//	    engine.WithLogger(logger),
//	    engine.WithListener(engine.ListenerFuncs{
//	        Finalized: func(ev engine.FinalizationEvent) { commit(ev.Round, ev.Hash) },
//	    }))
//
//	res, err := eng.AcceptVote(vote)
//	if err != nil {
//	    // halted: stop feeding votes until a registry refresh
//	}
//	if res.Kind == engine.ResultFinalized {
//	    // res.Hash is final for res.Round
//	}
//
// # Thread Safety
//
// All Engine methods are safe for concurrent use. State changes are
// serialized by one mutex. Listeners are called after the mutex is released.
package engine
