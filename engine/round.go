package engine

import (
	"github.com/blockberries/gadgetberry/types"
)

// defaultTreeDegree is the btree degree of the round index
const defaultTreeDegree = 32

// RoundState is everything the engine knows about one round: the tally, the
// registry generation it was computed against, and the decision if any.
type RoundState struct {
	round      uint64
	generation uint64
	tally      *VoteTally
	finalized  *types.FinalizedState
}

func newRoundState(round, generation uint64) *RoundState {
	return &RoundState{
		round:      round,
		generation: generation,
		tally:      NewVoteTally(round),
	}
}

// Less orders rounds by number
func (r *RoundState) Less(other *RoundState) bool {
	return r.round < other.round
}

// reset returns the round to open voting under a generation
func (r *RoundState) reset(generation uint64) {
	r.generation = generation
	r.tally = NewVoteTally(r.round)
	r.finalized = nil
}

// roundKey builds a lookup key for the round index
func roundKey(round uint64) *RoundState {
	return &RoundState{round: round}
}
