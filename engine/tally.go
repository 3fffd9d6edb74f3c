package engine

import (
	"fmt"
	"sort"

	"github.com/blockberries/gadgetberry/types"
)

// TallyOutcome is the result of recording a vote in a VoteTally
type TallyOutcome uint8

const (
	// TallyAccepted means this is the validator's first vote in the round
	TallyAccepted TallyOutcome = iota
	// TallyDuplicate means this exact vote was already recorded
	TallyDuplicate
	// TallyConflicting means the validator already voted for a different hash
	TallyConflicting
)

func (o TallyOutcome) String() string {
	switch o {
	case TallyAccepted:
		return "accepted"
	case TallyDuplicate:
		return "duplicate"
	case TallyConflicting:
		return "conflicting"
	default:
		return fmt.Sprintf("TallyOutcome(%d)", uint8(o))
	}
}

// hashVotes accumulates the stake counted toward one candidate hash
type hashVotes struct {
	hash  types.Hash
	stake uint64
}

// firstVote is a validator's first vote in a round and the weight currently
// counted for it. counted is zero while the validator is faulty.
type firstVote struct {
	vote    *types.Vote
	counted uint64
}

// VoteTally accumulates stake per candidate hash for a single round.
//
// Each validator's weight is counted toward at most one hash: the hash of its
// first vote. Later votes for other hashes are recorded for audit but never
// add weight. VoteTally is not safe for concurrent use; the Engine serializes
// access to it.
type VoteTally struct {
	round uint64

	first  map[types.ValidatorID]*firstVote
	seen   map[types.ValidatorID]map[types.Hash]struct{}
	byHash map[types.Hash]*hashVotes
	votes  []*types.Vote // every distinct vote, in arrival order
	sum    uint64
}

// NewVoteTally creates an empty tally for a round
func NewVoteTally(round uint64) *VoteTally {
	return &VoteTally{
		round:  round,
		first:  make(map[types.ValidatorID]*firstVote),
		seen:   make(map[types.ValidatorID]map[types.Hash]struct{}),
		byHash: make(map[types.Hash]*hashVotes),
	}
}

// Round returns the round this tally belongs to
func (t *VoteTally) Round() uint64 {
	return t.round
}

// Record adds a vote with the given weight. For TallyConflicting, the hash of
// the validator's first vote is returned as well.
func (t *VoteTally) Record(vote *types.Vote, weight uint64) (TallyOutcome, types.Hash, error) {
	if vote == nil {
		return 0, types.Hash{}, fmt.Errorf("%w: nil vote", ErrInvalidVote)
	}
	if vote.Round != t.round {
		return 0, types.Hash{}, fmt.Errorf("%w: vote round %d, tally round %d", ErrInvalidVote, vote.Round, t.round)
	}

	hashes, voted := t.seen[vote.Validator]
	if _, dup := hashes[vote.Hash]; dup {
		return TallyDuplicate, types.Hash{}, nil
	}

	// Deep copy so caller modifications cannot corrupt the audit trail
	voteCopy := types.CopyVote(vote)
	t.votes = append(t.votes, voteCopy)

	if voted {
		hashes[vote.Hash] = struct{}{}
		return TallyConflicting, t.first[vote.Validator].vote.Hash, nil
	}

	t.seen[vote.Validator] = map[types.Hash]struct{}{vote.Hash: {}}
	t.first[vote.Validator] = &firstVote{vote: voteCopy, counted: weight}

	hv, ok := t.byHash[vote.Hash]
	if !ok {
		hv = &hashVotes{hash: vote.Hash}
		t.byHash[vote.Hash] = hv
	}
	hv.stake += weight
	t.sum += weight

	return TallyAccepted, types.Hash{}, nil
}

// Exclude removes the weight counted for a validator and returns it.
func (t *VoteTally) Exclude(id types.ValidatorID) uint64 {
	fv, ok := t.first[id]
	if !ok || fv.counted == 0 {
		return 0
	}
	removed := fv.counted
	t.byHash[fv.vote.Hash].stake -= removed
	t.sum -= removed
	fv.counted = 0
	return removed
}

// Restore counts weight for a validator whose weight was excluded. It returns
// the hash the weight went to, if the validator has a first vote here.
func (t *VoteTally) Restore(id types.ValidatorID, weight uint64) (types.Hash, bool) {
	fv, ok := t.first[id]
	if !ok || fv.counted != 0 || weight == 0 {
		return types.Hash{}, false
	}
	fv.counted = weight
	t.byHash[fv.vote.Hash].stake += weight
	t.sum += weight
	return fv.vote.Hash, true
}

// StakeFor returns the active stake accumulated for a hash
func (t *VoteTally) StakeFor(hash types.Hash) uint64 {
	if hv, ok := t.byHash[hash]; ok {
		return hv.stake
	}
	return 0
}

// Sum returns the stake counted across all hashes
func (t *VoteTally) Sum() uint64 {
	return t.sum
}

// Stakes returns a copy of the stake per hash
func (t *VoteTally) Stakes() map[types.Hash]uint64 {
	out := make(map[types.Hash]uint64, len(t.byHash))
	for h, hv := range t.byHash {
		out[h] = hv.stake
	}
	return out
}

// Votes returns copies of every distinct vote, ordered by validator then
// hash so the result does not depend on arrival order.
func (t *VoteTally) Votes() []*types.Vote {
	out := make([]*types.Vote, len(t.votes))
	for i, v := range t.votes {
		out[i] = types.CopyVote(v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Validator != out[j].Validator {
			return out[i].Validator < out[j].Validator
		}
		return out[i].Hash.Less(out[j].Hash)
	})
	return out
}

// Size returns the number of distinct votes recorded
func (t *VoteTally) Size() int {
	return len(t.votes)
}

// CheckInvariant verifies that per-hash stake adds up to the counted sum,
// that the per-validator counts agree, and that the sum does not exceed
// totalStake.
func (t *VoteTally) CheckInvariant(totalStake uint64) error {
	var byHash, byValidator uint64
	for _, hv := range t.byHash {
		byHash += hv.stake
	}
	for _, fv := range t.first {
		byValidator += fv.counted
	}
	if byHash != t.sum || byValidator != t.sum {
		return fmt.Errorf("%w: round %d tally sum %d, per-hash %d, per-validator %d",
			ErrInvariantViolation, t.round, t.sum, byHash, byValidator)
	}
	if t.sum > totalStake {
		return fmt.Errorf("%w: round %d counted stake %d exceeds total stake %d",
			ErrInvariantViolation, t.round, t.sum, totalStake)
	}
	return nil
}
