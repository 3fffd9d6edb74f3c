package integration

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gadgetberry/engine"
	"github.com/blockberries/gadgetberry/types"
)

const seeds = 40

var candidates = []types.Hash{hashA, hashB, hashC}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// randomRegistry builds n validators with weights in [1, 20]
func randomRegistry(t *testing.T, r *rand.Rand, n int) (*types.Registry, []string) {
	t.Helper()
	ids := validatorIDs(n)
	stakes := make([]stake, n)
	for i, id := range ids {
		stakes[i] = stake{id, uint64(r.IntN(20) + 1)}
	}
	return newRegistry(t, 1, stakes...), ids
}

// randomVotes draws count votes for round 1 from any validator for any
// candidate, so equivocation and retransmits are both common.
func randomVotes(r *rand.Rand, ids []string, count int) []*types.Vote {
	votes := make([]*types.Vote, count)
	for i := range votes {
		votes[i] = vote(ids[r.IntN(len(ids))], 1, candidates[r.IntN(len(candidates))])
	}
	return votes
}

// honestVotes gives every voting validator one hash and retransmits some
// votes. About one validator in five abstains.
func honestVotes(r *rand.Rand, ids []string) []*types.Vote {
	var votes []*types.Vote
	for _, id := range ids {
		if r.IntN(5) == 0 {
			continue
		}
		h := candidates[r.IntN(len(candidates))]
		for range r.IntN(3) + 1 {
			votes = append(votes, vote(id, 1, h))
		}
	}
	return votes
}

func shuffled(r *rand.Rand, votes []*types.Vote) []*types.Vote {
	out := append([]*types.Vote(nil), votes...)
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func feed(t *testing.T, eng *engine.Engine, votes []*types.Vote) {
	t.Helper()
	for _, v := range votes {
		_, err := eng.AcceptVote(v)
		require.NoError(t, err)
	}
}

func TestPropertySafety(t *testing.T) {
	for seed := range uint64(seeds) {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := newRand(seed)
			reg, ids := randomRegistry(t, r, 4+r.IntN(6))
			eng, _ := newEngine(t, reg, "")
			total, threshold := reg.TotalStake(), reg.Threshold()

			for _, v := range randomVotes(r, ids, 60) {
				_, err := eng.AcceptVote(v)
				require.NoError(t, err)

				snap, err := eng.Snapshot(1)
				require.NoError(t, err)

				var counted uint64
				for _, s := range snap.Stakes {
					counted += s
				}
				require.LessOrEqual(t, counted, total)

				sup := support(reg, snap.Votes)
				hashes := hashesOf(sup)
				for i := range hashes {
					for j := i + 1; j < len(hashes); j++ {
						a, b := sup[hashes[i]], sup[hashes[j]]
						if sum(a) >= threshold && sum(b) >= threshold {
							require.GreaterOrEqual(t, 3*overlap(a, b), total,
								"two hashes reached the threshold without a third of stake equivocating")
						}
					}
				}

				if fin := snap.Finalized; fin != nil {
					require.GreaterOrEqual(t, sum(sup[fin.Hash]), threshold)
				}
			}
		})
	}
}

func TestPropertySafetyAcrossNodes(t *testing.T) {
	for seed := range uint64(seeds) {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := newRand(seed)
			reg, ids := randomRegistry(t, r, 4+r.IntN(6))
			left, _ := newEngine(t, reg, "")
			right, _ := newEngine(t, reg, "")

			// Each vote reaches one side or both
			var all []*types.Vote
			for _, v := range randomVotes(r, ids, 50) {
				all = append(all, v)
				switch r.IntN(3) {
				case 0:
					feed(t, left, []*types.Vote{v})
				case 1:
					feed(t, right, []*types.Vote{v})
				default:
					feed(t, left, []*types.Vote{v})
					feed(t, right, []*types.Vote{v})
				}
			}

			lf, lok := left.Finalized(1)
			rf, rok := right.Finalized(1)
			if !lok || !rok || lf.Hash == rf.Hash {
				return
			}
			sup := support(reg, all)
			require.GreaterOrEqual(t, 3*overlap(sup[lf.Hash], sup[rf.Hash]), reg.TotalStake(),
				"conflicting decisions without a third of stake equivocating")
		})
	}
}

func TestPropertyLiveness(t *testing.T) {
	for seed := range uint64(seeds) {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := newRand(seed)
			reg, ids := randomRegistry(t, r, 5+r.IntN(8))
			eng, _ := newEngine(t, reg, "")

			// Honest validators holding at least two thirds vote A, the
			// rest vote anything
			order := r.Perm(len(ids))
			var (
				votes  []*types.Vote
				honest uint64
			)
			for _, i := range order {
				id := ids[i]
				if honest < reg.Threshold() {
					w, _ := reg.StakeOf(types.ValidatorID(id))
					honest += w
					for range r.IntN(3) + 1 {
						votes = append(votes, vote(id, 1, hashA))
					}
					continue
				}
				for range r.IntN(3) {
					votes = append(votes, vote(id, 1, candidates[r.IntN(len(candidates))]))
				}
			}

			feed(t, eng, shuffled(r, votes))

			fin, ok := eng.Finalized(1)
			require.True(t, ok)
			require.Equal(t, hashA, fin.Hash)
		})
	}
}

func TestPropertyIdempotence(t *testing.T) {
	for seed := range uint64(seeds) {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := newRand(seed)
			reg, ids := randomRegistry(t, r, 4+r.IntN(6))
			eng, rec := newEngine(t, reg, "")

			votes := randomVotes(r, ids, 40)
			feed(t, eng, votes)

			before, err := eng.Snapshot(1)
			require.NoError(t, err)
			flags := len(rec.equivocations)

			for _, v := range shuffled(r, votes) {
				res, err := eng.AcceptVote(v)
				require.NoError(t, err)
				require.Equal(t, engine.ResultDuplicateIgnored, res.Kind)
			}

			after, err := eng.Snapshot(1)
			require.NoError(t, err)
			require.Equal(t, before.Stakes, after.Stakes)
			require.Equal(t, before.Equivocators, after.Equivocators)
			require.Equal(t, before.Finalized, after.Finalized)
			require.Len(t, rec.equivocations, flags)
		})
	}
}

func TestPropertyOrderIndependence(t *testing.T) {
	for seed := range uint64(seeds) {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := newRand(seed)
			reg, ids := randomRegistry(t, r, 4+r.IntN(6))
			votes := honestVotes(r, ids)

			ref, _ := newEngine(t, reg, "")
			feed(t, ref, votes)
			want, err := ref.Snapshot(1)
			if len(votes) == 0 {
				require.ErrorIs(t, err, engine.ErrRoundNotFound)
				return
			}
			require.NoError(t, err)

			for range 10 {
				eng, _ := newEngine(t, reg, "")
				feed(t, eng, shuffled(r, votes))
				got, err := eng.Snapshot(1)
				require.NoError(t, err)

				require.Equal(t, want.Stakes, got.Stakes)
				require.Equal(t, want.Votes, got.Votes)
				require.Equal(t, want.Status, got.Status)
				require.Equal(t, want.Finalized == nil, got.Finalized == nil)
				if want.Finalized != nil {
					require.Equal(t, want.Finalized.Hash, got.Finalized.Hash)
				}
			}
		})
	}
}

// With equivocation the first hash to cross the threshold can depend on
// whether the equivocator's weight was counted at that moment, so only the
// final tally is compared.
func TestPropertyOrderIndependentTally(t *testing.T) {
	for seed := range uint64(seeds) {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := newRand(seed)
			reg, ids := randomRegistry(t, r, 4+r.IntN(6))
			votes := randomVotes(r, ids, 30)

			ref, _ := newEngine(t, reg, "")
			feed(t, ref, votes)
			want, err := ref.Snapshot(1)
			require.NoError(t, err)

			for range 10 {
				eng, _ := newEngine(t, reg, "")
				feed(t, eng, shuffled(r, votes))
				got, err := eng.Snapshot(1)
				require.NoError(t, err)

				require.Equal(t, nonZero(want.Stakes), nonZero(got.Stakes))
				require.Equal(t, want.Votes, got.Votes)
				require.Equal(t, want.Equivocators, got.Equivocators)
				require.Equal(t, ref.Status().FaultyStake, eng.Status().FaultyStake)
			}
		})
	}
}

func TestPropertyMonotonicity(t *testing.T) {
	for seed := range uint64(seeds) {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := newRand(seed)
			reg, ids := randomRegistry(t, r, 4+r.IntN(6))
			eng, rec := newEngine(t, reg, "")

			decided := make(map[uint64]types.FinalizedState)
			var watermark uint64

			for range 120 {
				round := uint64(r.IntN(4) + 1)
				v := vote(ids[r.IntN(len(ids))], round, candidates[r.IntN(len(candidates))])

				last, hadFinal := eng.LastFinalized()
				res, err := eng.AcceptVote(v)
				require.NoError(t, err)
				if hadFinal && round < last {
					require.Equal(t, engine.ResultRejectedStaleRound, res.Kind)
				}

				for rnd, fin := range decided {
					got, ok := eng.Finalized(rnd)
					require.True(t, ok, "round %d lost its decision", rnd)
					require.Equal(t, fin, *got)
				}
				if fin, ok := eng.Finalized(round); ok {
					decided[round] = *fin
				}

				if now, ok := eng.LastFinalized(); ok {
					require.GreaterOrEqual(t, now, watermark)
					watermark = now
				}
			}

			require.Len(t, rec.finalized, len(decided))
		})
	}
}
