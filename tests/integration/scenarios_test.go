package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/gadgetberry/engine"
	"github.com/blockberries/gadgetberry/types"
)

func fourEqual(t *testing.T) *types.Registry {
	return newRegistry(t, 1,
		stake{"alice", 25}, stake{"bob", 25}, stake{"carol", 25}, stake{"dave", 25})
}

func TestSplitVoteNeverFinalizes(t *testing.T) {
	n := newTestNode(t, "split", fourEqual(t))

	kinds := n.accept(t,
		vote("alice", 1, hashA),
		vote("bob", 1, hashA),
		vote("carol", 1, hashB),
		vote("dave", 1, hashB),
	)
	for _, k := range kinds {
		require.Equal(t, engine.ResultAcceptedPending, k)
	}

	eng := n.gadget.Engine()
	require.Equal(t, uint64(50), eng.StakeFor(1, hashA))
	require.Equal(t, uint64(50), eng.StakeFor(1, hashB))
	_, ok := n.finalized(1)
	require.False(t, ok)

	snap, err := eng.Snapshot(1)
	require.NoError(t, err)
	require.Equal(t, engine.RoundVoting, snap.Status)
	require.Equal(t, uint64(67), snap.Threshold)
	require.Len(t, snap.Votes, 4)
}

func TestRefreshAddsValidator(t *testing.T) {
	n := newTestNode(t, "refresh", fourEqual(t))

	// Erin is not a member yet
	require.Equal(t, []engine.ResultKind{engine.ResultRejectedUnknownValidator},
		n.accept(t, vote("erin", 1, hashA)))

	next := newRegistry(t, 2,
		stake{"alice", 25}, stake{"bob", 25}, stake{"carol", 25}, stake{"dave", 25}, stake{"erin", 10})
	require.NoError(t, n.gadget.Refresh(next))
	require.Equal(t, uint64(110), next.TotalStake())
	require.Equal(t, uint64(74), next.Threshold())

	kinds := n.accept(t,
		vote("erin", 1, hashA),
		vote("alice", 1, hashA),
		vote("bob", 1, hashA),
		vote("carol", 1, hashA),
	)
	require.Equal(t, []engine.ResultKind{
		engine.ResultAcceptedPending,
		engine.ResultAcceptedPending,
		engine.ResultAcceptedPending,
		engine.ResultFinalized,
	}, kinds)

	fin, ok := n.gadget.Engine().Finalized(1)
	require.True(t, ok)
	require.Equal(t, hashA, fin.Hash)
	require.Equal(t, uint64(85), fin.Stake)
	require.Equal(t, uint64(2), fin.Generation)
}

func TestEquivocationExcludesStake(t *testing.T) {
	reg := newRegistry(t, 1, stake{"x", 20}, stake{"a", 30}, stake{"b", 25}, stake{"c", 25})
	eng, rec := newEngine(t, reg, "")

	res, err := eng.AcceptVote(vote("x", 1, hashA))
	require.NoError(t, err)
	require.Equal(t, engine.ResultAcceptedPending, res.Kind)
	require.Equal(t, uint64(20), eng.StakeFor(1, hashA))

	res, err = eng.AcceptVote(vote("x", 1, hashB))
	require.NoError(t, err)
	require.Equal(t, engine.ResultEquivocationFlagged, res.Kind)
	require.Zero(t, eng.StakeFor(1, hashA))
	require.Zero(t, eng.StakeFor(1, hashB))
	require.True(t, eng.IsFaulty("x"))

	require.Len(t, rec.equivocations, 1)
	ev := rec.equivocations[0]
	require.Equal(t, types.ValidatorID("x"), ev.Record.Validator)
	require.Equal(t, uint64(20), ev.ExcludedStake)
	require.Equal(t, fixedClock(), ev.Record.DetectedAt)

	// A later vote for A does not bring X's weight back
	_, err = eng.AcceptVote(vote("c", 1, hashA))
	require.NoError(t, err)
	require.Equal(t, uint64(25), eng.StakeFor(1, hashA))

	// X retransmitting its first vote is a duplicate, not a new flag
	res, err = eng.AcceptVote(vote("x", 1, hashA))
	require.NoError(t, err)
	require.Equal(t, engine.ResultDuplicateIgnored, res.Kind)
	require.Len(t, rec.equivocations, 1)

	st := eng.Status()
	require.Equal(t, uint64(20), st.FaultyStake)
	for _, v := range st.Validators {
		if v.ID == "x" {
			require.Equal(t, types.StatusFaulty, v.Status)
		}
	}

	// X stays excluded in later rounds
	_, err = eng.AcceptVote(vote("x", 2, hashC))
	require.NoError(t, err)
	require.Zero(t, eng.StakeFor(2, hashC))
}

func TestRetransmitIsIdempotent(t *testing.T) {
	n := newTestNode(t, "retransmit", fourEqual(t))

	kinds := n.accept(t, vote("bob", 1, hashA), vote("bob", 1, hashA))
	require.Equal(t, engine.ResultAcceptedPending, kinds[0])
	require.Equal(t, engine.ResultDuplicateIgnored, kinds[1])
	require.Equal(t, uint64(25), n.gadget.Engine().StakeFor(1, hashA))

	// The engine itself is idempotent without the gadget's cache
	eng, _ := newEngine(t, fourEqual(t), "")
	for range 3 {
		_, err := eng.AcceptVote(vote("bob", 1, hashA))
		require.NoError(t, err)
	}
	require.Equal(t, uint64(25), eng.StakeFor(1, hashA))
}

func TestRollbackReopensRound(t *testing.T) {
	for _, tc := range []struct {
		policy      engine.RollbackPolicy
		staysFaulty bool
	}{
		{engine.RollbackKeepFaulty, true},
		{engine.RollbackClearFaulty, false},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			reg := newRegistry(t, 1,
				stake{"a", 30}, stake{"b", 25}, stake{"c", 25}, stake{"d", 15}, stake{"x", 5})
			eng, rec := newEngine(t, reg, tc.policy)

			for _, v := range []*types.Vote{
				vote("x", 1, hashC),
				vote("x", 1, hashA),
				vote("a", 1, hashA),
				vote("b", 1, hashA),
				vote("c", 1, hashA),
			} {
				_, err := eng.AcceptVote(v)
				require.NoError(t, err)
			}
			fin, ok := eng.Finalized(1)
			require.True(t, ok)
			require.Equal(t, uint64(80), fin.Stake)

			prev, err := eng.Rollback(1)
			require.NoError(t, err)
			require.Equal(t, tc.policy, prev.Policy)
			require.NotNil(t, prev.Finalized)
			require.Equal(t, hashA, prev.Finalized.Hash)
			require.Len(t, prev.Votes, 5)
			require.Len(t, prev.Equivocations, 1)

			snap, err := eng.Snapshot(1)
			require.NoError(t, err)
			require.Equal(t, engine.RoundVoting, snap.Status)
			require.Empty(t, snap.Votes)
			require.Empty(t, nonZero(snap.Stakes))
			_, ok = eng.LastFinalized()
			require.False(t, ok)

			require.Equal(t, tc.staysFaulty, eng.IsFaulty("x"))

			// The reopened round can decide differently
			for _, id := range []string{"b", "c", "d", "x"} {
				_, err := eng.AcceptVote(vote(id, 1, hashB))
				require.NoError(t, err)
			}
			if tc.staysFaulty {
				require.Equal(t, uint64(65), eng.StakeFor(1, hashB))
				_, ok = eng.Finalized(1)
				require.False(t, ok)

				_, err = eng.AcceptVote(vote("a", 1, hashB))
				require.NoError(t, err)
			}
			fin, ok = eng.Finalized(1)
			require.True(t, ok)
			require.Equal(t, hashB, fin.Hash)
			require.Len(t, rec.finalized, 2)
			if !tc.staysFaulty {
				require.Equal(t, uint64(70), fin.Stake)
			}
		})
	}
}

func TestPartitionFinalizesOnlyAfterMerge(t *testing.T) {
	genesis := newRegistry(t, 1,
		stake{"east-1", 20}, stake{"east-2", 15},
		stake{"west-1", 20}, stake{"west-2", 15},
		stake{"idle", 30})
	east := newTestNode(t, "east", genesis)
	west := newTestNode(t, "west", genesis)

	eastVotes := []*types.Vote{vote("east-1", 1, hashA), vote("east-2", 1, hashA)}
	westVotes := []*types.Vote{vote("west-1", 1, hashA), vote("west-2", 1, hashA)}

	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	for _, n := range []*testNode{east, west} {
		eg.Go(func() error { return n.gadget.Run(ctx) })
	}

	// During the partition each side sees only its own 35%
	for _, v := range eastVotes {
		require.NoError(t, east.gadget.Submit(v))
	}
	for _, v := range westVotes {
		require.NoError(t, west.gadget.Submit(v))
	}
	require.Eventually(t, func() bool {
		return east.gadget.Engine().StakeFor(1, hashA) == 35 &&
			west.gadget.Engine().StakeFor(1, hashA) == 35
	}, 5*time.Second, 5*time.Millisecond)
	for _, n := range []*testNode{east, west} {
		_, ok := n.finalized(1)
		require.False(t, ok, n.name)
	}

	// Connectivity returns and both sides gossip everything they saw
	for _, v := range append(westVotes, eastVotes...) {
		require.NoError(t, east.gadget.Submit(v))
	}
	for _, v := range append(eastVotes, westVotes...) {
		require.NoError(t, west.gadget.Submit(v))
	}
	require.Eventually(t, func() bool {
		_, eastDone := east.finalized(1)
		_, westDone := west.finalized(1)
		return eastDone && westDone
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, eg.Wait())

	for _, n := range []*testNode{east, west} {
		fin, ok := n.gadget.Engine().Finalized(1)
		require.True(t, ok)
		require.Equal(t, hashA, fin.Hash)
		require.Equal(t, uint64(70), fin.Stake)
	}
}
