package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/blockberries/gadgetberry/types"
)

// PreviousState is what a rollback cleared, returned for audit logging
type PreviousState struct {
	Round         uint64                     `json:"round"`
	Generation    uint64                     `json:"generation"`
	Policy        RollbackPolicy             `json:"policy"`
	Finalized     *types.FinalizedState      `json:"finalized,omitempty"`
	Votes         []*types.Vote              `json:"votes"`
	Stakes        map[types.Hash]uint64      `json:"stakes"`
	Equivocations []types.EquivocationRecord `json:"equivocations"`
	Unflagged     []types.ValidatorID        `json:"unflagged,omitempty"`
}

// Rollback clears a round's votes, its equivocation records and its
// finalized state, returning the round to open voting. Whether validators
// flagged in the round stay faulty follows the configured RollbackPolicy.
// The registry is not touched.
//
// Only the highest finalized round or a round above it can be rolled back;
// older rounds return ErrRoundSuperseded.
func (e *Engine) Rollback(round uint64) (*PreviousState, error) {
	e.mu.Lock()
	prev, events, err := e.rollbackLocked(round)
	listeners := e.listeners
	e.mu.Unlock()

	dispatch(listeners, events)
	return prev, err
}

// rollbackLocked performs the rollback. Caller must hold e.mu.
func (e *Engine) rollbackLocked(round uint64) (*PreviousState, []event, error) {
	rs, ok := e.rounds.Get(roundKey(round))
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrRoundNotFound, round)
	}
	if e.hasFinalized && round < e.lastFinalized {
		return nil, nil, fmt.Errorf("%w: round %d, last finalized %d", ErrRoundSuperseded, round, e.lastFinalized)
	}

	policy := e.config.RollbackPolicy
	cleared, unflagged := e.tracker.ClearRound(round, policy == RollbackClearFaulty)

	prev := &PreviousState{
		Round:         round,
		Generation:    rs.generation,
		Policy:        policy,
		Finalized:     types.CopyFinalizedState(rs.finalized),
		Votes:         rs.tally.Votes(),
		Stakes:        rs.tally.Stakes(),
		Equivocations: cleared,
		Unflagged:     unflagged,
	}

	rs.reset(e.registry.Generation())
	e.recomputeLastFinalizedLocked()

	events := e.restoreLocked(unflagged)

	e.logger.Info("round rolled back",
		zap.Uint64("round", round),
		zap.String("policy", string(policy)),
		zap.Bool("was_finalized", prev.Finalized != nil),
		zap.Int("votes_cleared", len(prev.Votes)),
		zap.Int("equivocations_cleared", len(cleared)),
		zap.Int("validators_unflagged", len(unflagged)))
	e.metrics.RolledBack()

	return prev, events, nil
}

// recomputeLastFinalizedLocked finds the highest finalized round. Caller must hold e.mu.
func (e *Engine) recomputeLastFinalizedLocked() {
	e.lastFinalized, e.hasFinalized = 0, false
	e.rounds.Descend(func(rs *RoundState) bool {
		if rs.finalized != nil {
			e.lastFinalized, e.hasFinalized = rs.round, true
			return false
		}
		return true
	})
}

// restoreLocked counts the weight of unflagged validators again in every
// retained round and finalizes any open round that now reaches the
// threshold. Caller must hold e.mu.
func (e *Engine) restoreLocked(unflagged []types.ValidatorID) []event {
	if len(unflagged) == 0 {
		return nil
	}

	var events []event
	e.rounds.Ascend(func(rs *RoundState) bool {
		for _, id := range unflagged {
			weight, ok := e.registry.StakeOf(id)
			if !ok {
				continue
			}
			hash, restored := rs.tally.Restore(id, weight)
			if !restored || rs.finalized != nil {
				continue
			}
			if e.hasFinalized && rs.round < e.lastFinalized {
				continue
			}
			if _, ev := e.evaluateLocked(rs, hash); ev != nil {
				events = append(events, *ev)
			}
		}
		if err := e.checkInvariantLocked(rs); err != nil {
			return false
		}
		return true
	})
	return events
}
