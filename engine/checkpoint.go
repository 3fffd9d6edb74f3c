package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/blockberries/gadgetberry/types"
)

// Checkpoint returns the engine's decision state labeled with the given
// checkpoint round: the registry, every retained round with its votes and
// decision, the finalized watermark and the equivocation evidence. It fails
// while vote processing is halted.
func (e *Engine) Checkpoint(round uint64) (*types.CheckpointState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted != nil {
		return nil, fmt.Errorf("%w: %v", ErrHalted, e.halted)
	}

	state := &types.CheckpointState{
		Round:         round,
		Registry:      e.registry.ToData(),
		LastFinalized: e.lastFinalized,
		HasFinalized:  e.hasFinalized,
		Evidence:      e.tracker.Export(),
	}
	e.rounds.Ascend(func(rs *RoundState) bool {
		rd := types.RoundData{
			Round:      rs.round,
			Generation: rs.generation,
			Finalized:  types.CopyFinalizedState(rs.finalized),
		}
		// Arrival order keeps each validator's first vote first
		for _, v := range rs.tally.votes {
			rd.Votes = append(rd.Votes, types.CopyVote(v))
		}
		state.Rounds = append(state.Rounds, rd)
		return true
	})
	return state, nil
}

// RestoreEngine creates an engine from a checkpoint state. Each round's
// tally is rebuilt from its votes: a validator's weight counts toward its
// first vote unless the validator is faulty.
func RestoreEngine(config *Config, state *types.CheckpointState, opts ...Option) (*Engine, error) {
	if state == nil || state.Registry == nil {
		return nil, fmt.Errorf("%w: missing registry", types.ErrInvalidCheckpoint)
	}
	reg, err := types.RegistryFromData(state.Registry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidCheckpoint, err)
	}
	if state.Evidence.Generation != reg.Generation() {
		return nil, fmt.Errorf("%w: evidence generation %d, registry generation %d",
			types.ErrInvalidCheckpoint, state.Evidence.Generation, reg.Generation())
	}

	e, err := NewEngine(config, reg, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.tracker.Import(state.Evidence); err != nil {
		return nil, err
	}

	for _, rd := range state.Rounds {
		rs, err := e.restoreRound(rd)
		if err != nil {
			return nil, err
		}
		if e.rounds.Has(rs) {
			return nil, fmt.Errorf("%w: round %d listed twice", types.ErrInvalidCheckpoint, rd.Round)
		}
		e.rounds.ReplaceOrInsert(rs)
	}

	if state.HasFinalized {
		rs, ok := e.rounds.Get(roundKey(state.LastFinalized))
		if !ok || rs.finalized == nil {
			return nil, fmt.Errorf("%w: last finalized round %d has no decision",
				types.ErrInvalidCheckpoint, state.LastFinalized)
		}
	}
	e.lastFinalized, e.hasFinalized = state.LastFinalized, state.HasFinalized

	e.logger.Info("engine restored from checkpoint",
		zap.Uint64("checkpoint_round", state.Round),
		zap.Uint64("generation", reg.Generation()),
		zap.Int("rounds", e.rounds.Len()),
		zap.Int("faulty", len(e.tracker.Faulty())),
		zap.Uint64("last_finalized", e.lastFinalized),
		zap.Bool("has_finalized", e.hasFinalized))

	return e, nil
}

// restoreRound rebuilds one round. The engine is not shared yet, so no lock
// is taken.
func (e *Engine) restoreRound(rd types.RoundData) (*RoundState, error) {
	if rd.Generation != e.registry.Generation() {
		return nil, fmt.Errorf("%w: round %d has generation %d, registry generation %d",
			types.ErrInvalidCheckpoint, rd.Round, rd.Generation, e.registry.Generation())
	}

	rs := newRoundState(rd.Round, rd.Generation)
	for _, v := range rd.Votes {
		if err := v.ValidateBasic(); err != nil {
			return nil, fmt.Errorf("%w: round %d: %v", types.ErrInvalidCheckpoint, rd.Round, err)
		}
		weight, ok := e.registry.StakeOf(v.Validator)
		if !ok {
			return nil, fmt.Errorf("%w: round %d has a vote from non-member %s",
				types.ErrInvalidCheckpoint, rd.Round, v.Validator)
		}
		if e.tracker.IsFaulty(v.Validator) {
			weight = 0
		}
		if _, _, err := rs.tally.Record(v, weight); err != nil {
			return nil, fmt.Errorf("%w: round %d: %v", types.ErrInvalidCheckpoint, rd.Round, err)
		}
	}
	if err := rs.tally.CheckInvariant(e.registry.TotalStake()); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidCheckpoint, err)
	}

	if rd.Finalized != nil {
		if rd.Finalized.Round != rd.Round {
			return nil, fmt.Errorf("%w: round %d holds the decision of round %d",
				types.ErrInvalidCheckpoint, rd.Round, rd.Finalized.Round)
		}
		rs.finalized = types.CopyFinalizedState(rd.Finalized)
	}
	return rs, nil
}
