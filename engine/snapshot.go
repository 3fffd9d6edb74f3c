package engine

import (
	"fmt"

	"github.com/blockberries/gadgetberry/types"
)

// RoundStatus is the voting state of a round
type RoundStatus string

const (
	RoundVoting    RoundStatus = "voting"
	RoundFinalized RoundStatus = "finalized"
)

// Snapshot is a point-in-time copy of one round: its votes, the stake per
// hash, the equivocators and the decision. Mutating it does not affect the
// engine.
type Snapshot struct {
	ChainID       string                     `json:"chain_id"`
	Round         uint64                     `json:"round"`
	Status        RoundStatus                `json:"status"`
	Generation    uint64                     `json:"generation"`
	TotalStake    uint64                     `json:"total_stake"`
	Threshold     uint64                     `json:"threshold"`
	Votes         []*types.Vote              `json:"votes"`
	Stakes        map[types.Hash]uint64      `json:"stakes"`
	Equivocators  []types.ValidatorID        `json:"equivocators"`
	Equivocations []types.EquivocationRecord `json:"equivocations"`
	Finalized     *types.FinalizedState      `json:"finalized,omitempty"`
}

// Status is an engine-wide view for operator surfaces
type Status struct {
	ChainID            string                     `json:"chain_id"`
	Generation         uint64                     `json:"generation"`
	RegistryHash       types.Hash                 `json:"registry_hash"`
	TotalStake         uint64                     `json:"total_stake"`
	Threshold          uint64                     `json:"threshold"`
	Validators         []types.Validator          `json:"validators"`
	FaultyStake        uint64                     `json:"faulty_stake"`
	LastFinalizedRound uint64                     `json:"last_finalized_round"`
	HasFinalized       bool                       `json:"has_finalized"`
	RetainedRounds     int                        `json:"retained_rounds"`
	Equivocations      []types.EquivocationRecord `json:"equivocations"`
	RollbackPolicy     RollbackPolicy             `json:"rollback_policy"`
	Halted             string                     `json:"halted,omitempty"`
}

// Snapshot returns a consistent copy of a round's state
func (e *Engine) Snapshot(round uint64) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds.Get(roundKey(round))
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, round)
	}
	return e.snapshotLocked(rs), nil
}

// SnapshotAll returns snapshots of every retained round in round order
func (e *Engine) SnapshotAll() []*Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Snapshot, 0, e.rounds.Len())
	e.rounds.Ascend(func(rs *RoundState) bool {
		out = append(out, e.snapshotLocked(rs))
		return true
	})
	return out
}

// snapshotLocked copies a round. Caller must hold e.mu.
func (e *Engine) snapshotLocked(rs *RoundState) *Snapshot {
	s := &Snapshot{
		ChainID:       e.config.ChainID,
		Round:         rs.round,
		Status:        RoundVoting,
		Generation:    e.registry.Generation(),
		TotalStake:    e.registry.TotalStake(),
		Threshold:     e.registry.Threshold(),
		Votes:         rs.tally.Votes(),
		Stakes:        rs.tally.Stakes(),
		Equivocators:  e.tracker.Faulty(),
		Equivocations: e.tracker.RecordsForRound(rs.round),
		Finalized:     types.CopyFinalizedState(rs.finalized),
	}
	if rs.finalized != nil {
		s.Status = RoundFinalized
	}
	return s
}

// Status returns an engine-wide view: registry with the faulty overlay,
// finalization watermark and equivocation records.
func (e *Engine) Status() *Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	vals := e.registry.Validators()
	var faultyStake uint64
	for i := range vals {
		vals[i].Status = e.tracker.Status(vals[i].ID)
		if vals[i].Status == types.StatusFaulty {
			faultyStake += vals[i].Weight
		}
	}

	st := &Status{
		ChainID:            e.config.ChainID,
		Generation:         e.registry.Generation(),
		RegistryHash:       e.registry.Hash(),
		TotalStake:         e.registry.TotalStake(),
		Threshold:          e.registry.Threshold(),
		Validators:         vals,
		FaultyStake:        faultyStake,
		LastFinalizedRound: e.lastFinalized,
		HasFinalized:       e.hasFinalized,
		RetainedRounds:     e.rounds.Len(),
		Equivocations:      e.tracker.Records(),
		RollbackPolicy:     e.config.RollbackPolicy,
	}
	if e.halted != nil {
		st.Halted = e.halted.Error()
	}
	return st
}
