package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/blockberries/gadgetberry/evidence"
	"github.com/blockberries/gadgetberry/types"
)

// Engine is the finality engine. It aggregates stake-weighted votes per
// round and finalizes the first hash whose stake reaches two thirds of the
// registry's total stake.
//
// All state transitions happen under a single mutex: the check for a prior
// vote from a validator and the recording of the new vote are one atomic step.
// Engine performs no I/O.
type Engine struct {
	mu sync.Mutex

	// Configuration
	config *Config

	// Validator registry and its faulty-status overlay
	registry *types.Registry
	tracker  *evidence.Tracker

	// Round index ordered by round number
	rounds *btree.BTreeG[*RoundState]

	// Highest finalized round. Votes for lower rounds are stale.
	lastFinalized uint64
	hasFinalized  bool

	// Set on invariant violation; cleared by a refresh
	halted error

	listeners []Listener
	logger    *zap.Logger
	metrics   Metrics

	// Arrival time for votes submitted through AcceptVote
	now func() time.Time
}

// NewEngine creates a finality engine for the given registry. A nil config
// uses DefaultConfig.
func NewEngine(config *Config, reg *types.Registry, opts ...Option) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, types.ErrNilRegistry
	}
	if err := reg.CheckInvariant(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	e := &Engine{
		config:   config,
		registry: reg,
		tracker:  evidence.NewTracker(reg.Generation()),
		rounds:   btree.NewG(defaultTreeDegree, (*RoundState).Less),
		logger:   zap.NewNop(),
		metrics:  NopMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("chain_id", config.ChainID))
	e.metrics.Refreshed(reg.Generation(), reg.TotalStake())

	return e, nil
}

// Subscribe adds a listener for finalization and equivocation events
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// AcceptVote ingests one authenticated vote arriving now.
//
// Per-vote outcomes are reported in the VoteResult. A non-nil error is
// returned only for a malformed vote, or when processing is halted by an
// invariant violation (ErrHalted, ErrInvariantViolation).
func (e *Engine) AcceptVote(vote *types.Vote) (VoteResult, error) {
	return e.AcceptVoteAt(vote, e.now())
}

// AcceptVoteAt is AcceptVote for a vote that arrived at the given time. The
// time is used as the detection time of an equivocation the vote reveals,
// so a journal replay that passes the journaled arrival time reproduces the
// same records.
func (e *Engine) AcceptVoteAt(vote *types.Vote, at time.Time) (VoteResult, error) {
	if err := vote.ValidateBasic(); err != nil {
		return VoteResult{}, err
	}

	e.mu.Lock()
	res, events, err := e.acceptVoteLocked(vote, at)
	listeners := e.listeners
	e.mu.Unlock()

	dispatch(listeners, events)
	return res, err
}

// acceptVoteLocked runs the vote pipeline. Caller must hold e.mu.
func (e *Engine) acceptVoteLocked(vote *types.Vote, at time.Time) (VoteResult, []event, error) {
	if e.halted != nil {
		return VoteResult{}, nil, fmt.Errorf("%w: %v", ErrHalted, e.halted)
	}

	res := VoteResult{Round: vote.Round}

	weight, ok := e.registry.StakeOf(vote.Validator)
	if !ok {
		res.Kind = ResultRejectedUnknownValidator
		e.logger.Warn("vote from unknown validator",
			zap.String("validator", string(vote.Validator)),
			zap.Uint64("round", vote.Round),
			zap.Uint64("generation", e.registry.Generation()))
		e.metrics.VoteProcessed(res.Kind)
		return res, nil, nil
	}

	if e.hasFinalized && vote.Round < e.lastFinalized {
		res.Kind = ResultRejectedStaleRound
		e.logger.Debug("vote for superseded round",
			zap.String("validator", string(vote.Validator)),
			zap.Uint64("round", vote.Round),
			zap.Uint64("last_finalized", e.lastFinalized))
		e.metrics.VoteProcessed(res.Kind)
		return res, nil, nil
	}

	// Faulty validators are still recorded so duplicates stay idempotent
	// and further conflicts are still detected, but their weight is zero.
	if e.tracker.IsFaulty(vote.Validator) {
		weight = 0
	}

	rs := e.getOrCreateRound(vote.Round)
	outcome, firstHash, err := rs.tally.Record(vote, weight)
	if err != nil {
		return VoteResult{}, nil, err
	}

	var events []event
	switch outcome {
	case TallyDuplicate:
		res.Kind = ResultDuplicateIgnored

	case TallyConflicting:
		res.Kind = ResultEquivocationFlagged
		events = e.flagLocked(vote, firstHash, at)

	case TallyAccepted:
		var ev *event
		res.Kind, ev = e.evaluateLocked(rs, vote.Hash)
		if ev != nil {
			events = append(events, *ev)
		}
	}

	if err := e.checkInvariantLocked(rs); err != nil {
		return VoteResult{}, events, err
	}

	if res.Kind == ResultFinalized {
		res.Hash = rs.finalized.Hash
	}
	e.metrics.VoteProcessed(res.Kind)
	e.pruneLocked()

	return res, events, nil
}

// evaluateLocked checks the finality threshold for hash after new stake was
// counted toward it. Caller must hold e.mu.
func (e *Engine) evaluateLocked(rs *RoundState, hash types.Hash) (ResultKind, *event) {
	if rs.finalized != nil {
		// Monotonic: only the finalized hash can be reaffirmed
		if rs.finalized.Hash == hash {
			return ResultFinalized, nil
		}
		return ResultAcceptedPending, nil
	}

	stake := rs.tally.StakeFor(hash)
	if stake < e.registry.Threshold() {
		return ResultAcceptedPending, nil
	}
	return ResultFinalized, e.finalizeLocked(rs, hash, stake)
}

// finalizeLocked sets the round's decision. Caller must hold e.mu.
func (e *Engine) finalizeLocked(rs *RoundState, hash types.Hash, stake uint64) *event {
	rs.finalized = &types.FinalizedState{
		Round:      rs.round,
		Hash:       hash,
		Stake:      stake,
		Generation: e.registry.Generation(),
	}
	if !e.hasFinalized || rs.round > e.lastFinalized {
		e.lastFinalized = rs.round
		e.hasFinalized = true
	}

	e.logger.Info("round finalized",
		zap.Uint64("round", rs.round),
		zap.Stringer("hash", hash),
		zap.Uint64("stake", stake),
		zap.Uint64("total_stake", e.registry.TotalStake()),
		zap.Uint64("generation", e.registry.Generation()))
	e.metrics.Finalized(rs.round, stake)

	return &event{finalized: &FinalizationEvent{
		ChainID:    e.config.ChainID,
		Round:      rs.round,
		Hash:       hash,
		Stake:      stake,
		Generation: e.registry.Generation(),
	}}
}

// flagLocked handles a conflicting vote. A newly faulty validator has its
// weight removed from every retained round. Caller must hold e.mu.
func (e *Engine) flagLocked(vote *types.Vote, firstHash types.Hash, at time.Time) []event {
	wasFaulty := e.tracker.IsFaulty(vote.Validator)
	if !e.tracker.CheckAndFlag(vote.Validator, vote.Round, firstHash, vote.Hash, at) {
		// Already recorded for this round; the hash joins the record
		e.logger.Debug("further conflicting hash",
			zap.String("validator", string(vote.Validator)),
			zap.Uint64("round", vote.Round),
			zap.Stringer("hash", vote.Hash))
		return nil
	}

	rec, _ := e.tracker.Record(vote.Validator, vote.Round)
	if wasFaulty {
		e.logger.Warn("equivocation by faulty validator",
			zap.String("validator", string(vote.Validator)),
			zap.Uint64("round", vote.Round),
			zap.Stringer("first_hash", firstHash),
			zap.Stringer("conflicting_hash", vote.Hash))
		return nil
	}

	var excluded uint64
	e.rounds.Ascend(func(rs *RoundState) bool {
		excluded += rs.tally.Exclude(vote.Validator)
		return true
	})

	e.logger.Warn("equivocation detected",
		zap.String("validator", string(vote.Validator)),
		zap.Uint64("round", vote.Round),
		zap.Stringer("first_hash", firstHash),
		zap.Stringer("conflicting_hash", vote.Hash),
		zap.Uint64("excluded_stake", excluded))
	e.metrics.EquivocationDetected()

	return []event{{equivocation: &EquivocationEvent{
		ChainID:       e.config.ChainID,
		Record:        rec,
		ExcludedStake: excluded,
	}}}
}

// checkInvariantLocked verifies a round's tally against the registry and
// halts processing on violation. Caller must hold e.mu.
func (e *Engine) checkInvariantLocked(rs *RoundState) error {
	err := rs.tally.CheckInvariant(e.registry.TotalStake())
	if err == nil {
		return nil
	}
	e.haltLocked(err)
	return err
}

// haltLocked stops vote processing for the current generation. Caller must hold e.mu.
func (e *Engine) haltLocked(err error) {
	if e.halted != nil {
		return
	}
	e.halted = err
	e.logger.Error("invariant violation, halting vote processing",
		zap.Uint64("generation", e.registry.Generation()),
		zap.Error(err))
	e.metrics.Halted()
}

// getOrCreateRound returns the state for a round, creating it if needed.
// State computed against an older generation is rebuilt empty.
// Caller must hold e.mu.
func (e *Engine) getOrCreateRound(round uint64) *RoundState {
	gen := e.registry.Generation()
	rs, ok := e.rounds.Get(roundKey(round))
	if !ok {
		rs = newRoundState(round, gen)
		e.rounds.ReplaceOrInsert(rs)
		return rs
	}
	if rs.generation != gen {
		finalized := rs.finalized
		rs.reset(gen)
		rs.finalized = finalized
	}
	return rs
}

// pruneLocked drops the oldest rounds beyond MaxRetainedRounds. Only rounds
// below the highest finalized round are dropped. Caller must hold e.mu.
func (e *Engine) pruneLocked() {
	limit := e.config.MaxRetainedRounds
	if limit <= 0 || !e.hasFinalized {
		return
	}
	for e.rounds.Len() > limit {
		oldest, ok := e.rounds.Min()
		if !ok || oldest.round >= e.lastFinalized {
			return
		}
		e.rounds.Delete(oldest)
		e.tracker.ClearRound(oldest.round, false)
		e.logger.Debug("pruned round", zap.Uint64("round", oldest.round))
	}
}

// Refresh replaces the registry with a newer generation. Faulty status,
// equivocation records and open round state are dropped. Finalized rounds
// keep their decision with an empty tally. A refresh also lifts an
// invariant halt.
func (e *Engine) Refresh(reg *types.Registry) error {
	if reg == nil {
		return types.ErrNilRegistry
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.registry.Generation()
	if reg.Generation() <= current {
		return fmt.Errorf("%w: got %d, current %d", ErrStaleGeneration, reg.Generation(), current)
	}
	if err := reg.CheckInvariant(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	e.registry = reg
	e.tracker.Reset(reg.Generation())
	e.halted = nil

	var open []*RoundState
	e.rounds.Ascend(func(rs *RoundState) bool {
		if rs.finalized == nil {
			open = append(open, rs)
			return true
		}
		finalized := rs.finalized
		rs.reset(reg.Generation())
		rs.finalized = finalized
		return true
	})
	for _, rs := range open {
		e.rounds.Delete(rs)
	}

	e.logger.Info("registry refreshed",
		zap.Uint64("previous_generation", current),
		zap.Uint64("generation", reg.Generation()),
		zap.Uint64("total_stake", reg.TotalStake()),
		zap.Int("validators", reg.Size()),
		zap.Int("dropped_rounds", len(open)))
	e.metrics.Refreshed(reg.Generation(), reg.TotalStake())

	return nil
}

// Registry returns the current registry
func (e *Engine) Registry() *types.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

// Config returns the engine configuration
func (e *Engine) Config() *Config {
	return e.config
}

// LastFinalized returns the highest finalized round, if any
func (e *Engine) LastFinalized() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFinalized, e.hasFinalized
}

// Finalized returns the decision for a round, if any
func (e *Engine) Finalized(round uint64) (*types.FinalizedState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds.Get(roundKey(round))
	if !ok || rs.finalized == nil {
		return nil, false
	}
	return types.CopyFinalizedState(rs.finalized), true
}

// StakeFor returns the active stake counted toward hash in a round
func (e *Engine) StakeFor(round uint64, hash types.Hash) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds.Get(roundKey(round))
	if !ok {
		return 0
	}
	return rs.tally.StakeFor(hash)
}

// Now returns the engine's clock reading
func (e *Engine) Now() time.Time {
	return e.now()
}

// IsFaulty returns true if the validator is flagged in the current generation
func (e *Engine) IsFaulty(id types.ValidatorID) bool {
	return e.tracker.IsFaulty(id)
}

// Halted returns the invariant violation that stopped vote processing, if any
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}
