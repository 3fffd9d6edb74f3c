package node

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/blockberries/gadgetberry/engine"
	"github.com/blockberries/gadgetberry/types"
	"github.com/blockberries/gadgetberry/wal"
)

// ReplayResult contains the result of a journal replay
type ReplayResult struct {
	// Number of journal records read
	Records int
	// Vote outcomes by result kind
	Votes map[engine.ResultKind]int
	// Refreshes and rollbacks applied
	Refreshes int
	Rollbacks int
	// Records the engine refused (stale refresh, unknown round rollback,
	// votes while halted)
	Rejected int
	// Rounds finalized during replay, in order
	Finalized []types.FinalizedState
	// Journaled finalization markers that disagree with the replayed engine
	Mismatches []Mismatch
	// Whether a partially written final record was ignored
	Truncated bool
	// Whether replay started from a checkpoint record, and its round
	Checkpointed    bool
	CheckpointRound uint64
	// Records before the newest checkpoint record, which replay skips
	Superseded int
}

// Mismatch is a journaled decision the replay did not reproduce
type Mismatch struct {
	Round     uint64                `json:"round"`
	Journaled types.FinalizedState  `json:"journaled"`
	Replayed  *types.FinalizedState `json:"replayed,omitempty"`
}

// RecordOutcome describes how one journal record was applied
type RecordOutcome struct {
	Index  int               `json:"index"`
	Type   wal.MessageType   `json:"-"`
	Kind   string            `json:"type"`
	Round  uint64            `json:"round"`
	Result engine.ResultKind `json:"-"`
	Detail string            `json:"detail"`
}

// ReplayOption configures Replay
type ReplayOption func(*replayer)

// WithEngineOptions passes options to the engine built by Replay
func WithEngineOptions(opts ...engine.Option) ReplayOption {
	return func(r *replayer) {
		r.engineOpts = append(r.engineOpts, opts...)
	}
}

// WithRecordHook calls fn for every record after it is applied
func WithRecordHook(fn func(RecordOutcome)) ReplayOption {
	return func(r *replayer) {
		r.hook = fn
	}
}

// WithReplayLogger sets the logger used for replay progress
func WithReplayLogger(logger *zap.Logger) ReplayOption {
	return func(r *replayer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type replayer struct {
	engineOpts []engine.Option
	hook       func(RecordOutcome)
	logger     *zap.Logger

	eng    *engine.Engine
	result *ReplayResult
	active atomic.Bool
}

// Replay rebuilds an engine from the journal in dir. Replay starts from the
// newest checkpoint record if there is one, and from the genesis registry
// otherwise. Replaying the same journal always produces the same engine
// state. A missing journal yields a fresh engine.
func Replay(dir string, genesis *types.Registry, engCfg *engine.Config, opts ...ReplayOption) (*engine.Engine, *ReplayResult, error) {
	r := &replayer{
		logger: zap.NewNop(),
		result: &ReplayResult{Votes: make(map[engine.ResultKind]int)},
	}
	for _, opt := range opts {
		opt(r)
	}

	msgs, err := wal.ReadAll(dir)
	switch {
	case errors.Is(err, wal.ErrWALNotFound):
		msgs = nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.result.Truncated = true
		r.logger.Warn("ignoring partially written journal record", zap.Int("intact_records", len(msgs)))
	case err != nil:
		return nil, nil, fmt.Errorf("%w: %v", ErrReplayFailed, err)
	}

	start := latestCheckpoint(msgs)
	eng, err := r.newEngine(engCfg, genesis, msgs, start)
	if err != nil {
		return nil, nil, err
	}
	r.eng = eng

	r.active.Store(true)
	defer r.active.Store(false)

	for i, msg := range msgs {
		var out RecordOutcome
		switch {
		case i < start:
			out = RecordOutcome{Type: msg.Type, Kind: msg.Type.String(), Round: msg.Round, Detail: "superseded"}
			r.result.Superseded++
		case i == start:
			out = RecordOutcome{Type: msg.Type, Kind: msg.Type.String(), Round: msg.Round,
				Detail: fmt.Sprintf("restored through round %d", msg.Round)}
		default:
			out, err = r.apply(msg)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: record %d (%s): %v", ErrReplayFailed, i, msg.Type, err)
			}
		}
		out.Index = i
		r.result.Records++
		if r.hook != nil {
			r.hook(out)
		}
	}

	r.logger.Info("journal replayed",
		zap.Int("records", r.result.Records),
		zap.Bool("checkpointed", r.result.Checkpointed),
		zap.Int("superseded", r.result.Superseded),
		zap.Int("finalized", len(r.result.Finalized)),
		zap.Int("mismatches", len(r.result.Mismatches)),
		zap.Int("rejected", r.result.Rejected))

	return eng, r.result, nil
}

// latestCheckpoint returns the index of the newest checkpoint record, or -1
func latestCheckpoint(msgs []*wal.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == wal.MsgTypeCheckpoint {
			return i
		}
	}
	return -1
}

// newEngine builds the engine replay starts from: restored from the
// checkpoint record at index start, or fresh from genesis when start is -1.
func (r *replayer) newEngine(engCfg *engine.Config, genesis *types.Registry, msgs []*wal.Message, start int) (*engine.Engine, error) {
	engineOpts := append([]engine.Option{}, r.engineOpts...)
	engineOpts = append(engineOpts, engine.WithListener(engine.ListenerFuncs{Finalized: r.onFinalized}))

	if start < 0 {
		return engine.NewEngine(engCfg, genesis, engineOpts...)
	}

	state, err := wal.DecodeCheckpoint(msgs[start])
	if err != nil {
		return nil, fmt.Errorf("%w: record %d (%s): %v", ErrReplayFailed, start, msgs[start].Type, err)
	}
	eng, err := engine.RestoreEngine(engCfg, state, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: record %d (%s): %v", ErrReplayFailed, start, msgs[start].Type, err)
	}
	r.result.Checkpointed = true
	r.result.CheckpointRound = state.Round
	r.logger.Info("replay starts from checkpoint",
		zap.Uint64("round", state.Round),
		zap.Int("record", start),
		zap.Uint64("generation", state.Registry.Generation))
	return eng, nil
}

// apply replays one record. Engine refusals are counted, decode failures
// are returned.
func (r *replayer) apply(msg *wal.Message) (RecordOutcome, error) {
	out := RecordOutcome{Type: msg.Type, Kind: msg.Type.String(), Round: msg.Round}

	switch msg.Type {
	case wal.MsgTypeVote:
		vote, err := wal.DecodeVote(msg)
		if err != nil {
			return out, err
		}
		res, err := r.eng.AcceptVoteAt(vote, msg.At())
		if err != nil {
			r.result.Rejected++
			out.Detail = err.Error()
			return out, nil
		}
		r.result.Votes[res.Kind]++
		out.Result = res.Kind
		out.Detail = res.Kind.String()

	case wal.MsgTypeRefresh:
		reg, err := wal.DecodeRegistry(msg)
		if err != nil {
			return out, err
		}
		if err := r.eng.Refresh(reg); err != nil {
			r.result.Rejected++
			out.Detail = err.Error()
			return out, nil
		}
		r.result.Refreshes++
		out.Detail = fmt.Sprintf("generation %d", reg.Generation())

	case wal.MsgTypeRollback:
		if _, err := r.eng.Rollback(msg.Round); err != nil {
			r.result.Rejected++
			out.Detail = err.Error()
			return out, nil
		}
		r.result.Rollbacks++
		out.Detail = "rolled back"

	case wal.MsgTypeRoundFinalized:
		journaled, err := wal.DecodeRoundFinalized(msg)
		if err != nil {
			return out, err
		}
		out.Detail = r.checkMarker(journaled)

	default:
		return out, fmt.Errorf("%w: %s", wal.ErrUnexpectedRecord, msg.Type)
	}

	return out, nil
}

// checkMarker compares a journaled decision with the replayed engine
func (r *replayer) checkMarker(journaled *types.FinalizedState) string {
	replayed, ok := r.eng.Finalized(journaled.Round)
	if ok && replayed.Hash == journaled.Hash {
		return "match"
	}
	if !ok {
		// Pruned rounds cannot be checked
		if _, err := r.eng.Snapshot(journaled.Round); errors.Is(err, engine.ErrRoundNotFound) {
			return "pruned"
		}
	}

	r.result.Mismatches = append(r.result.Mismatches, Mismatch{
		Round:     journaled.Round,
		Journaled: *journaled,
		Replayed:  replayed,
	})
	r.logger.Error("journaled decision not reproduced by replay",
		zap.Uint64("round", journaled.Round),
		zap.Stringer("journaled_hash", journaled.Hash))
	return "mismatch"
}

func (r *replayer) onFinalized(ev engine.FinalizationEvent) {
	if !r.active.Load() {
		return
	}
	r.result.Finalized = append(r.result.Finalized, types.FinalizedState{
		Round:      ev.Round,
		Hash:       ev.Hash,
		Stake:      ev.Stake,
		Generation: ev.Generation,
	})
}

// Recover rebuilds the engine from the configured journal and returns a
// gadget that keeps appending to it. A torn final record left by a crash is
// truncated first.
func Recover(cfg *Config, engCfg *engine.Config, genesis *types.Registry, logger *zap.Logger, engineOpts ...engine.Option) (*Gadget, *ReplayResult, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.JournalDir == "" {
		eng, err := engine.NewEngine(engCfg, genesis, engineOpts...)
		if err != nil {
			return nil, nil, err
		}
		g, err := NewGadget(cfg, eng, nil, logger)
		if err != nil {
			return nil, nil, err
		}
		return g, &ReplayResult{Votes: make(map[engine.ResultKind]int)}, nil
	}

	removed, err := wal.RepairTail(cfg.JournalDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to repair journal: %w", err)
	}
	if removed > 0 {
		logger.Warn("truncated torn journal record",
			zap.String("dir", cfg.JournalDir),
			zap.Int64("bytes", removed))
	}

	eng, res, err := Replay(cfg.JournalDir, genesis, engCfg,
		WithEngineOptions(engineOpts...),
		WithReplayLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	journal, err := wal.NewFileWALWithOptions(cfg.JournalDir, cfg.JournalMaxSegmentBytes)
	if err != nil {
		return nil, nil, err
	}
	g, err := NewGadget(cfg, eng, journal, logger)
	if err != nil {
		return nil, nil, err
	}
	return g, res, nil
}
