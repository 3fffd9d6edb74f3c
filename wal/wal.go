package wal

import (
	"errors"
	"fmt"
	"time"

	"github.com/blockberries/gadgetberry/types"
)

// Errors
var (
	ErrWALClosed        = errors.New("WAL is closed")
	ErrWALCorrupted     = errors.New("WAL is corrupted")
	ErrWALNotFound      = errors.New("WAL file not found")
	ErrUnexpectedRecord = errors.New("unexpected WAL record type")
	ErrNoCheckpoint     = errors.New("no checkpoint record covers the round")
)

// MessageType identifies the type of WAL message
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	// MsgTypeVote is a vote accepted for processing
	MsgTypeVote
	// MsgTypeRefresh installs a new registry generation
	MsgTypeRefresh
	// MsgTypeRollback is an operator rollback of a round
	MsgTypeRollback
	// MsgTypeRoundFinalized marks a round's decision. It is informational:
	// replay recomputes decisions from votes and compares.
	MsgTypeRoundFinalized
	// MsgTypeCheckpoint holds the complete engine state. Replay starts from
	// the newest one and ignores every record before it.
	MsgTypeCheckpoint
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeVote:
		return "vote"
	case MsgTypeRefresh:
		return "refresh"
	case MsgTypeRollback:
		return "rollback"
	case MsgTypeRoundFinalized:
		return "round_finalized"
	case MsgTypeCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message represents a WAL message with metadata
type Message struct {
	Type  MessageType `cbor:"1,keyasint"`
	Round uint64      `cbor:"2,keyasint"`
	Data  []byte      `cbor:"3,keyasint,omitempty"`
	// Arrival time of a vote in unix nanoseconds
	Time int64 `cbor:"4,keyasint,omitempty"`
}

// At returns the journaled arrival time. The live path and replay both read
// it from the record, so they see the same value.
func (m *Message) At() time.Time {
	return types.UnixNanoTime(m.Time)
}

// Marshal serializes the message
func (m *Message) Marshal() ([]byte, error) {
	return types.MarshalCanonical(m)
}

// Unmarshal deserializes the message
func (m *Message) Unmarshal(data []byte) error {
	return types.UnmarshalCanonical(data, m)
}

// WAL interface for write-ahead logging
type WAL interface {
	// Write writes a message to the WAL
	Write(msg *Message) error

	// WriteSync writes a message and ensures it's synced to disk
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// Start starts the WAL
	Start() error

	// Stop stops the WAL
	Stop() error
}

// Reader interface for reading from WAL
type Reader interface {
	// Read reads the next message from the WAL
	Read() (*Message, error)

	// Close closes the reader
	Close() error
}

// NewVoteMessage creates a WAL message for a vote that arrived at the given
// time
func NewVoteMessage(vote *types.Vote, at time.Time) (*Message, error) {
	data, err := types.MarshalCanonical(vote)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:  MsgTypeVote,
		Round: vote.Round,
		Data:  data,
		Time:  at.UnixNano(),
	}, nil
}

// NewRefreshMessage creates a WAL message installing a registry
func NewRefreshMessage(reg *types.Registry) (*Message, error) {
	data, err := types.MarshalCanonical(reg.ToData())
	if err != nil {
		return nil, err
	}
	return &Message{
		Type: MsgTypeRefresh,
		Data: data,
	}, nil
}

// NewRollbackMessage creates a WAL message for an operator rollback
func NewRollbackMessage(round uint64) *Message {
	return &Message{
		Type:  MsgTypeRollback,
		Round: round,
	}
}

// NewRoundFinalizedMessage creates a WAL message marking a round's decision
func NewRoundFinalizedMessage(state *types.FinalizedState) (*Message, error) {
	data, err := types.MarshalCanonical(state)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:  MsgTypeRoundFinalized,
		Round: state.Round,
		Data:  data,
	}, nil
}

// NewCheckpointMessage creates a WAL message holding the engine state at a
// checkpoint round
func NewCheckpointMessage(state *types.CheckpointState) (*Message, error) {
	data, err := types.MarshalCanonical(state)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:  MsgTypeCheckpoint,
		Round: state.Round,
		Data:  data,
	}, nil
}

// DecodeVote decodes a vote from WAL message data
func DecodeVote(msg *Message) (*types.Vote, error) {
	if msg.Type != MsgTypeVote {
		return nil, fmt.Errorf("%w: want vote, got %s", ErrUnexpectedRecord, msg.Type)
	}
	vote := &types.Vote{}
	if err := types.UnmarshalCanonical(msg.Data, vote); err != nil {
		return nil, fmt.Errorf("%w: vote: %v", ErrWALCorrupted, err)
	}
	if vote.Round != msg.Round {
		return nil, fmt.Errorf("%w: vote round %d in record for round %d", ErrWALCorrupted, vote.Round, msg.Round)
	}
	return vote, nil
}

// DecodeRegistry decodes a registry from a refresh message
func DecodeRegistry(msg *Message) (*types.Registry, error) {
	if msg.Type != MsgTypeRefresh {
		return nil, fmt.Errorf("%w: want refresh, got %s", ErrUnexpectedRecord, msg.Type)
	}
	data := &types.RegistryData{}
	if err := types.UnmarshalCanonical(msg.Data, data); err != nil {
		return nil, fmt.Errorf("%w: registry: %v", ErrWALCorrupted, err)
	}
	return types.RegistryFromData(data)
}

// DecodeRoundFinalized decodes a finalization marker
func DecodeRoundFinalized(msg *Message) (*types.FinalizedState, error) {
	if msg.Type != MsgTypeRoundFinalized {
		return nil, fmt.Errorf("%w: want round_finalized, got %s", ErrUnexpectedRecord, msg.Type)
	}
	state := &types.FinalizedState{}
	if err := types.UnmarshalCanonical(msg.Data, state); err != nil {
		return nil, fmt.Errorf("%w: finalized state: %v", ErrWALCorrupted, err)
	}
	return state, nil
}

// DecodeCheckpoint decodes the engine state of a checkpoint record
func DecodeCheckpoint(msg *Message) (*types.CheckpointState, error) {
	if msg.Type != MsgTypeCheckpoint {
		return nil, fmt.Errorf("%w: want checkpoint, got %s", ErrUnexpectedRecord, msg.Type)
	}
	state := &types.CheckpointState{}
	if err := types.UnmarshalCanonical(msg.Data, state); err != nil {
		return nil, fmt.Errorf("%w: checkpoint: %v", ErrWALCorrupted, err)
	}
	if state.Round != msg.Round {
		return nil, fmt.Errorf("%w: checkpoint round %d in record for round %d", ErrWALCorrupted, state.Round, msg.Round)
	}
	return state, nil
}

// NopWAL is a no-op WAL implementation for testing
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error     { return nil }
func (w *NopWAL) WriteSync(msg *Message) error { return nil }
func (w *NopWAL) FlushAndSync() error          { return nil }
func (w *NopWAL) Start() error                 { return nil }
func (w *NopWAL) Stop() error                  { return nil }

// Ensure NopWAL implements WAL
var _ WAL = (*NopWAL)(nil)
