// Package wal implements the journal used to rebuild finality state after a
// restart.
//
// The finality engine itself performs no I/O. The node layer journals every
// input that changes engine state (accepted votes, registry refreshes and
// operator rollbacks) before applying it. Replaying the journal through a
// fresh engine built from the genesis registry, or from the newest
// checkpoint record, reproduces the same decisions.
//
// # Message Types
//
//   - MsgTypeVote: a vote handed to the engine
//   - MsgTypeRefresh: a new registry generation from governance
//   - MsgTypeRollback: an operator rollback of one round
//   - MsgTypeRoundFinalized: marker written after a round first finalizes
//   - MsgTypeCheckpoint: the complete engine state at a checkpoint round
//
// Vote records carry their arrival time in unix nanoseconds. Message.At
// returns it, and both the live path and replay hand that time to the
// engine, so equivocation detection times do not depend on when replay runs.
//
// RoundFinalized markers are informational. Replay recomputes decisions from
// the votes and reports any marker that disagrees.
//
// # File Format
//
// Each entry is encoded as:
//
//	[4 bytes: length][N bytes: CBOR-encoded Message][4 bytes: CRC32]
//
// Messages use the deterministic CBOR encoding shared with the types
// package. CRC32 detects corruption from torn writes or disk errors; a bad
// checksum surfaces as ErrWALCorrupted.
//
// # Rotation and Checkpoints
//
// Segments are named wal-00000, wal-00001, ... and rotate once they exceed
// the configured size. Checkpoint requires a checkpoint record covering the
// round, written before the call, and fails with ErrNoCheckpoint otherwise.
// It removes leading segments older than the one holding that record whose
// records all belong to rounds at or below the checkpoint round.
//
// # Thread Safety
//
// FileWAL uses internal locking and may be written from multiple goroutines.
// Only one FileWAL instance should write to a directory.
//
// # Usage Example
//
//	w, err := wal.NewFileWAL("./data/journal")
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	msg, err := wal.NewVoteMessage(vote, time.Now())
//	if err != nil {
//	    return err
//	}
//	if err := w.WriteSync(msg); err != nil {
//	    return err
//	}
//
//	// After a restart
//	msgs, err := wal.ReadAll("./data/journal")
package wal
