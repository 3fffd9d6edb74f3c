package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCheckpoint is returned for a checkpoint state that cannot be restored
var ErrInvalidCheckpoint = errors.New("invalid checkpoint state")

// CheckpointState is the complete decision state of a finality engine at a
// journal checkpoint. Replay starts from the newest one instead of the
// genesis registry, so journal records it covers can be removed.
type CheckpointState struct {
	// Highest round the commit layer has applied
	Round    uint64        `cbor:"1,keyasint"`
	Registry *RegistryData `cbor:"2,keyasint"`

	LastFinalized uint64 `cbor:"3,keyasint"`
	HasFinalized  bool   `cbor:"4,keyasint"`

	Rounds   []RoundData   `cbor:"5,keyasint,omitempty"`
	Evidence EvidenceState `cbor:"6,keyasint"`
}

// RoundData is one retained round. Votes are every distinct vote in arrival
// order, so the first vote of each validator comes before its later ones.
type RoundData struct {
	Round      uint64          `cbor:"1,keyasint"`
	Generation uint64          `cbor:"2,keyasint"`
	Votes      []*Vote         `cbor:"3,keyasint,omitempty"`
	Finalized  *FinalizedState `cbor:"4,keyasint,omitempty"`
}

// EvidenceState is the equivocation evidence and faulty overlay of one
// registry generation.
type EvidenceState struct {
	Generation uint64         `cbor:"1,keyasint"`
	Records    []RecordData   `cbor:"2,keyasint,omitempty"`
	Faulty     []FaultyRounds `cbor:"3,keyasint,omitempty"`
}

// RecordData is the journaled form of an EquivocationRecord. The detection
// time is kept in unix nanoseconds so it survives encoding exactly.
type RecordData struct {
	Validator  ValidatorID `cbor:"1,keyasint"`
	Round      uint64      `cbor:"2,keyasint"`
	Hashes     []Hash      `cbor:"3,keyasint"`
	DetectedAt int64       `cbor:"4,keyasint"`
	Generation uint64      `cbor:"5,keyasint"`
}

// FaultyRounds lists the rounds whose equivocation keeps a validator faulty.
// A validator can stay faulty after the records of those rounds are gone.
type FaultyRounds struct {
	Validator ValidatorID `cbor:"1,keyasint"`
	Rounds    []uint64    `cbor:"2,keyasint"`
}

// ToData converts a record for journaling
func (r EquivocationRecord) ToData() RecordData {
	hashes := make([]Hash, len(r.Hashes))
	copy(hashes, r.Hashes)
	return RecordData{
		Validator:  r.Validator,
		Round:      r.Round,
		Hashes:     hashes,
		DetectedAt: r.DetectedAt.UnixNano(),
		Generation: r.Generation,
	}
}

// RecordFromData rebuilds a record from its journaled form
func RecordFromData(d RecordData) (EquivocationRecord, error) {
	if d.Validator == "" {
		return EquivocationRecord{}, fmt.Errorf("%w: record without validator", ErrInvalidCheckpoint)
	}
	if len(d.Hashes) < 2 {
		return EquivocationRecord{}, fmt.Errorf("%w: record for %s in round %d has %d hashes",
			ErrInvalidCheckpoint, d.Validator, d.Round, len(d.Hashes))
	}
	hashes := make([]Hash, len(d.Hashes))
	copy(hashes, d.Hashes)
	return EquivocationRecord{
		Validator:  d.Validator,
		Round:      d.Round,
		Hashes:     hashes,
		DetectedAt: UnixNanoTime(d.DetectedAt),
		Generation: d.Generation,
	}, nil
}

// UnixNanoTime converts unix nanoseconds to a UTC time. Journaled times go
// through it on both the live and the replay path so they compare equal.
func UnixNanoTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
