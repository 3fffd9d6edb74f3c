package types

import (
	"time"
)

// FinalizedState records the decision for one round. Once set it is only
// cleared by an operator rollback.
type FinalizedState struct {
	Round      uint64 `json:"round" cbor:"1,keyasint"`
	Hash       Hash   `json:"hash" cbor:"2,keyasint"`
	Stake      uint64 `json:"stake" cbor:"3,keyasint"`
	Generation uint64 `json:"generation" cbor:"4,keyasint"`
}

// CopyFinalizedState returns a copy, or nil for nil input
func CopyFinalizedState(f *FinalizedState) *FinalizedState {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

// EquivocationRecord is evidence that a validator voted for more than one
// hash in a round. Records are created once and never mutated.
type EquivocationRecord struct {
	Validator  ValidatorID `json:"validator"`
	Round      uint64      `json:"round"`
	Hashes     []Hash      `json:"hashes"`
	DetectedAt time.Time   `json:"detected_at"`
	Generation uint64      `json:"generation"`
}

// CopyEquivocationRecord returns a deep copy
func CopyEquivocationRecord(r EquivocationRecord) EquivocationRecord {
	hashes := make([]Hash, len(r.Hashes))
	copy(hashes, r.Hashes)
	r.Hashes = hashes
	return r
}
