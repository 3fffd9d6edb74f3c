package types

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidVote = errors.New("invalid vote")
)

// Vote is a validator's commitment to a candidate hash in one round.
// Proof is the authenticity proof checked upstream; the gadget carries it
// for audit but never interprets it.
type Vote struct {
	Validator ValidatorID `json:"validator" cbor:"1,keyasint"`
	Round     uint64      `json:"round" cbor:"2,keyasint"`
	Hash      Hash        `json:"hash" cbor:"3,keyasint"`
	Proof     []byte      `json:"proof,omitempty" cbor:"4,keyasint,omitempty"`
}

// ValidateBasic performs stateless checks on a vote
func (v *Vote) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("%w: nil vote", ErrInvalidVote)
	}
	if v.Validator == "" {
		return fmt.Errorf("%w: empty validator id", ErrInvalidVote)
	}
	return nil
}

// CopyVote creates a deep copy of a vote
func CopyVote(v *Vote) *Vote {
	if v == nil {
		return nil
	}
	cp := *v
	if v.Proof != nil {
		cp.Proof = make([]byte, len(v.Proof))
		copy(cp.Proof, v.Proof)
	}
	return &cp
}

// voteKey is the canonical content of a vote, without its proof
type voteKey struct {
	Validator ValidatorID `cbor:"1,keyasint"`
	Round     uint64      `cbor:"2,keyasint"`
	Hash      Hash        `cbor:"3,keyasint"`
}

// Digest identifies a vote by validator, round and hash.
func (v *Vote) Digest() Hash {
	bz, err := MarshalCanonical(voteKey{Validator: v.Validator, Round: v.Round, Hash: v.Hash})
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal vote for digest: %v", err))
	}
	return HashBytes(bz)
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%s r=%d %s}", v.Validator, v.Round, v.Hash.Short())
}
