package types

import (
	"errors"
	"fmt"
	"sort"
)

// ValidatorID is the stable opaque identity of a validator.
type ValidatorID string

// ValidatorStatus is the standing of a validator within one registry generation.
type ValidatorStatus uint8

const (
	// StatusActive validators have their stake counted toward tallies.
	StatusActive ValidatorStatus = iota
	// StatusFaulty validators were caught equivocating; their stake is
	// excluded from every tally until the registry is refreshed.
	StatusFaulty
)

func (s ValidatorStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFaulty:
		return "faulty"
	default:
		return fmt.Sprintf("ValidatorStatus(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ValidatorStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ValidatorStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = StatusActive
	case "faulty":
		*s = StatusFaulty
	default:
		return fmt.Errorf("unknown validator status %q", text)
	}
	return nil
}

// Validator is a weighted member of the UNL.
type Validator struct {
	ID     ValidatorID     `json:"id"`
	Weight uint64          `json:"weight"`
	Status ValidatorStatus `json:"status"`
}

// Constants
const (
	// MaxValidators is the maximum number of validators in a registry
	MaxValidators = 65535

	// MaxTotalStake keeps threshold arithmetic far away from uint64 overflow
	MaxTotalStake = uint64(1) << 62
)

// Errors
var (
	ErrEmptyRegistry      = errors.New("empty validator registry")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrInvalidWeight      = errors.New("invalid stake weight")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrTotalStakeOverflow = errors.New("total stake overflow")
	ErrEmptyValidatorID   = errors.New("validator has empty id")
	ErrTotalStakeMismatch = errors.New("total stake does not match member weights")
	ErrNilRegistry        = errors.New("nil validator registry")
)

// Registry is the unique node list: an immutable, generation-stamped set of
// weighted validators. A governance refresh replaces it wholesale; it is
// never mutated in place, so it can be shared freely between goroutines.
//
// Registry carries membership and stake only. Faulty status is an overlay
// owned by the equivocation tracker of the engine holding this generation.
type Registry struct {
	generation uint64
	totalStake uint64
	validators []Validator
	byID       map[ValidatorID]int
}

// NewRegistry creates a Registry for the given generation.
// The Status field of the input validators is ignored: every member of a
// fresh generation starts active.
func NewRegistry(generation uint64, validators []Validator) (*Registry, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyRegistry
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	r := &Registry{
		generation: generation,
		validators: make([]Validator, 0, len(validators)),
		byID:       make(map[ValidatorID]int, len(validators)),
	}

	for i, v := range validators {
		if v.ID == "" {
			return nil, fmt.Errorf("%w: validator %d", ErrEmptyValidatorID, i)
		}
		if v.Weight == 0 {
			return nil, fmt.Errorf("%w: validator %s has zero weight", ErrInvalidWeight, v.ID)
		}
		if _, exists := r.byID[v.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.ID)
		}
		if r.totalStake > MaxTotalStake-v.Weight {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalStakeOverflow, MaxTotalStake)
		}

		r.byID[v.ID] = -1
		r.validators = append(r.validators, Validator{ID: v.ID, Weight: v.Weight, Status: StatusActive})
		r.totalStake += v.Weight
	}

	// Deterministic order regardless of how governance listed the members
	sort.Slice(r.validators, func(i, j int) bool {
		return r.validators[i].ID < r.validators[j].ID
	})
	for i, v := range r.validators {
		r.byID[v.ID] = i
	}

	return r, nil
}

// Generation returns the registry generation number
func (r *Registry) Generation() uint64 {
	return r.generation
}

// TotalStake returns the sum of all member weights, active and faulty
func (r *Registry) TotalStake() uint64 {
	return r.totalStake
}

// StakeOf returns the weight of a validator, if it is a member
func (r *Registry) StakeOf(id ValidatorID) (uint64, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return 0, false
	}
	return r.validators[idx].Weight, true
}

// IsMember returns true if the validator belongs to this generation
func (r *Registry) IsMember(id ValidatorID) bool {
	_, ok := r.byID[id]
	return ok
}

// Size returns the number of validators
func (r *Registry) Size() int {
	return len(r.validators)
}

// Validators returns a copy of the members sorted by id.
func (r *Registry) Validators() []Validator {
	out := make([]Validator, len(r.validators))
	copy(out, r.validators)
	return out
}

// Threshold returns the stake a hash needs to finalize in this generation.
func (r *Registry) Threshold() uint64 {
	return FinalityThreshold(r.totalStake)
}

// CheckInvariant recomputes the member sum and compares it with the
// recorded total stake.
func (r *Registry) CheckInvariant() error {
	if r == nil {
		return ErrNilRegistry
	}
	var sum uint64
	for _, v := range r.validators {
		sum += v.Weight
	}
	if sum != r.totalStake {
		return fmt.Errorf("%w: recorded %d, members sum to %d", ErrTotalStakeMismatch, r.totalStake, sum)
	}
	if len(r.byID) != len(r.validators) {
		return fmt.Errorf("%w: index has %d entries for %d members", ErrDuplicateValidator, len(r.byID), len(r.validators))
	}
	return nil
}

// FinalityThreshold returns ceil(2*total/3).
// The calculation avoids multiplying total by 2 by splitting it into
// thirds: 2*total/3 = 2*(total/3) + 2*(total%3)/3, and the ceiling of the
// remainder term equals the remainder itself for remainders 0, 1 and 2.
func FinalityThreshold(total uint64) uint64 {
	third := total / 3
	remainder := total % 3
	return third + third + remainder
}

// ValidatorData is the serializable form of a registry member
type ValidatorData struct {
	ID     ValidatorID `json:"id" cbor:"1,keyasint"`
	Weight uint64      `json:"weight" cbor:"2,keyasint"`
}

// RegistryData is the serializable form of a Registry, as supplied by the
// governance collaborator on genesis or refresh.
type RegistryData struct {
	Generation uint64          `json:"generation" cbor:"1,keyasint"`
	TotalStake uint64          `json:"total_stake" cbor:"2,keyasint"`
	Validators []ValidatorData `json:"validators" cbor:"3,keyasint"`
}

// ToData converts to serializable form
func (r *Registry) ToData() *RegistryData {
	vals := make([]ValidatorData, len(r.validators))
	for i, v := range r.validators {
		vals[i] = ValidatorData{ID: v.ID, Weight: v.Weight}
	}
	return &RegistryData{
		Generation: r.generation,
		TotalStake: r.totalStake,
		Validators: vals,
	}
}

// RegistryFromData creates a Registry from serialized data. The declared
// total stake must match the member sum.
func RegistryFromData(data *RegistryData) (*Registry, error) {
	if data == nil {
		return nil, ErrNilRegistry
	}
	vals := make([]Validator, len(data.Validators))
	for i, v := range data.Validators {
		vals[i] = Validator{ID: v.ID, Weight: v.Weight}
	}

	r, err := NewRegistry(data.Generation, vals)
	if err != nil {
		return nil, err
	}
	if data.TotalStake != r.totalStake {
		return nil, fmt.Errorf("%w: declared %d, members sum to %d", ErrTotalStakeMismatch, data.TotalStake, r.totalStake)
	}
	return r, nil
}

// Hash computes a deterministic digest of the registry membership.
func (r *Registry) Hash() Hash {
	bz, err := MarshalCanonical(r.ToData())
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal registry for hash: %v", err))
	}
	return HashBytes(bz)
}
