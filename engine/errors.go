package engine

import (
	"errors"

	"github.com/blockberries/gadgetberry/types"
)

// Finality errors
var (
	ErrInvalidVote        = types.ErrInvalidVote
	ErrInvariantViolation = errors.New("invariant violation")
	ErrHalted             = errors.New("vote processing halted for registry generation")
	ErrStaleGeneration    = errors.New("registry generation is not newer than current")
	ErrRoundNotFound      = errors.New("round not found")
	ErrRoundSuperseded    = errors.New("round superseded by a later finalization")
	ErrInvalidConfig      = errors.New("invalid engine config")
)
