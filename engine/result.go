package engine

import (
	"fmt"

	"github.com/blockberries/gadgetberry/types"
)

// ResultKind classifies the outcome of AcceptVote
type ResultKind uint8

const (
	// ResultAcceptedPending means the vote was counted and the round is not
	// finalized, or it is finalized for another hash.
	ResultAcceptedPending ResultKind = iota
	// ResultFinalized means the vote's hash is the round's finalized hash,
	// either reached by this vote or reaffirmed by it.
	ResultFinalized
	// ResultDuplicateIgnored means the vote was already recorded
	ResultDuplicateIgnored
	// ResultEquivocationFlagged means the validator voted for a different
	// hash earlier in the round
	ResultEquivocationFlagged
	// ResultRejectedUnknownValidator means the voter is not in the registry
	ResultRejectedUnknownValidator
	// ResultRejectedStaleRound means the round is below the highest finalized round
	ResultRejectedStaleRound
)

var resultNames = map[ResultKind]string{
	ResultAcceptedPending:          "accepted_pending",
	ResultFinalized:                "finalized",
	ResultDuplicateIgnored:         "duplicate_ignored",
	ResultEquivocationFlagged:      "equivocation_flagged",
	ResultRejectedUnknownValidator: "rejected_unknown_validator",
	ResultRejectedStaleRound:       "rejected_stale_round",
}

func (k ResultKind) String() string {
	if name, ok := resultNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ResultKind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k ResultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ResultKind) UnmarshalText(text []byte) error {
	for kind, name := range resultNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown result kind %q", text)
}

// VoteResult is the outcome of a single AcceptVote call. Hash is set for
// ResultFinalized and is the finalized hash.
type VoteResult struct {
	Kind  ResultKind `json:"kind"`
	Round uint64     `json:"round"`
	Hash  types.Hash `json:"hash"`
}

func (r VoteResult) String() string {
	if r.Kind == ResultFinalized {
		return fmt.Sprintf("%s(%s) r=%d", r.Kind, r.Hash.Short(), r.Round)
	}
	return fmt.Sprintf("%s r=%d", r.Kind, r.Round)
}
