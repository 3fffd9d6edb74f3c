package evidence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockberries/gadgetberry/types"
)

// Tracker detects validators voting for more than one hash in a round and
// keeps them flagged faulty until the registry generation changes.
//
// Detection is per round: a validator gets at most one record per round,
// holding every distinct hash it voted for there. The faulty flag is sticky across rounds. Only Reset (registry refresh) or
// ClearRound with clearFaulty set removes it.
type Tracker struct {
	mu sync.RWMutex

	generation uint64

	// key: validator/round
	records map[string]*types.EquivocationRecord

	// validator -> rounds whose equivocation keeps it faulty
	faulty map[types.ValidatorID]map[uint64]struct{}
}

// NewTracker creates a tracker for a registry generation
func NewTracker(generation uint64) *Tracker {
	return &Tracker{
		generation: generation,
		records:    make(map[string]*types.EquivocationRecord),
		faulty:     make(map[types.ValidatorID]map[uint64]struct{}),
	}
}

// CheckAndFlag records an equivocation by validator id in round between its
// first hash and a new hash, detected at the given time. It returns true if
// this is a newly detected equivocation for the round. A further distinct
// hash in a round that already has a record is appended to that record and
// returns false.
func (t *Tracker) CheckAndFlag(id types.ValidatorID, round uint64, first, next types.Hash, at time.Time) bool {
	if first == next {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey(id, round)
	if rec, ok := t.records[key]; ok {
		for _, h := range rec.Hashes {
			if h == next {
				return false
			}
		}
		rec.Hashes = append(rec.Hashes, next)
		return false
	}

	t.records[key] = &types.EquivocationRecord{
		Validator:  id,
		Round:      round,
		Hashes:     []types.Hash{first, next},
		DetectedAt: at,
		Generation: t.generation,
	}

	rounds, ok := t.faulty[id]
	if !ok {
		rounds = make(map[uint64]struct{})
		t.faulty[id] = rounds
	}
	rounds[round] = struct{}{}
	return true
}

// IsFaulty returns true if the validator is currently excluded
func (t *Tracker) IsFaulty(id types.ValidatorID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.faulty[id]) > 0
}

// Status returns the status overlay for a validator
func (t *Tracker) Status(id types.ValidatorID) types.ValidatorStatus {
	if t.IsFaulty(id) {
		return types.StatusFaulty
	}
	return types.StatusActive
}

// Faulty returns the currently faulty validators sorted by id
func (t *Tracker) Faulty() []types.ValidatorID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.ValidatorID, 0, len(t.faulty))
	for id, rounds := range t.faulty {
		if len(rounds) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Record returns the equivocation record of a validator in a round
func (t *Tracker) Record(id types.ValidatorID, round uint64) (types.EquivocationRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[recordKey(id, round)]
	if !ok {
		return types.EquivocationRecord{}, false
	}
	return types.CopyEquivocationRecord(*rec), true
}

// Records returns copies of all records ordered by round, then validator
func (t *Tracker) Records() []types.EquivocationRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collect(func(*types.EquivocationRecord) bool { return true })
}

// RecordsForRound returns copies of the records detected in a round
func (t *Tracker) RecordsForRound(round uint64) []types.EquivocationRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collect(func(r *types.EquivocationRecord) bool { return r.Round == round })
}

// ClearRound drops the records of a round and returns them. If clearFaulty
// is set, validators whose only equivocations were in this round become
// active again; they are returned as unflagged.
func (t *Tracker) ClearRound(round uint64, clearFaulty bool) (cleared []types.EquivocationRecord, unflagged []types.ValidatorID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared = t.collect(func(r *types.EquivocationRecord) bool { return r.Round == round })
	for _, rec := range cleared {
		delete(t.records, recordKey(rec.Validator, round))
		if !clearFaulty {
			continue
		}
		rounds := t.faulty[rec.Validator]
		delete(rounds, round)
		if len(rounds) == 0 {
			delete(t.faulty, rec.Validator)
			unflagged = append(unflagged, rec.Validator)
		}
	}
	return cleared, unflagged
}

// Reset drops every record and faulty flag for a new registry generation
func (t *Tracker) Reset(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation = generation
	t.records = make(map[string]*types.EquivocationRecord)
	t.faulty = make(map[types.ValidatorID]map[uint64]struct{})
}

// Generation returns the registry generation the tracker belongs to
func (t *Tracker) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Size returns the number of records
func (t *Tracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// collect copies matching records in deterministic order. Caller must hold t.mu.
func (t *Tracker) collect(match func(*types.EquivocationRecord) bool) []types.EquivocationRecord {
	var out []types.EquivocationRecord
	for _, rec := range t.records {
		if match(rec) {
			out = append(out, types.CopyEquivocationRecord(*rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].Validator < out[j].Validator
	})
	return out
}

// Export returns a copy of the tracker for a checkpoint
func (t *Tracker) Export() types.EvidenceState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state := types.EvidenceState{Generation: t.generation}
	for _, rec := range t.collect(func(*types.EquivocationRecord) bool { return true }) {
		state.Records = append(state.Records, rec.ToData())
	}
	for id, rounds := range t.faulty {
		if len(rounds) == 0 {
			continue
		}
		fr := types.FaultyRounds{Validator: id}
		for r := range rounds {
			fr.Rounds = append(fr.Rounds, r)
		}
		sort.Slice(fr.Rounds, func(i, j int) bool { return fr.Rounds[i] < fr.Rounds[j] })
		state.Faulty = append(state.Faulty, fr)
	}
	sort.Slice(state.Faulty, func(i, j int) bool { return state.Faulty[i].Validator < state.Faulty[j].Validator })
	return state
}

// Import replaces the tracker's contents with an exported state
func (t *Tracker) Import(state types.EvidenceState) error {
	records := make(map[string]*types.EquivocationRecord, len(state.Records))
	for _, d := range state.Records {
		rec, err := types.RecordFromData(d)
		if err != nil {
			return err
		}
		if rec.Generation != state.Generation {
			return fmt.Errorf("%w: record for %s in round %d has generation %d, evidence generation %d",
				types.ErrInvalidCheckpoint, rec.Validator, rec.Round, rec.Generation, state.Generation)
		}
		key := recordKey(rec.Validator, rec.Round)
		if _, dup := records[key]; dup {
			return fmt.Errorf("%w: duplicate record for %s in round %d",
				types.ErrInvalidCheckpoint, rec.Validator, rec.Round)
		}
		records[key] = &rec
	}

	faulty := make(map[types.ValidatorID]map[uint64]struct{}, len(state.Faulty))
	for _, fr := range state.Faulty {
		if len(fr.Rounds) == 0 {
			continue
		}
		rounds := make(map[uint64]struct{}, len(fr.Rounds))
		for _, r := range fr.Rounds {
			rounds[r] = struct{}{}
		}
		faulty[fr.Validator] = rounds
	}
	// Every record keeps its validator faulty for that round
	for _, rec := range records {
		if _, ok := faulty[rec.Validator][rec.Round]; !ok {
			return fmt.Errorf("%w: record for %s in round %d without faulty flag",
				types.ErrInvalidCheckpoint, rec.Validator, rec.Round)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation = state.Generation
	t.records = records
	t.faulty = faulty
	return nil
}

// recordKey returns a unique key for a validator's record in a round
func recordKey(id types.ValidatorID, round uint64) string {
	return fmt.Sprintf("%s/%d", id, round)
}
