package types

import (
	"errors"
	"testing"
)

func makeValidator(id string, weight uint64) Validator {
	return Validator{ID: ValidatorID(id), Weight: weight}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(1, []Validator{
		makeValidator("carol", 30),
		makeValidator("alice", 50),
		makeValidator("bob", 20),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reg.Size() != 3 {
		t.Errorf("expected 3 validators, got %d", reg.Size())
	}
	if reg.TotalStake() != 100 {
		t.Errorf("expected total stake 100, got %d", reg.TotalStake())
	}
	if reg.Generation() != 1 {
		t.Errorf("expected generation 1, got %d", reg.Generation())
	}

	// Members are sorted by id
	vals := reg.Validators()
	if vals[0].ID != "alice" || vals[1].ID != "bob" || vals[2].ID != "carol" {
		t.Errorf("validators not sorted: %v", vals)
	}

	stake, ok := reg.StakeOf("carol")
	if !ok || stake != 30 {
		t.Errorf("expected carol stake 30, got %d (member=%v)", stake, ok)
	}
	if reg.IsMember("mallory") {
		t.Error("mallory should not be a member")
	}
	if err := reg.CheckInvariant(); err != nil {
		t.Errorf("invariant should hold: %v", err)
	}
}

func TestNewRegistryErrors(t *testing.T) {
	tests := []struct {
		name string
		vals []Validator
		want error
	}{
		{"empty", nil, ErrEmptyRegistry},
		{"zero weight", []Validator{makeValidator("alice", 0)}, ErrInvalidWeight},
		{"empty id", []Validator{makeValidator("", 10)}, ErrEmptyValidatorID},
		{"duplicate", []Validator{makeValidator("alice", 10), makeValidator("alice", 5)}, ErrDuplicateValidator},
		{"overflow", []Validator{makeValidator("a", MaxTotalStake), makeValidator("b", 1)}, ErrTotalStakeOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(1, tt.vals)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNewRegistryIgnoresStatus(t *testing.T) {
	reg, err := NewRegistry(1, []Validator{{ID: "alice", Weight: 10, Status: StatusFaulty}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Validators()[0].Status != StatusActive {
		t.Error("fresh registry members should be active")
	}
}

func TestFinalityThreshold(t *testing.T) {
	tests := []struct {
		total uint64
		want  uint64
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{100, 67},
		{110, 74},
		{300, 200},
		{MaxTotalStake, MaxTotalStake - MaxTotalStake/3},
	}

	for _, tt := range tests {
		if got := FinalityThreshold(tt.total); got != tt.want {
			t.Errorf("FinalityThreshold(%d) = %d, want %d", tt.total, got, tt.want)
		}
		// 3*threshold >= 2*total, and one less does not reach it
		th := FinalityThreshold(tt.total)
		if tt.total < 1<<40 {
			if 3*th < 2*tt.total {
				t.Errorf("threshold %d below two thirds of %d", th, tt.total)
			}
			if th > 0 && 3*(th-1) >= 2*tt.total {
				t.Errorf("threshold %d not minimal for %d", th, tt.total)
			}
		}
	}
}

func TestRegistryDataRoundTrip(t *testing.T) {
	reg, _ := NewRegistry(3, []Validator{makeValidator("alice", 40), makeValidator("bob", 60)})

	restored, err := RegistryFromData(reg.ToData())
	if err != nil {
		t.Fatalf("RegistryFromData failed: %v", err)
	}
	if restored.Hash() != reg.Hash() {
		t.Error("registry hash changed across data round trip")
	}
	if restored.Generation() != 3 {
		t.Errorf("expected generation 3, got %d", restored.Generation())
	}
}

func TestRegistryFromDataTotalMismatch(t *testing.T) {
	data := &RegistryData{
		Generation: 1,
		TotalStake: 99,
		Validators: []ValidatorData{{ID: "alice", Weight: 100}},
	}
	_, err := RegistryFromData(data)
	if !errors.Is(err, ErrTotalStakeMismatch) {
		t.Errorf("expected ErrTotalStakeMismatch, got %v", err)
	}

	if _, err := RegistryFromData(nil); !errors.Is(err, ErrNilRegistry) {
		t.Errorf("expected ErrNilRegistry, got %v", err)
	}
}

func TestRegistryHashDeterministic(t *testing.T) {
	a, _ := NewRegistry(1, []Validator{makeValidator("alice", 1), makeValidator("bob", 2)})
	b, _ := NewRegistry(1, []Validator{makeValidator("bob", 2), makeValidator("alice", 1)})
	c, _ := NewRegistry(2, []Validator{makeValidator("bob", 2), makeValidator("alice", 1)})

	if a.Hash() != b.Hash() {
		t.Error("member order should not change registry hash")
	}
	if a.Hash() == c.Hash() {
		t.Error("generation should change registry hash")
	}
}

func TestValidatorStatusText(t *testing.T) {
	for _, s := range []ValidatorStatus{StatusActive, StatusFaulty} {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText failed: %v", err)
		}
		var parsed ValidatorStatus
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText failed: %v", err)
		}
		if parsed != s {
			t.Errorf("expected %v, got %v", s, parsed)
		}
	}

	var s ValidatorStatus
	if err := s.UnmarshalText([]byte("retired")); err == nil {
		t.Error("expected error for unknown status")
	}
}
