package types

import (
	"encoding/json"
	"testing"
)

func TestNewHash(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}

	h, err := NewHash(data)
	if err != nil {
		t.Fatalf("NewHash failed: %v", err)
	}
	for i := range data {
		if h[i] != data[i] {
			t.Fatalf("hash data mismatch at byte %d", i)
		}
	}
}

func TestNewHashError(t *testing.T) {
	// Wrong size should return error
	_, err := NewHash(make([]byte, 16))
	if err == nil {
		t.Error("expected error for wrong size")
	}
}

func TestMustNewHashPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for wrong size")
		}
	}()
	MustNewHash(make([]byte, 16))
}

func TestHashBytes(t *testing.T) {
	data := []byte("hello world")
	h := HashBytes(data)

	// Same input should produce same hash
	if h != HashBytes(data) {
		t.Error("same input should produce same hash")
	}

	// Different input should produce different hash
	if h == HashBytes([]byte("different")) {
		t.Error("different input should produce different hash")
	}

	if h.IsZero() {
		t.Error("sha256 of data should not be zero")
	}
	if !(Hash{}).IsZero() {
		t.Error("zero hash should be zero")
	}
}

func TestHashHex(t *testing.T) {
	h := HashBytes([]byte("block"))

	parsed, err := HashFromHex(h.String())
	if err != nil {
		t.Fatalf("HashFromHex failed: %v", err)
	}
	if parsed != h {
		t.Error("hex round trip changed hash")
	}

	if len(h.Short()) != 8 {
		t.Errorf("expected 8 character short form, got %q", h.Short())
	}

	if _, err := HashFromHex("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := HashFromHex("abcd"); err == nil {
		t.Error("expected error for short hex")
	}
}

func TestHashLess(t *testing.T) {
	a := Hash{0x01}
	b := Hash{0x02}

	if !a.Less(b) {
		t.Error("a should sort before b")
	}
	if b.Less(a) {
		t.Error("b should not sort before a")
	}
	if a.Less(a) {
		t.Error("hash should not be less than itself")
	}
}

func TestHashJSONMapKey(t *testing.T) {
	h := HashBytes([]byte("x"))
	m := map[Hash]uint64{h: 42}

	bz, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out map[Hash]uint64
	if err := json.Unmarshal(bz, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out[h] != 42 {
		t.Errorf("expected 42 for key %s, got %d", h.Short(), out[h])
	}
}
