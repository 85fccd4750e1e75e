package keyindex

import (
	"testing"
	"time"
)

func hourKeys(n int) []int64 {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	keys := make([]int64, n)
	for i := range keys {
		keys[i] = base + int64(i)*3_600_000
	}
	return keys
}

func TestBuildAndLookup(t *testing.T) {
	keys := hourKeys(100)
	ix, err := Build(keys)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ix.Len() != len(keys) {
		t.Fatalf("Len() = %d, want %d", ix.Len(), len(keys))
	}

	seen := make([]bool, len(keys))
	for _, k := range keys {
		pos, ok := ix.Lookup(k)
		if !ok {
			t.Fatalf("Lookup(%d) missed", k)
		}
		if pos >= uint64(len(keys)) {
			t.Fatalf("Lookup(%d) = %d, out of range", k, pos)
		}
		if seen[pos] {
			t.Fatalf("position %d assigned twice", pos)
		}
		seen[pos] = true
		if got := ix.Key(pos); got != k {
			t.Errorf("Key(%d) = %d, want %d", pos, got, k)
		}
	}
}

func TestLookupMiss(t *testing.T) {
	ix, err := Build(hourKeys(10))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, ok := ix.Lookup(12345); ok {
		t.Error("Lookup of absent key should miss")
	}
}

func TestBuildEmpty(t *testing.T) {
	ix, err := Build(nil)
	if err != nil {
		t.Fatalf("Build(nil): %v", err)
	}
	if ix.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ix.Len())
	}
	if _, ok := ix.Lookup(0); ok {
		t.Error("empty index should miss every key")
	}
	data, err := ix.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if data != nil {
		t.Errorf("empty index marshaled %d bytes, want nil", len(data))
	}
}

func TestBuildDuplicateKeys(t *testing.T) {
	// Duplicates are rejected either by the MPHF construction itself or by
	// the position verification pass.
	keys := []int64{1000, 2000, 1000}
	if _, err := Build(keys); err == nil {
		t.Error("Build with duplicate keys should fail")
	}
}

func TestNewFromMarshaledRoundTrip(t *testing.T) {
	keys := hourKeys(64)
	ix, err := Build(keys)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := ix.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	loaded, err := NewFromMarshaled(data, keys)
	if err != nil {
		t.Fatalf("NewFromMarshaled: %v", err)
	}
	if loaded.Len() != len(keys) {
		t.Fatalf("Len() = %d, want %d", loaded.Len(), len(keys))
	}

	for _, k := range keys {
		origPos, ok := ix.Lookup(k)
		if !ok {
			t.Fatalf("original Lookup(%d) missed", k)
		}
		pos, ok := loaded.Lookup(k)
		if !ok {
			t.Fatalf("loaded Lookup(%d) missed", k)
		}
		if pos != origPos {
			t.Errorf("Lookup(%d) = %d, want %d", k, pos, origPos)
		}
		if got := loaded.Key(pos); got != k {
			t.Errorf("Key(%d) = %d, want %d", pos, got, k)
		}
	}
	if _, ok := loaded.Lookup(42); ok {
		t.Error("loaded index should miss absent keys")
	}
}

func TestNewFromMarshaledEmpty(t *testing.T) {
	ix, err := NewFromMarshaled(nil, nil)
	if err != nil {
		t.Fatalf("NewFromMarshaled(nil, nil): %v", err)
	}
	if ix.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ix.Len())
	}

	if _, err := NewFromMarshaled(nil, hourKeys(3)); err == nil {
		t.Error("nil data with keys should fail")
	}
}

func TestNewFromMarshaledWrongKeys(t *testing.T) {
	keys := hourKeys(16)
	ix, err := Build(keys)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := ix.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	// A key set the MPHF was not built over cannot be verified.
	wrong := make([]int64, len(keys))
	for i := range wrong {
		wrong[i] = int64(i) * 7_777_777
	}
	if _, err := NewFromMarshaled(data, wrong); err == nil {
		t.Error("NewFromMarshaled with foreign keys should fail")
	}
}

func TestMarshalBinary(t *testing.T) {
	ix, err := Build(hourKeys(32))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := ix.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(data) == 0 {
		t.Error("MarshalBinary returned no data for a populated index")
	}
}
