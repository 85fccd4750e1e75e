// Package keyindex builds a frozen minimal-perfect-hash index over the
// final bucket keys of a histogram result.
//
// The key set is immutable once results are built, which is exactly the
// shape a minimal perfect hash wants: lookups during cross-partition joins
// become O(1) with no per-bucket map overhead. Since MPHFs return a valid
// position for any input, lookups verify the stored key at the position.
package keyindex

import (
	"errors"
	"fmt"

	"github.com/relab/bbhash"
)

// ErrDuplicateKeys indicates the key set contained duplicates, which a
// minimal perfect hash cannot represent.
var ErrDuplicateKeys = errors.New("bucket keys must be unique")

// Index is an immutable key-to-position index. Positions are dense in
// [0, Len()) but are not ordinals from any particular partition: they are
// the MPHF's own ordering.
type Index struct {
	mph  *bbhash.BBHash2
	keys []int64 // keys ordered by MPHF position, for verification
}

// Build constructs the index over keys. Keys must be unique; an empty key
// set yields an empty index.
func Build(keys []int64) (*Index, error) {
	if len(keys) == 0 {
		return &Index{}, nil
	}

	hashKeys := make([]uint64, len(keys))
	for i, k := range keys {
		hashKeys[i] = uint64(k)
	}

	// Gamma 2.0 is a good space/time tradeoff for small frozen sets.
	mph, err := bbhash.New(hashKeys, bbhash.Gamma(2.0))
	if err != nil {
		return nil, fmt.Errorf("build key MPHF: %w", err)
	}

	// BBHash positions are 1-indexed; store keys 0-indexed by position.
	ordered := make([]int64, len(keys))
	seen := make([]bool, len(keys))
	for _, k := range keys {
		pos := mph.Find(uint64(k))
		if pos == 0 {
			return nil, fmt.Errorf("MPHF lookup failed for key %d", k)
		}
		if seen[pos-1] {
			return nil, fmt.Errorf("key %d: %w", k, ErrDuplicateKeys)
		}
		seen[pos-1] = true
		ordered[pos-1] = k
	}

	return &Index{mph: mph, keys: ordered}, nil
}

// Lookup returns the dense position of key, or false if the key is not in
// the index.
func (ix *Index) Lookup(key int64) (uint64, bool) {
	if ix.mph == nil {
		return 0, false
	}
	pos := ix.mph.Find(uint64(key))
	if pos == 0 || ix.keys[pos-1] != key {
		return 0, false
	}
	return pos - 1, true
}

// Key returns the key stored at position pos in [0, Len()).
func (ix *Index) Key(pos uint64) int64 {
	return ix.keys[pos]
}

// Len returns the number of indexed keys.
func (ix *Index) Len() int {
	return len(ix.keys)
}

// NewFromMarshaled reconstructs an index from a marshaled MPHF and the key
// set it was built over. Nil data with no keys yields an empty index.
func NewFromMarshaled(data []byte, keys []int64) (*Index, error) {
	if len(data) == 0 {
		if len(keys) != 0 {
			return nil, errors.New("key index data missing for non-empty key set")
		}
		return &Index{}, nil
	}

	mph := &bbhash.BBHash2{}
	if err := mph.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal key MPHF: %w", err)
	}

	ordered := make([]int64, len(keys))
	seen := make([]bool, len(keys))
	for _, k := range keys {
		pos := mph.Find(uint64(k))
		if pos == 0 || pos > uint64(len(keys)) || seen[pos-1] {
			return nil, fmt.Errorf("marshaled MPHF does not cover key %d", k)
		}
		seen[pos-1] = true
		ordered[pos-1] = k
	}

	return &Index{mph: mph, keys: ordered}, nil
}

// MarshalBinary serializes the MPHF for persistence alongside results.
// An empty index marshals to nil.
func (ix *Index) MarshalBinary() ([]byte, error) {
	if ix.mph == nil {
		return nil, nil
	}
	data, err := ix.mph.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal key MPHF: %w", err)
	}
	return data, nil
}
