// Package bucketords provides the growable table that deduplicates rounded
// bucket keys into dense integer ordinals.
//
// Ordinals are assigned in insertion order and are dense in [0, Size()).
// Storage is reserved from the table share of the memory budget before each
// growth step and released exactly once on Close, so a failed reservation
// always leaves the table in its last-good state.
package bucketords

import (
	"errors"
	"fmt"

	"github.com/eunmann/autohisto/pkg/membudget"
)

// Table errors.
var (
	// ErrClosed indicates an operation on a closed table.
	ErrClosed = errors.New("bucket ordinal table is closed")
	// ErrBudgetExceeded indicates the memory budget could not cover growth.
	ErrBudgetExceeded = errors.New("memory budget exceeded")
)

const (
	// bytesPerEntry approximates the per-bucket cost: one map entry plus one
	// slot in the inverse key slice.
	bytesPerEntry = 64

	// reserveChunk is the growth granularity in entries. Reserving in chunks
	// keeps the budget manager off the per-record hot path.
	reserveChunk = 4096
)

// Table maps int64 bucket keys to dense ordinals and back.
//
// Table is not safe for concurrent use; it is owned by a single aggregator
// execution at a time.
type Table struct {
	ords map[int64]int64
	keys []int64

	budget   *membudget.Budget // nil means unbudgeted
	reserved uint64            // bytes currently reserved from budget
	capacity int64             // entries covered by the reservation
	closed   bool
}

// New creates an empty table drawing storage from budget. A nil budget
// disables reservation accounting.
func New(budget *membudget.Budget) (*Table, error) {
	t := &Table{
		ords:   make(map[int64]int64, reserveChunk),
		budget: budget,
	}
	if err := t.reserve(reserveChunk); err != nil {
		return nil, err
	}
	return t, nil
}

// reserve extends the reservation to cover n more entries.
func (t *Table) reserve(n int64) error {
	if t.budget == nil {
		t.capacity += n
		return nil
	}
	bytes := uint64(n) * bytesPerEntry
	if t.reserved+bytes > t.budget.TableBudget() || !t.budget.TryReserve(bytes) {
		return fmt.Errorf("reserve %d table entries: %w", n, ErrBudgetExceeded)
	}
	t.reserved += bytes
	t.capacity += n
	return nil
}

// Add returns the ordinal for key, assigning a fresh dense ordinal if the
// key was not present. wasNew reports whether the key was added.
//
// A growth failure surfaces as an error wrapping ErrBudgetExceeded and
// leaves the table unchanged.
func (t *Table) Add(key int64) (ord int64, wasNew bool, err error) {
	if t.closed {
		return 0, false, ErrClosed
	}
	if ord, ok := t.ords[key]; ok {
		return ord, false, nil
	}

	// Reserve before mutating so a failure cannot leave a duplicate ordinal.
	if int64(len(t.keys)) == t.capacity {
		if err := t.reserve(reserveChunk); err != nil {
			return 0, false, err
		}
	}

	ord = int64(len(t.keys))
	t.ords[key] = ord
	t.keys = append(t.keys, key)
	return ord, true, nil
}

// Key returns the key stored at ord. The inverse lookup is only valid for
// ord in [0, Size()).
func (t *Table) Key(ord int64) int64 {
	return t.keys[ord]
}

// Size returns the number of distinct keys in the table.
func (t *Table) Size() int64 {
	return int64(len(t.keys))
}

// Close releases the table's budget reservation. It is idempotent and safe
// to call after a partial failure.
func (t *Table) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if t.budget != nil && t.reserved > 0 {
		t.budget.Release(t.reserved)
		t.reserved = 0
	}
	t.ords = nil
	t.keys = nil
}
