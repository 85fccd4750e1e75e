// Package records models the record batches consumed by the histogram
// aggregator and the value sources that expose their timestamps.
//
// A batch is processed sequentially; records within a batch are identified
// by their index. The Values iterator mirrors sorted numeric doc values:
// per record it yields a sorted ascending sequence of int64 timestamps.
package records

import (
	"fmt"
	"slices"
)

// Values exposes the sorted numeric values of records within one batch.
//
// Usage per record: Advance, then Count, then exactly Count calls to Next.
type Values interface {
	// Advance positions the iterator on the record and reports whether the
	// record has any values. A record without values contributes nothing.
	Advance(record int) (bool, error)

	// Count returns the number of values of the current record.
	Count() int

	// Next returns the next value of the current record. Values are sorted
	// ascending.
	Next() (int64, error)
}

// SliceValues is an in-memory Values implementation backed by one value row
// per record. Rows are sorted on construction to uphold the ascending
// contract.
type SliceValues struct {
	rows [][]int64
	cur  []int64
	pos  int
}

// NewSliceValues builds SliceValues from per-record value rows. A nil or
// empty row means the record has no values.
func NewSliceValues(rows [][]int64) *SliceValues {
	sorted := make([][]int64, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		sorted[i] = slices.Clone(row)
		slices.Sort(sorted[i])
	}
	return &SliceValues{rows: sorted}
}

// Len returns the number of records in the batch.
func (v *SliceValues) Len() int {
	return len(v.rows)
}

// Advance positions on record.
func (v *SliceValues) Advance(record int) (bool, error) {
	if record < 0 || record >= len(v.rows) {
		return false, fmt.Errorf("record %d out of range [0,%d)", record, len(v.rows))
	}
	v.cur = v.rows[record]
	v.pos = 0
	return len(v.cur) > 0, nil
}

// Count returns the number of values of the current record.
func (v *SliceValues) Count() int {
	return len(v.cur)
}

// Next returns the next value of the current record.
func (v *SliceValues) Next() (int64, error) {
	if v.pos >= len(v.cur) {
		return 0, fmt.Errorf("value read past count %d", len(v.cur))
	}
	val := v.cur[v.pos]
	v.pos++
	return val, nil
}
