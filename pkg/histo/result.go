package histo

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/eunmann/autohisto/pkg/rounding"
	"github.com/eunmann/autohisto/pkg/subagg"
)

// resultBytesPerBucket approximates the transient assembly cost of one
// bucket row, reserved from the results share of the budget.
const resultBytesPerBucket = 48

// Bucket is one final histogram bucket.
type Bucket struct {
	// Key is the bucket's rounded timestamp (UTC milliseconds).
	Key int64
	// DocCount is the number of records that contributed to the bucket.
	DocCount int64
	// Sub is the opaque sub-aggregation result for the bucket.
	Sub subagg.Result
}

// Result is the output of one aggregator execution. Buckets are sorted
// ascending by key, a hard contract relied on by cross-partition reduction.
// The metadata lets the reduction step align partitions that settled on
// different rounding levels.
type Result struct {
	Buckets []Bucket

	// Ladder is the rounding ladder shared by all partitions of a request.
	Ladder *rounding.Ladder
	// LevelIndex is the final rounding level of this partition.
	LevelIndex int
	// TargetBuckets is the configured approximate bucket count.
	TargetBuckets int
	// EmptySub is the empty sub-aggregation template for gap filling.
	EmptySub subagg.Result
	// FormatKey renders keys for display and serialization.
	FormatKey rounding.KeyFormatter
}

// BuildResult assembles the final result from the current table. With
// deferred mode enabled it refuses to run before Replay completed, so no
// partial sub-aggregation state can be observed.
//
// This aggregator always operates at the root of its pipeline, so there is
// exactly one owning ordinal; the result enumerates the whole table.
func (a *Aggregator) BuildResult() (*Result, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if a.deferring != nil && !a.deferring.replayed {
		return nil, ErrNotReplayed
	}

	size := a.table.Size()
	if a.cfg.Budget != nil {
		bytes := uint64(size) * resultBytesPerBucket
		if bytes > a.cfg.Budget.ResultsBudget() || !a.cfg.Budget.TryReserve(bytes) {
			return nil, fmt.Errorf("reserve result assembly for %d buckets: %w", size, ErrBudgetExceeded)
		}
		defer a.cfg.Budget.Release(bytes)
	}
	buckets := make([]Bucket, 0, size)
	for ord := int64(0); ord < size; ord++ {
		buckets = append(buckets, Bucket{
			Key:      a.table.Key(ord),
			DocCount: a.docCounts[ord],
			Sub:      a.sub.Result(ord),
		})
	}

	// Stable sort: keys are unique within one table, but the output
	// contract is ascending keys with insertion order breaking ties.
	slices.SortStableFunc(buckets, func(x, y Bucket) int {
		return cmp.Compare(x.Key, y.Key)
	})

	r := a.metadataResult()
	r.Buckets = buckets
	return r, nil
}

// BuildEmptyResult returns a result with no buckets but full metadata, so
// reduction can still align rounding levels for partitions that matched
// nothing.
func (a *Aggregator) BuildEmptyResult() *Result {
	return a.metadataResult()
}

func (a *Aggregator) metadataResult() *Result {
	return &Result{
		Ladder:        a.ladder,
		LevelIndex:    a.levelIdx,
		TargetBuckets: a.cfg.TargetBuckets,
		EmptySub:      a.sub.EmptyResult(),
		FormatKey:     a.cfg.FormatKey,
	}
}

// TotalDocCount returns the sum of doc counts over all buckets. Reduction
// and tests use it to check the conservation property across escalations.
func (r *Result) TotalDocCount() int64 {
	var total int64
	for _, b := range r.Buckets {
		total += b.DocCount
	}
	return total
}
