// Package subagg defines the sub-aggregation framework that accumulates
// nested per-bucket state for the adaptive histogram.
//
// The histogram core treats sub-aggregation results as opaque: it only
// routes (record, ordinal) collection signals, forwards merge maps after
// each escalation, and reads one result per final ordinal. Implementations
// must consolidate their state through MergeBuckets so that buckets sharing
// a new ordinal are summed, never dropped.
package subagg

// Result is an opaque per-bucket sub-aggregation result. Merge combines two
// results during cross-partition reduction and must be commutative.
type Result interface {
	Merge(other Result) Result
}

// Aggregator accumulates sub-aggregation state keyed by bucket ordinal.
//
// Implementations are not safe for concurrent use; like the histogram core
// they are owned by one execution.
type Aggregator interface {
	// Collect accumulates the record's contribution into the bucket ordinal.
	Collect(recordID, ordinal int64) error

	// MergeBuckets consolidates state after an escalation: state at old
	// ordinal i moves to mergeMap[i], merging with whatever is already there.
	MergeBuckets(mergeMap []int64, newSize int64)

	// Result returns the result for a final ordinal.
	Result(ordinal int64) Result

	// EmptyResult returns the result of an empty bucket, used as the
	// template carried with result metadata.
	EmptyResult() Result
}

// Noop is the Aggregator used when the host configures no sub-aggregations.
type Noop struct{}

// Collect does nothing.
func (Noop) Collect(recordID, ordinal int64) error { return nil }

// MergeBuckets does nothing.
func (Noop) MergeBuckets(mergeMap []int64, newSize int64) {}

// Result returns the empty result.
func (Noop) Result(ordinal int64) Result { return EmptyResult{} }

// EmptyResult returns the empty result.
func (Noop) EmptyResult() Result { return EmptyResult{} }

// EmptyResult is the result of a Noop aggregator.
type EmptyResult struct{}

// Merge returns the other result unchanged.
func (EmptyResult) Merge(other Result) Result { return other }
