package subagg

import "math"

// MetricSource yields the metric value for a record, or false if the record
// has no value for the metric.
type MetricSource func(recordID int64) (int64, bool)

// Stats accumulates count/sum/min/max of a per-record metric for each
// bucket. It is the reference sub-aggregation implementation used by the
// CLI and tests.
type Stats struct {
	source  MetricSource
	buckets []statsBucket
}

type statsBucket struct {
	count int64
	sum   int64
	min   int64
	max   int64
}

func emptyStatsBucket() statsBucket {
	return statsBucket{min: math.MaxInt64, max: math.MinInt64}
}

func (b *statsBucket) add(v int64) {
	b.count++
	b.sum += v
	if v < b.min {
		b.min = v
	}
	if v > b.max {
		b.max = v
	}
}

func (b *statsBucket) merge(other statsBucket) {
	b.count += other.count
	b.sum += other.sum
	if other.min < b.min {
		b.min = other.min
	}
	if other.max > b.max {
		b.max = other.max
	}
}

// NewStats creates a stats sub-aggregator reading metric values from source.
func NewStats(source MetricSource) *Stats {
	return &Stats{source: source}
}

// Collect accumulates the record's metric value into the bucket ordinal.
// Records without a metric value contribute nothing.
func (s *Stats) Collect(recordID, ordinal int64) error {
	v, ok := s.source(recordID)
	if !ok {
		return nil
	}
	s.grow(ordinal + 1)
	s.buckets[ordinal].add(v)
	return nil
}

// MergeBuckets consolidates bucket state through the merge map produced by
// an escalation.
func (s *Stats) MergeBuckets(mergeMap []int64, newSize int64) {
	merged := make([]statsBucket, newSize)
	for i := range merged {
		merged[i] = emptyStatsBucket()
	}
	for i, b := range s.buckets {
		if i >= len(mergeMap) {
			break
		}
		merged[mergeMap[i]].merge(b)
	}
	s.buckets = merged
}

// Result returns the stats for a final ordinal.
func (s *Stats) Result(ordinal int64) Result {
	if ordinal >= int64(len(s.buckets)) {
		return StatsResult{}
	}
	b := s.buckets[ordinal]
	if b.count == 0 {
		return StatsResult{}
	}
	return StatsResult{Count: b.count, Sum: b.sum, Min: b.min, Max: b.max}
}

// EmptyResult returns the zero stats result.
func (s *Stats) EmptyResult() Result {
	return StatsResult{}
}

// grow extends the bucket slice to at least n entries.
func (s *Stats) grow(n int64) {
	for int64(len(s.buckets)) < n {
		s.buckets = append(s.buckets, emptyStatsBucket())
	}
}

// StatsResult is the per-bucket result of the Stats sub-aggregator.
// Min and Max are meaningful only when Count > 0.
type StatsResult struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

// Merge combines two stats results.
func (r StatsResult) Merge(other Result) Result {
	o, ok := other.(StatsResult)
	if !ok {
		return r
	}
	if r.Count == 0 {
		return o
	}
	if o.Count == 0 {
		return r
	}
	out := StatsResult{
		Count: r.Count + o.Count,
		Sum:   r.Sum + o.Sum,
		Min:   r.Min,
		Max:   r.Max,
	}
	if o.Min < out.Min {
		out.Min = o.Min
	}
	if o.Max > out.Max {
		out.Max = o.Max
	}
	return out
}
