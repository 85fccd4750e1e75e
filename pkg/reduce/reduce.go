// Package reduce merges histogram results produced by independent
// aggregator partitions into one final result.
//
// Partitions may settle on different rounding levels, so reduction first
// aligns every partition to the coarsest level any of them reached, then
// k-way merges the ascending bucket streams combining equal keys, and
// finally keeps escalating through the shared ladder while the merged
// bucket count still exceeds the target bound and a coarser level exists.
package reduce

import (
	"container/heap"
	"errors"
	"fmt"
	"slices"

	"github.com/eunmann/autohisto/pkg/histo"
	"github.com/eunmann/autohisto/pkg/subagg"
)

// Reduction errors.
var (
	ErrNoResults      = errors.New("no results to reduce")
	ErrLadderMismatch = errors.New("partitions do not share a rounding ladder")
)

// Merge combines per-partition results. All partitions must have been
// configured with the same ladder and target bucket count.
func Merge(results []*histo.Result) (*histo.Result, error) {
	live := make([]*histo.Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoResults
	}

	first := live[0]
	level := first.LevelIndex
	for _, r := range live[1:] {
		if !slices.Equal(r.Ladder.Units(), first.Ladder.Units()) {
			return nil, ErrLadderMismatch
		}
		if r.LevelIndex > level {
			level = r.LevelIndex
		}
	}

	// Align every partition to the coarsest level reached, then merge the
	// ascending streams.
	streams := make([][]histo.Bucket, len(live))
	for i, r := range live {
		streams[i] = rebucket(r.Buckets, r, level)
	}
	merged := mergeStreams(streams)

	// Keep escalating while the merged result still overshoots the bound.
	ladder := first.Ladder
	for level < ladder.LastIndex() &&
		len(merged) > first.TargetBuckets*ladder.At(level).MaxInnerMultiplier {
		level++
		merged = collapse(rekey(merged, first, level))
	}

	out := &histo.Result{
		Buckets:       merged,
		Ladder:        ladder,
		LevelIndex:    level,
		TargetBuckets: first.TargetBuckets,
		EmptySub:      first.EmptySub,
		FormatKey:     first.FormatKey,
	}
	return out, nil
}

// rebucket re-rounds a partition's buckets to the target level and
// collapses the (still ascending) stream.
func rebucket(buckets []histo.Bucket, r *histo.Result, level int) []histo.Bucket {
	if r.LevelIndex == level {
		return buckets
	}
	return collapse(rekey(buckets, r, level))
}

// rekey maps every bucket key through the rounding of the target level.
// Rounding is monotonic, so an ascending stream stays ascending.
func rekey(buckets []histo.Bucket, r *histo.Result, level int) []histo.Bucket {
	rounding := r.Ladder.At(level).Rounding
	out := make([]histo.Bucket, len(buckets))
	for i, b := range buckets {
		out[i] = histo.Bucket{Key: rounding.Round(b.Key), DocCount: b.DocCount, Sub: b.Sub}
	}
	return out
}

// collapse merges adjacent buckets that now share a key.
func collapse(buckets []histo.Bucket) []histo.Bucket {
	if len(buckets) == 0 {
		return buckets
	}
	out := buckets[:1]
	for _, b := range buckets[1:] {
		last := &out[len(out)-1]
		if b.Key == last.Key {
			last.DocCount += b.DocCount
			last.Sub = mergeSub(last.Sub, b.Sub)
			continue
		}
		out = append(out, b)
	}
	return out
}

func mergeSub(a, b subagg.Result) subagg.Result {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return a.Merge(b)
}

// streamItem is one head-of-stream entry in the merge heap.
type streamItem struct {
	bucket    histo.Bucket
	streamIdx int
	pos       int
}

// streamHeap implements heap.Interface for the k-way merge.
type streamHeap struct {
	items []streamItem
}

func (h *streamHeap) Len() int { return len(h.items) }

func (h *streamHeap) Less(i, j int) bool {
	return h.items[i].bucket.Key < h.items[j].bucket.Key
}

func (h *streamHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *streamHeap) Push(x interface{}) {
	h.items = append(h.items, x.(streamItem))
}

func (h *streamHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[0 : n-1]
	return item
}

// mergeStreams k-way merges ascending bucket streams, combining buckets
// with equal keys from different partitions.
func mergeStreams(streams [][]histo.Bucket) []histo.Bucket {
	h := &streamHeap{items: make([]streamItem, 0, len(streams))}
	total := 0
	for i, s := range streams {
		total += len(s)
		if len(s) > 0 {
			h.items = append(h.items, streamItem{bucket: s[0], streamIdx: i, pos: 0})
		}
	}
	heap.Init(h)

	out := make([]histo.Bucket, 0, total)
	for h.Len() > 0 {
		item := heap.Pop(h).(streamItem)
		result := item.bucket
		advance(h, streams, item)

		// Merge duplicates of the same key from other partitions.
		for h.Len() > 0 && h.items[0].bucket.Key == result.Key {
			dup := heap.Pop(h).(streamItem)
			result.DocCount += dup.bucket.DocCount
			result.Sub = mergeSub(result.Sub, dup.bucket.Sub)
			advance(h, streams, dup)
		}

		out = append(out, result)
	}
	return out
}

// advance pushes the consumed stream's next bucket onto the heap.
func advance(h *streamHeap, streams [][]histo.Bucket, item streamItem) {
	next := item.pos + 1
	if next < len(streams[item.streamIdx]) {
		heap.Push(h, streamItem{
			bucket:    streams[item.streamIdx][next],
			streamIdx: item.streamIdx,
			pos:       next,
		})
	}
}

// Validate checks the hard output contract reduction relies on: strictly
// ascending bucket keys.
func Validate(r *histo.Result) error {
	for i := 1; i < len(r.Buckets); i++ {
		if r.Buckets[i].Key <= r.Buckets[i-1].Key {
			return fmt.Errorf("bucket %d key %d not ascending after %d",
				i, r.Buckets[i].Key, r.Buckets[i-1].Key)
		}
	}
	return nil
}
