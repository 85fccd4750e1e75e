// Package histo implements the adaptive date histogram aggregator: it
// buckets an unbounded stream of timestamped records into approximately a
// target number of time buckets, coarsening the bucket width on the fly as
// distinct buckets appear.
//
// The aggregator walks an ordered ladder of roundings, finest first. Rounded
// keys are deduplicated into dense ordinals by a bucket ordinal table; when
// the table outgrows targetBuckets times the current level's multiplier, the
// aggregator escalates: it rebuilds the table under the next coarser
// rounding and routes already-accumulated state through the resulting
// old-to-new ordinal merge map. Overshoot at the coarsest level is accepted.
//
// One aggregator instance is single-threaded; independent instances (one per
// partition) run concurrently and are combined by pkg/reduce.
package histo

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eunmann/autohisto/pkg/bucketords"
	"github.com/eunmann/autohisto/pkg/logging"
	"github.com/eunmann/autohisto/pkg/membudget"
	"github.com/eunmann/autohisto/pkg/rounding"
	"github.com/eunmann/autohisto/pkg/subagg"
)

// Config holds the construction-time configuration of an aggregator.
// It is immutable for the lifetime of the execution.
type Config struct {
	// TargetBuckets is the approximate desired bucket count (> 0).
	TargetBuckets int

	// Ladder is the rounding ladder, finest level first.
	// Defaults to rounding.Default().
	Ladder *rounding.Ladder

	// Preparer converts each level's rounding into its hot-loop form.
	// Defaults to rounding.PrepareUnoptimized.
	Preparer rounding.Preparer

	// FormatKey renders bucket keys for display and serialization.
	// Defaults to rounding.FormatKeyRFC3339.
	FormatKey rounding.KeyFormatter

	// Budget is the memory budget backing the ordinal table and deferred
	// buffers. Nil disables budget accounting.
	Budget *membudget.Budget

	// Sub accumulates nested per-bucket state. Defaults to subagg.Noop.
	Sub subagg.Aggregator
}

// Aggregator is one adaptive histogram execution. It is not safe for
// concurrent use.
type Aggregator struct {
	cfg      Config
	ladder   *rounding.Ladder
	preparer rounding.Preparer

	levelIdx int
	prepared rounding.Prepared

	table     *bucketords.Table
	docCounts []int64
	sub       subagg.Aggregator
	deferring *Deferring

	escalations int
	log         zerolog.Logger
	closed      bool
}

// New creates an aggregator for one execution. Close must be called to
// release the ordinal table and any deferred state.
func New(cfg Config) (*Aggregator, error) {
	if cfg.TargetBuckets <= 0 {
		return nil, fmt.Errorf("target buckets must be positive, got %d", cfg.TargetBuckets)
	}
	if cfg.Ladder == nil {
		cfg.Ladder = rounding.Default()
	}
	if cfg.Preparer == nil {
		cfg.Preparer = rounding.PrepareUnoptimized
	}
	if cfg.FormatKey == nil {
		cfg.FormatKey = rounding.FormatKeyRFC3339
	}
	if cfg.Sub == nil {
		cfg.Sub = subagg.Noop{}
	}

	table, err := bucketords.New(cfg.Budget)
	if err != nil {
		return nil, fmt.Errorf("create bucket ordinal table: %w", err)
	}

	a := &Aggregator{
		cfg:      cfg,
		ladder:   cfg.Ladder,
		preparer: cfg.Preparer,
		prepared: cfg.Preparer(cfg.Ladder.At(0).Rounding),
		table:    table,
		sub:      cfg.Sub,
		log:      logging.WithPhase("collect"),
	}
	return a, nil
}

// LevelIndex returns the current rounding level index. It starts at 0 and
// only ever increases during one execution.
func (a *Aggregator) LevelIndex() int {
	return a.levelIdx
}

// BucketCount returns the current number of distinct buckets.
func (a *Aggregator) BucketCount() int64 {
	return a.table.Size()
}

// Escalations returns how many escalations have occurred.
func (a *Aggregator) Escalations() int {
	return a.escalations
}

// collect routes one (record, ordinal) signal: doc counts accumulate
// eagerly; sub-aggregation collection is either immediate or buffered for
// replay when deferred mode is enabled.
func (a *Aggregator) collect(recordID, ord int64, wasNew bool) error {
	if wasNew {
		a.docCounts = append(a.docCounts, 1)
	} else {
		a.docCounts[ord]++
	}
	if a.deferring != nil {
		return a.deferring.record(recordID, ord)
	}
	return a.sub.Collect(recordID, ord)
}

// escalate switches to the next coarser level: it rebuilds the table under
// the next rounding, produces the old-to-new merge map, consolidates doc
// counts and sub-aggregation state through it, and swaps the live table.
//
// Any failure leaves the previous table live and last-good; the new table is
// released before the error surfaces.
func (a *Aggregator) escalate() error {
	next, ok := a.ladder.Next(a.levelIdx)
	if !ok {
		return ErrLadderExhausted
	}

	newTable, err := bucketords.New(a.cfg.Budget)
	if err != nil {
		return fmt.Errorf("escalate to %s: %w", next.Rounding.Unit(), err)
	}

	prepared := a.preparer(next.Rounding)
	old := a.table
	oldSize := old.Size()
	mergeMap := make([]int64, oldSize)
	for i := int64(0); i < oldSize; i++ {
		newOrd, _, err := newTable.Add(prepared.Round(old.Key(i)))
		if err != nil {
			newTable.Close()
			return fmt.Errorf("escalate to %s: rebuild table: %w", next.Rounding.Unit(), err)
		}
		mergeMap[i] = newOrd
	}
	newSize := newTable.Size()

	// Consolidate doc counts: old ordinals sharing a new key are summed.
	merged := make([]int64, newSize)
	for i, n := range a.docCounts {
		merged[mergeMap[i]] += n
	}
	a.docCounts = merged

	a.sub.MergeBuckets(mergeMap, newSize)
	if a.deferring != nil {
		a.deferring.applyMergeMap(mergeMap)
	}

	a.levelIdx = next.Index
	a.prepared = prepared
	a.table = newTable
	old.Close()
	a.escalations++

	a.log.Debug().
		Str("event", "escalated").
		Str("level", next.Rounding.Unit().String()).
		Int("level_index", a.levelIdx).
		Int64("old_buckets", oldSize).
		Int64("buckets", newSize).
		Msg("escalated rounding level")

	return nil
}

// Replay runs the replay phase of deferred collection. It must be called
// after all batches have been recorded and before BuildResult. Without
// deferred mode it is a no-op.
func (a *Aggregator) Replay() error {
	if a.closed {
		return ErrClosed
	}
	if a.deferring == nil {
		return nil
	}
	return a.deferring.replay(a.sub.Collect)
}

// Close releases the ordinal table and all deferred state. It is idempotent
// and safe to call after a partial failure.
func (a *Aggregator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.table.Close()
	a.docCounts = nil
	if a.deferring != nil {
		return a.deferring.discard()
	}
	return nil
}
