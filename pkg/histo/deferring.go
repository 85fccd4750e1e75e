package histo

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/eunmann/autohisto/pkg/logging"
	"github.com/eunmann/autohisto/pkg/membudget"
	"github.com/eunmann/autohisto/pkg/spill"
)

const (
	// assignmentBytes is the in-memory cost of one buffered assignment.
	assignmentBytes = 16

	// deferredReserveChunk is the reservation granularity in assignments,
	// keeping the budget manager off the per-record hot path.
	deferredReserveChunk = 8192
)

// DeferredOptions configures deferred collection.
type DeferredOptions struct {
	// SpillDir, when set, lets the coordinator seal full in-memory segments
	// into compressed run files under this directory.
	SpillDir string

	// MaxBuffered is the number of in-memory assignments that triggers a
	// spill. Zero keeps everything in memory.
	MaxBuffered int
}

// Deferring is the two-phase deferred-collection coordinator.
//
// During the recording phase it buffers (record, ordinal) assignments
// instead of invoking sub-aggregation hooks. In-memory assignments are
// rewritten eagerly through every merge map an escalation produces; sealed
// spill runs instead remember their escalation epoch and are remapped at
// replay time through the composition of the merge maps produced since.
//
// The replay phase runs once, after all batches are recorded, and invokes
// the sub-aggregation hook per assignment in original order with final
// ordinals only.
type Deferring struct {
	opts DeferredOptions

	buf      []spill.Assignment
	runs     []*spill.Run
	maps     [][]int64 // merge maps since execution start
	replayed bool

	budget   *membudget.Budget // nil means unbudgeted
	reserved uint64            // bytes currently reserved from budget
	capacity int               // assignments covered by the reservation
}

// EnableDeferred switches the aggregator into deferred-collection mode.
// Must be called before any batch is collected, at most once.
func (a *Aggregator) EnableDeferred(opts DeferredOptions) (*Deferring, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if a.deferring != nil {
		return nil, fmt.Errorf("deferred mode already enabled")
	}
	if a.table.Size() > 0 {
		return nil, fmt.Errorf("deferred mode must be enabled before collection starts")
	}
	a.deferring = &Deferring{opts: opts, budget: a.cfg.Budget}
	return a.deferring, nil
}

// record buffers one assignment during the recording phase. Buffer growth
// draws on the deferred share of the memory budget; when the share is
// exhausted the buffer spills instead, or fails the execution when no spill
// directory is configured.
func (d *Deferring) record(recordID, ordinal int64) error {
	if d.replayed {
		return ErrReplayDone
	}
	if len(d.buf) == d.capacity {
		if err := d.grow(); err != nil {
			return err
		}
	}
	d.buf = append(d.buf, spill.Assignment{RecordID: recordID, Ordinal: ordinal})
	if d.opts.MaxBuffered > 0 && len(d.buf) >= d.opts.MaxBuffered && d.opts.SpillDir != "" {
		return d.spillSegment()
	}
	return nil
}

// grow extends the reservation by one chunk, spilling first when the
// deferred share cannot cover it.
func (d *Deferring) grow() error {
	if d.reserve(deferredReserveChunk) == nil {
		return nil
	}
	if d.opts.SpillDir == "" {
		return fmt.Errorf("reserve %d deferred assignments: %w", deferredReserveChunk, ErrBudgetExceeded)
	}
	if err := d.spillSegment(); err != nil {
		return err
	}
	if err := d.reserve(deferredReserveChunk); err != nil {
		return fmt.Errorf("reserve %d deferred assignments after spill: %w", deferredReserveChunk, err)
	}
	return nil
}

// reserve extends the reservation to cover n more assignments, bounded by
// the deferred share so the table and result assembly keep their headroom.
func (d *Deferring) reserve(n int) error {
	if d.budget == nil {
		d.capacity += n
		return nil
	}
	bytes := uint64(n) * assignmentBytes
	if d.reserved+bytes > d.budget.DeferredBudget() || !d.budget.TryReserve(bytes) {
		return ErrBudgetExceeded
	}
	d.reserved += bytes
	d.capacity += n
	return nil
}

// release returns the buffer reservation to the budget.
func (d *Deferring) release() {
	if d.budget != nil && d.reserved > 0 {
		d.budget.Release(d.reserved)
	}
	d.reserved = 0
	d.capacity = 0
}

// spillSegment seals the in-memory buffer into a run file tagged with the
// current escalation epoch.
func (d *Deferring) spillSegment() error {
	start := time.Now()
	path := filepath.Join(d.opts.SpillDir, fmt.Sprintf("deferred-%06d.run", len(d.runs)))
	run, err := spill.WriteRun(path, len(d.maps), d.buf)
	if err != nil {
		return fmt.Errorf("spill deferred segment: %w", err)
	}
	d.runs = append(d.runs, run)
	logging.RunComplete(logging.WithPhase("collect"), "collect", time.Since(start)).
		Str("run_id", filepath.Base(path)).
		Count("assignments", int64(len(d.buf))).
		LogDebug("deferred segment sealed")
	d.buf = nil
	d.release()
	return nil
}

// applyMergeMap rewrites buffered assignments through a freshly produced
// merge map and retains the map for sealed runs.
func (d *Deferring) applyMergeMap(mergeMap []int64) {
	for i := range d.buf {
		d.buf[i].Ordinal = mergeMap[d.buf[i].Ordinal]
	}
	d.maps = append(d.maps, mergeMap)
}

// composedFrom returns the composition of the merge maps produced at or
// after epoch, or nil when no remapping is needed.
func (d *Deferring) composedFrom(epoch int) []int64 {
	if epoch >= len(d.maps) {
		return nil
	}
	composed := make([]int64, len(d.maps[epoch]))
	copy(composed, d.maps[epoch])
	for _, m := range d.maps[epoch+1:] {
		for i, ord := range composed {
			composed[i] = m[ord]
		}
	}
	return composed
}

// replay invokes collect for every buffered assignment in original order:
// sealed runs first (in seal order), then the live buffer. Any failure
// aborts the whole execution; no partial results are observable because
// BuildResult refuses to run before a completed replay.
func (d *Deferring) replay(collect func(recordID, ordinal int64) error) error {
	if d.replayed {
		return ErrReplayDone
	}

	log := logging.WithPhase("replay")
	total := uint64(len(d.buf))

	for i, run := range d.runs {
		logging.RunStarted(log, "replay", filepath.Base(run.Path), int64(i), int64(len(d.runs)))
		composed := d.composedFrom(run.Epoch)
		err := run.Iterate(func(a spill.Assignment) error {
			ord := a.Ordinal
			if composed != nil {
				ord = composed[ord]
			}
			return collect(a.RecordID, ord)
		})
		if err != nil {
			return fmt.Errorf("replay run %s: %w", run.Path, err)
		}
		total += run.Count
	}

	for _, a := range d.buf {
		if err := collect(a.RecordID, a.Ordinal); err != nil {
			return fmt.Errorf("replay buffered assignment: %w", err)
		}
	}

	d.replayed = true
	log.Debug().
		Str("event", "replay_completed").
		Uint64("assignments", total).
		Int("runs", len(d.runs)).
		Msg("deferred assignments replayed")
	return nil
}

// discard drops all buffered state, returns the reservation, and removes
// run files. Used on abort and on Close.
func (d *Deferring) discard() error {
	d.buf = nil
	d.release()
	var firstErr error
	for _, run := range d.runs {
		if err := run.Remove(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.runs = nil
	return firstErr
}

// Replayed reports whether the replay phase has completed.
func (d *Deferring) Replayed() bool {
	return d.replayed
}

// ReplayContext is a context-aware variant of Aggregator.Replay used by the
// batch driver: cancellation between runs aborts the execution.
func (a *Aggregator) ReplayContext(ctx context.Context) error {
	if a.closed {
		return ErrClosed
	}
	if a.deferring == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.deferring.replay(func(recordID, ordinal int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return a.sub.Collect(recordID, ordinal)
	})
}
