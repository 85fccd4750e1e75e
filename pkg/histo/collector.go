package histo

import (
	"fmt"
	"math"

	"github.com/eunmann/autohisto/pkg/records"
)

// Collector is the per-batch hot loop. Collect is called once per record,
// in record order, by the batch driver.
type Collector interface {
	Collect(record int) error
}

// noopCollector is returned when the batch has no value source; such
// batches contribute nothing.
type noopCollector struct{}

func (noopCollector) Collect(int) error { return nil }

// BatchCollector returns the collector for one record batch. base is the
// global record id of the batch's first record; record ids only matter when
// deferred mode or a sub-aggregation needs to resolve records later.
//
// A nil values source yields a no-op collector.
func (a *Aggregator) BatchCollector(values records.Values, base int64) Collector {
	if values == nil {
		return noopCollector{}
	}
	return &batchCollector{agg: a, values: values, base: base}
}

type batchCollector struct {
	agg    *Aggregator
	values records.Values
	base   int64
}

// Collect buckets every value of the record. Values arrive sorted
// ascending, so equal rounded keys are adjacent: a record contributes at
// most once per distinct bucket.
func (c *batchCollector) Collect(record int) error {
	a := c.agg
	if a.closed {
		return ErrClosed
	}

	ok, err := c.values.Advance(record)
	if err != nil {
		return fmt.Errorf("advance record %d: %w", record, err)
	}
	if !ok {
		return nil
	}

	recordID := c.base + int64(record)
	count := c.values.Count()
	previousRounded := int64(math.MinInt64)
	for i := 0; i < count; i++ {
		value, err := c.values.Next()
		if err != nil {
			return fmt.Errorf("read value %d of record %d: %w", i, record, err)
		}
		rounded := a.prepared.Round(value)
		if rounded < previousRounded {
			return fmt.Errorf("level %d (%s), value %d: %w",
				a.levelIdx, a.ladder.At(a.levelIdx).Rounding.Unit(), value, ErrNonMonotonicRound)
		}
		if rounded == previousRounded {
			continue
		}

		ord, wasNew, err := a.table.Add(rounded)
		if err != nil {
			return fmt.Errorf("add bucket key %d: %w", rounded, err)
		}
		if err := a.collect(recordID, ord, wasNew); err != nil {
			return fmt.Errorf("collect record %d into bucket %d: %w", recordID, ord, err)
		}
		if wasNew {
			// Escalation is only checked right after a new bucket. Stale
			// ordinals emitted above are routed through the merge map
			// inside escalate.
			for a.levelIdx < a.ladder.LastIndex() &&
				a.table.Size() > int64(a.cfg.TargetBuckets*a.ladder.At(a.levelIdx).MaxInnerMultiplier) {
				if err := a.escalate(); err != nil {
					return err
				}
			}
		}
		previousRounded = rounded
	}
	return nil
}
