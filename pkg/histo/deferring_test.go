package histo

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/eunmann/autohisto/pkg/membudget"
	"github.com/eunmann/autohisto/pkg/records"
	"github.com/eunmann/autohisto/pkg/subagg"
)

// timestampAsMetric reads the metric for a record from a captured slice of
// per-record values, keyed by global record id.
func timestampAsMetric(values []int64) subagg.MetricSource {
	return func(recordID int64) (int64, bool) {
		if recordID < 0 || recordID >= int64(len(values)) {
			return 0, false
		}
		return values[recordID], true
	}
}

// runStats aggregates timestamps with a stats sub-aggregation over metrics,
// optionally deferred, and returns the result.
func runStats(t *testing.T, timestamps, metrics []int64, deferred bool, opts DeferredOptions) *Result {
	t.Helper()
	a := mustNew(t, Config{
		TargetBuckets: 2,
		Ladder:        smallLadder(t),
		Sub:           subagg.NewStats(timestampAsMetric(metrics)),
	})

	if deferred {
		if _, err := a.EnableDeferred(opts); err != nil {
			t.Fatalf("EnableDeferred: %v", err)
		}
	}

	collectTimestamps(t, a, timestamps)

	if deferred {
		if err := a.Replay(); err != nil {
			t.Fatalf("Replay: %v", err)
		}
	}

	res, err := a.BuildResult()
	if err != nil {
		t.Fatalf("BuildResult: %v", err)
	}
	return res
}

func escalatingWorkload() (timestamps, metrics []int64) {
	// Nine distinct seconds across three minutes of two hours: forces
	// second -> minute -> hour with target 2.
	for hour := int64(0); hour < 2; hour++ {
		for minute := int64(0); minute < 3; minute++ {
			for sec := int64(0); sec < 2; sec++ {
				timestamps = append(timestamps, hour*3_600_000+minute*60_000+sec*1000)
			}
		}
	}
	metrics = make([]int64, len(timestamps))
	for i := range metrics {
		metrics[i] = int64(i + 1)
	}
	return timestamps, metrics
}

func TestDeferredMatchesEager(t *testing.T) {
	timestamps, metrics := escalatingWorkload()

	eager := runStats(t, timestamps, metrics, false, DeferredOptions{})
	deferred := runStats(t, timestamps, metrics, true, DeferredOptions{})

	if len(eager.Buckets) != len(deferred.Buckets) {
		t.Fatalf("bucket counts differ: eager %d, deferred %d",
			len(eager.Buckets), len(deferred.Buckets))
	}
	for i := range eager.Buckets {
		e, d := eager.Buckets[i], deferred.Buckets[i]
		if e.Key != d.Key || e.DocCount != d.DocCount {
			t.Errorf("bucket %d differs: eager {%d,%d}, deferred {%d,%d}",
				i, e.Key, e.DocCount, d.Key, d.DocCount)
		}
		es, ds := e.Sub.(subagg.StatsResult), d.Sub.(subagg.StatsResult)
		if es != ds {
			t.Errorf("bucket %d stats differ: eager %+v, deferred %+v", i, es, ds)
		}
	}
}

func TestDeferredWithSpillMatchesEager(t *testing.T) {
	timestamps, metrics := escalatingWorkload()
	spillDir := t.TempDir()

	eager := runStats(t, timestamps, metrics, false, DeferredOptions{})
	deferred := runStats(t, timestamps, metrics, true, DeferredOptions{
		SpillDir:    spillDir,
		MaxBuffered: 3, // force several spilled runs across escalations
	})

	if len(eager.Buckets) != len(deferred.Buckets) {
		t.Fatalf("bucket counts differ: eager %d, deferred %d",
			len(eager.Buckets), len(deferred.Buckets))
	}
	for i := range eager.Buckets {
		es := eager.Buckets[i].Sub.(subagg.StatsResult)
		ds := deferred.Buckets[i].Sub.(subagg.StatsResult)
		if es != ds {
			t.Errorf("bucket %d stats differ: eager %+v, deferred %+v", i, es, ds)
		}
	}
}

func TestBuildResultBeforeReplay(t *testing.T) {
	a := mustNew(t, Config{TargetBuckets: 10})
	if _, err := a.EnableDeferred(DeferredOptions{}); err != nil {
		t.Fatalf("EnableDeferred: %v", err)
	}
	collectTimestamps(t, a, []int64{1000})

	if _, err := a.BuildResult(); !errors.Is(err, ErrNotReplayed) {
		t.Errorf("BuildResult before Replay = %v, want ErrNotReplayed", err)
	}
	if err := a.Replay(); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if _, err := a.BuildResult(); err != nil {
		t.Errorf("BuildResult after Replay: %v", err)
	}
}

func TestEnableDeferredAfterCollection(t *testing.T) {
	a := mustNew(t, Config{TargetBuckets: 10})
	collectTimestamps(t, a, []int64{1000})

	if _, err := a.EnableDeferred(DeferredOptions{}); err == nil {
		t.Error("EnableDeferred after collection should fail")
	}
}

func TestEnableDeferredTwice(t *testing.T) {
	a := mustNew(t, Config{TargetBuckets: 10})
	if _, err := a.EnableDeferred(DeferredOptions{}); err != nil {
		t.Fatalf("EnableDeferred: %v", err)
	}
	if _, err := a.EnableDeferred(DeferredOptions{}); err == nil {
		t.Error("second EnableDeferred should fail")
	}
}

func TestReplayTwice(t *testing.T) {
	a := mustNew(t, Config{TargetBuckets: 10})
	if _, err := a.EnableDeferred(DeferredOptions{}); err != nil {
		t.Fatalf("EnableDeferred: %v", err)
	}
	collectTimestamps(t, a, []int64{1000})

	if err := a.Replay(); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if err := a.Replay(); !errors.Is(err, ErrReplayDone) {
		t.Errorf("second Replay = %v, want ErrReplayDone", err)
	}
}

func TestReplayWithoutDeferredIsNoop(t *testing.T) {
	a := mustNew(t, Config{TargetBuckets: 10})
	collectTimestamps(t, a, []int64{1000})
	if err := a.Replay(); err != nil {
		t.Errorf("Replay without deferred mode = %v, want nil", err)
	}
}

func TestReplayContextCancellation(t *testing.T) {
	a := mustNew(t, Config{TargetBuckets: 10})
	if _, err := a.EnableDeferred(DeferredOptions{}); err != nil {
		t.Fatalf("EnableDeferred: %v", err)
	}
	collectTimestamps(t, a, []int64{1000, 2000})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.ReplayContext(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReplayContext(canceled) = %v, want context.Canceled", err)
	}
}

func TestDeferredBufferReservesFromBudget(t *testing.T) {
	budget := membudget.New(membudget.Config{TotalBytes: 1 << 24})
	a, err := New(Config{TargetBuckets: 10, Budget: budget})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	baseline := budget.InUse()

	if _, err := a.EnableDeferred(DeferredOptions{}); err != nil {
		t.Fatalf("EnableDeferred: %v", err)
	}
	collectTimestamps(t, a, []int64{1000})

	want := baseline + deferredReserveChunk*assignmentBytes
	if got := budget.InUse(); got != want {
		t.Errorf("InUse() after first deferred record = %d, want %d", got, want)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := budget.InUse(); got != 0 {
		t.Errorf("InUse() after Close = %d, want 0", got)
	}
}

// deferredOverflowRows builds enough identical-bucket records to outgrow the
// deferred share of a 750 KB budget (two reservation chunks fit, three do
// not).
func deferredOverflowRows() [][]int64 {
	rows := make([][]int64, 17_000)
	for i := range rows {
		rows[i] = []int64{1000}
	}
	return rows
}

func TestDeferredBudgetExhaustedWithoutSpill(t *testing.T) {
	budget := membudget.New(membudget.Config{TotalBytes: 750_000})
	a, err := New(Config{TargetBuckets: 10, Budget: budget})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if _, err := a.EnableDeferred(DeferredOptions{}); err != nil {
		t.Fatalf("EnableDeferred: %v", err)
	}

	rows := deferredOverflowRows()
	c := a.BatchCollector(records.NewSliceValues(rows), 0)
	var collectErr error
	for i := range rows {
		if collectErr = c.Collect(i); collectErr != nil {
			break
		}
	}
	if !errors.Is(collectErr, ErrBudgetExceeded) {
		t.Fatalf("collect past deferred share = %v, want ErrBudgetExceeded", collectErr)
	}
}

func TestDeferredSpillsWhenShareExhausted(t *testing.T) {
	budget := membudget.New(membudget.Config{TotalBytes: 750_000})
	spillDir := t.TempDir()
	a, err := New(Config{TargetBuckets: 10, Budget: budget})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if _, err := a.EnableDeferred(DeferredOptions{SpillDir: spillDir}); err != nil {
		t.Fatalf("EnableDeferred: %v", err)
	}

	rows := deferredOverflowRows()
	collectRecords(t, a, rows)

	entries, err := os.ReadDir(spillDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected the exhausted share to force a spilled run")
	}

	if err := a.Replay(); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	res, err := a.BuildResult()
	if err != nil {
		t.Fatalf("BuildResult: %v", err)
	}
	if got := res.TotalDocCount(); got != int64(len(rows)) {
		t.Errorf("TotalDocCount() = %d, want %d", got, len(rows))
	}
}

func TestBuildResultBudgetExceeded(t *testing.T) {
	budget := membudget.New(membudget.Config{TotalBytes: 750_000})
	a, err := New(Config{TargetBuckets: 100_000, Ladder: smallLadder(t), Budget: budget})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	// 3000 distinct second buckets fit the table's initial chunk but need
	// more assembly bytes than the results share allows.
	timestamps := make([]int64, 3000)
	for i := range timestamps {
		timestamps[i] = int64(i) * 1000
	}
	collectTimestamps(t, a, timestamps)

	if _, err := a.BuildResult(); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("BuildResult past results share = %v, want ErrBudgetExceeded", err)
	}
}

func TestCloseRemovesSpillRuns(t *testing.T) {
	spillDir := t.TempDir()
	a, err := New(Config{TargetBuckets: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.EnableDeferred(DeferredOptions{SpillDir: spillDir, MaxBuffered: 2}); err != nil {
		t.Fatalf("EnableDeferred: %v", err)
	}
	collectTimestamps(t, a, []int64{1000, 2000, 3000, 4000, 5000})

	entries, err := os.ReadDir(spillDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected spilled run files before Close")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	entries, err = os.ReadDir(spillDir)
	if err != nil {
		t.Fatalf("ReadDir after Close: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("%d run files remain after Close", len(entries))
	}
}
