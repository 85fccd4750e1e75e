package histo

import (
	"fmt"
	"testing"

	"github.com/eunmann/autohisto/pkg/benchutil"
	"github.com/eunmann/autohisto/pkg/records"
)

func benchCollect(b *testing.B, cfg benchutil.GeneratorConfig) {
	timestamps := benchutil.Timestamps(benchutil.NewGenerator(cfg).Generate())
	rows := make([][]int64, len(timestamps))
	for i, ts := range timestamps {
		rows[i] = []int64{ts}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a, err := New(Config{TargetBuckets: 50})
		if err != nil {
			b.Fatalf("New: %v", err)
		}
		c := a.BatchCollector(records.NewSliceValues(rows), 0)
		for rec := range rows {
			if err := c.Collect(rec); err != nil {
				b.Fatalf("Collect: %v", err)
			}
		}
		if _, err := a.BuildResult(); err != nil {
			b.Fatalf("BuildResult: %v", err)
		}
		a.Close()
	}
}

func BenchmarkCollectUniform(b *testing.B) {
	for _, size := range benchutil.BenchmarkSizes {
		b.Run(fmt.Sprintf("n=%d", size), func(b *testing.B) {
			benchCollect(b, benchutil.DefaultConfig(size))
		})
	}
}

func BenchmarkCollectWideRange(b *testing.B) {
	// Multi-year spans force the aggregator through several escalations.
	for _, size := range benchutil.BenchmarkSizes {
		b.Run(fmt.Sprintf("n=%d", size), func(b *testing.B) {
			benchCollect(b, benchutil.WideRangeConfig(size))
		})
	}
}

func BenchmarkCollectScaling(b *testing.B) {
	benchutil.SkipIfNoLongBench(b)
	for _, size := range benchutil.ScalingSizes {
		b.Run(fmt.Sprintf("n=%d", size), func(b *testing.B) {
			benchCollect(b, benchutil.WideRangeConfig(size))
		})
	}
}
