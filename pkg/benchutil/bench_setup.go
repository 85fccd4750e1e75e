package benchutil

import (
	"os"
	"testing"
)

// SkipIfNoLongBench skips the benchmark if AUTOHISTO_LONG_BENCH is not set.
// Use this to gate long-running benchmarks that shouldn't run by default.
func SkipIfNoLongBench(b *testing.B) {
	if os.Getenv("AUTOHISTO_LONG_BENCH") == "" {
		b.Skip("set AUTOHISTO_LONG_BENCH=1 to run scaling benchmark")
	}
}
