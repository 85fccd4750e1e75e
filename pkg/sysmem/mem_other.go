//go:build !linux && !darwin && !windows && !freebsd && !openbsd && !netbsd && !dragonfly

package sysmem

// totalSystemMemory is a stub for platforms without a native probe.
// The false return makes the caller fall back to the default budget.
func totalSystemMemory() (uint64, bool) {
	return 0, false
}
