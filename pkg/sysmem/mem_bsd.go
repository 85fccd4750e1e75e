//go:build freebsd || openbsd || netbsd || dragonfly

package sysmem

import "golang.org/x/sys/unix"

// totalSystemMemory reports total physical RAM on the BSDs via sysctl.
func totalSystemMemory() (uint64, bool) {
	// hw.physmem is present on most BSDs.
	mem, err := unix.SysctlUint64("hw.physmem")
	if err == nil && mem > 0 {
		return mem, true
	}

	// FreeBSD also exposes hw.realmem.
	mem, err = unix.SysctlUint64("hw.realmem")
	if err == nil && mem > 0 {
		return mem, true
	}

	return 0, false
}
