//go:build linux
// +build linux

package main

import "golang.org/x/sys/unix"

// systemMemory returns total and free system memory in bytes, or zeros when
// sysinfo is unavailable.
func systemMemory() (total, free uint64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Totalram) * unit, uint64(info.Freeram) * unit
}
