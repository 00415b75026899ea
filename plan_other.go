//go:build !linux
// +build !linux

package main

// systemMemory is only implemented for Linux, where the service is deployed.
// Other platforms report unknown and get the default plan.
func systemMemory() (total, free uint64) {
	return 0, 0
}
