//go:build darwin && arm64 && cgo

package guestmem

// Apple silicon refuses RWX pages unless they are mapped MAP_JIT and
// written with per-thread write protection toggled off.
const (
	hostAllowsRWX   = false
	hardenedRuntime = true
)
