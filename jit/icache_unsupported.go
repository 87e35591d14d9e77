//go:build !amd64 && !(arm64 && (((linux || darwin) && cgo) || windows))

package jit

const icacheSupported = false

func invalidateICache(addr, size uintptr) {}
