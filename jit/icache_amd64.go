//go:build amd64

package jit

// x86 keeps the instruction cache coherent with stores.
const icacheSupported = true

func invalidateICache(addr, size uintptr) {}
