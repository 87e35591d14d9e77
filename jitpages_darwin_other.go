//go:build darwin && (amd64 || (arm64 && !cgo))

package guestmem

import "runtime"

// Without cgo there is no way to toggle JIT write protection, so arm64
// falls back to flipping pages between RW and RX.
const (
	hostAllowsRWX   = runtime.GOARCH == "amd64"
	hardenedRuntime = false
)
