//go:build linux && (amd64 || arm64)

package guestmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	hostAllowsRWX   = true
	hardenedRuntime = false
)

func jitMapFlags() int { return 0 }

func createSharedFD() (int, error) {
	fd, err := unix.MemfdCreate("guestmem", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	return fd, nil
}

func releasePrivate(addr, size uintptr) error {
	return madvise(addr, size, unix.MADV_DONTNEED)
}

// releaseShared punches the range out of the memfd so that every mapping
// of it reads zero afterwards.
func releaseShared(addr, size uintptr) error {
	return madvise(addr, size, unix.MADV_REMOVE)
}
