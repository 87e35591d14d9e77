//go:build darwin && (amd64 || arm64)

package guestmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func jitMapFlags() int {
	if hardenedRuntime {
		return unix.MAP_JIT
	}
	return 0
}

// createSharedFD returns a descriptor for an unlinked temporary file.
// shm_open is only reachable through libc, and a file that has no name
// left behaves the same once mapped MAP_SHARED.
func createSharedFD() (int, error) {
	f, err := os.CreateTemp("", "guestmem-*")
	if err != nil {
		return -1, fmt.Errorf("create shared memory file: %w", err)
	}
	defer f.Close()
	if err := os.Remove(f.Name()); err != nil {
		return -1, fmt.Errorf("unlink shared memory file: %w", err)
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, fmt.Errorf("dup shared memory file: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// releasePrivate replaces the range with fresh anonymous pages. Darwin may
// keep MADV_DONTNEED pages resident with their old contents.
func releasePrivate(addr, size uintptr) error {
	if err := madvise(addr, size, unix.MADV_DONTNEED); err != nil {
		return err
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_FIXED | unix.MAP_NORESERVE
	_, err := mmap(addr, size, unix.PROT_READ|unix.PROT_WRITE, flags, -1, 0)
	return err
}

// releaseShared zeroes the range in the backing file, then lets the kernel
// drop the pages. Every mapping of the file observes the zeroes.
func releaseShared(addr, size uintptr) error {
	clear(hostSlice(addr, size))
	return madvise(addr, size, unix.MADV_DONTNEED)
}
