//go:build (linux || darwin) && (amd64 || arm64)

package guestmem

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// posixBackend implements Backend with mmap, mprotect and madvise. The
// OS-specific pieces (shared object creation, decommit of shared pages,
// the JIT mapping attribute) live in backend_linux.go and
// backend_darwin.go.
type posixBackend struct {
	pageSize uintptr
}

func newPlatformBackend() Backend {
	return &posixBackend{pageSize: uintptr(unix.Getpagesize())}
}

func (p *posixBackend) Capabilities() Capabilities {
	return Capabilities{
		Name:             runtime.GOOS + "/mmap",
		PageSize:         p.pageSize,
		Mirroring:        true,
		Views:            true,
		ViewAlignment:    p.pageSize,
		AllowsRWX:        hostAllowsRWX,
		RequiresJitPages: hardenedRuntime,
	}
}

// mmap is a raw mmap(2). unix.Mmap cannot place a mapping at a fixed
// address and its slices are tracked by unix.Munmap, so the backend
// manages addresses itself.
func mmap(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, fmt.Errorf("mmap(0x%x, 0x%x, %d, 0x%x): %w", addr, length, prot, flags, errno)
	}
	return r, nil
}

func munmap(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return fmt.Errorf("munmap(0x%x, 0x%x): %w", addr, length, errno)
	}
	return nil
}

func hostSlice(addr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

func mprotect(addr, length uintptr, prot int) error {
	if err := unix.Mprotect(hostSlice(addr, length), prot); err != nil {
		return fmt.Errorf("mprotect(0x%x, 0x%x, %d): %w", addr, length, prot, err)
	}
	return nil
}

func madvise(addr, length uintptr, advice int) error {
	if err := unix.Madvise(hostSlice(addr, length), advice); err != nil {
		return fmt.Errorf("madvise(0x%x, 0x%x, %d): %w", addr, length, advice, err)
	}
	return nil
}

func toProt(perm MemPerm) int {
	prot := unix.PROT_NONE
	if perm&MemRead != 0 {
		prot |= unix.PROT_READ
	}
	if perm&MemWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if perm&MemExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// execProt is the protection for committed memory. Executable pages start
// RWX where the host permits it (MAP_JIT pages toggle writability per
// thread); otherwise they start RW and the code cache flips them to RX.
func execProt(exec bool) int {
	if exec && (hostAllowsRWX || hardenedRuntime) {
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	}
	return unix.PROT_READ | unix.PROT_WRITE
}

func privateFlags(exec bool) int {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if exec {
		flags |= jitMapFlags()
	}
	return flags
}

func (p *posixBackend) Allocate(size uintptr, exec bool) (uintptr, error) {
	return mmap(0, size, execProt(exec), privateFlags(exec), -1, 0)
}

func (p *posixBackend) Reserve(size uintptr, _, exec bool) (uintptr, error) {
	prot := unix.PROT_NONE
	if exec && hardenedRuntime {
		// MAP_JIT requires the maximum protection at map time.
		prot = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
		addr, err := mmap(0, size, prot, privateFlags(exec)|unix.MAP_NORESERVE, -1, 0)
		if err != nil {
			return 0, err
		}
		if err := mprotect(addr, size, unix.PROT_NONE); err != nil {
			munmap(addr, size)
			return 0, err
		}
		return addr, nil
	}
	return mmap(0, size, prot, privateFlags(exec)|unix.MAP_NORESERVE, -1, 0)
}

func (p *posixBackend) Commit(addr, size uintptr, exec bool) error {
	return mprotect(addr, size, execProt(exec))
}

// Decommit makes the range writable, releases its pages and marks it
// inaccessible. These are three syscalls; a concurrent access can observe
// any intermediate state.
func (p *posixBackend) Decommit(addr, size uintptr) error {
	if err := mprotect(addr, size, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	if err := releasePrivate(addr, size); err != nil {
		return err
	}
	return mprotect(addr, size, unix.PROT_NONE)
}

func (p *posixBackend) Reprotect(addr, size uintptr, perm MemPerm, _ bool) error {
	return mprotect(addr, size, toProt(perm))
}

func (p *posixBackend) Free(addr, size uintptr, _ bool) error {
	return munmap(addr, size)
}

func (p *posixBackend) CreateSharedMemory(size uintptr, _ bool) (SharedHandle, error) {
	fd, err := createSharedFD()
	if err != nil {
		return 0, err
	}
	// The file stays sparse; untouched pages read as zero.
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("ftruncate shared memory to 0x%x: %w", size, err)
	}
	return SharedHandle(fd), nil
}

func (p *posixBackend) DestroySharedMemory(h SharedHandle) error {
	return unix.Close(int(h))
}

func (p *posixBackend) MapSharedMemory(h SharedHandle, size uintptr, reserve bool) (uintptr, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if reserve {
		prot = unix.PROT_NONE
	}
	return mmap(0, size, prot, unix.MAP_SHARED, int(h), 0)
}

func (p *posixBackend) UnmapSharedMemory(addr, size uintptr) error {
	return munmap(addr, size)
}

func (p *posixBackend) CommitShared(addr, size uintptr) error {
	return mprotect(addr, size, unix.PROT_READ|unix.PROT_WRITE)
}

// DecommitShared follows the same writable, release, inaccessible sequence
// as Decommit, releasing the pages of the shared object itself.
func (p *posixBackend) DecommitShared(addr, size uintptr) error {
	if err := mprotect(addr, size, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	if err := releaseShared(addr, size); err != nil {
		return err
	}
	return mprotect(addr, size, unix.PROT_NONE)
}

func (p *posixBackend) MapView(h SharedHandle, srcOffset, addr, size uintptr) error {
	r, err := mmap(addr, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, int(h), int64(srcOffset))
	if err != nil {
		return err
	}
	if r != addr {
		munmap(r, size)
		return fmt.Errorf("mmap placed view at 0x%x, want 0x%x", r, addr)
	}
	return nil
}

func (p *posixBackend) UnmapView(_ SharedHandle, addr, size uintptr) error {
	_, err := mmap(addr, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED|unix.MAP_NORESERVE, -1, 0)
	return err
}
