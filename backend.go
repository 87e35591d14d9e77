package guestmem

import "fmt"

// MemPerm represents host page permissions.
type MemPerm uint

const (
	MemNone  MemPerm = 0
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2

	MemReadWrite     = MemRead | MemWrite
	MemReadExec      = MemRead | MemExec
	MemReadWriteExec = MemRead | MemWrite | MemExec
	validPerms       = MemReadWriteExec
)

func (p MemPerm) String() string {
	if p == MemNone {
		return "---"
	}
	b := []byte("---")
	if p&MemRead != 0 {
		b[0] = 'r'
	}
	if p&MemWrite != 0 {
		b[1] = 'w'
	}
	if p&MemExec != 0 {
		b[2] = 'x'
	}
	if p&^validPerms != 0 {
		return fmt.Sprintf("%s+0x%x", b, uint(p&^validPerms))
	}
	return string(b)
}

// SharedHandle identifies an OS shareable memory object: a file
// descriptor on unix, a section HANDLE on windows.
type SharedHandle uintptr

// Capabilities describes what a Backend can do on this host.
type Capabilities struct {
	Name     string
	PageSize uintptr

	// Mirroring reports support for shareable backings mapped more than once.
	Mirroring bool
	// Views reports support for aliasing a shared sub-range into a reservation.
	Views bool
	// ViewAlignment is the granularity of view offsets and sizes. Zero
	// means the page size.
	ViewAlignment uintptr
	// AllowsRWX is false when pages may not be writable and executable at once.
	AllowsRWX bool
	// RequiresJitPages is set on hardened runtimes where executable memory
	// must carry a JIT attribute and be written through a privileged copy.
	RequiresJitPages bool
}

// Supports reports whether a Block with flags can be created.
func (c Capabilities) Supports(flags Flags) bool {
	if flags&^validFlags != 0 {
		return false
	}
	if flags&FlagMirrorable != 0 && !c.Mirroring {
		return false
	}
	if flags&FlagViewCompatible != 0 && !c.Views {
		return false
	}
	// JIT pages cannot be backed by a shareable object.
	if flags&FlagExecutable != 0 && flags&FlagMirrorable != 0 && c.RequiresJitPages {
		return false
	}
	return true
}

// Backend is the per-OS syscall surface. Addresses and sizes are host
// values; callers are responsible for page alignment and bounds.
type Backend interface {
	Capabilities() Capabilities

	// Allocate reserves and commits size bytes read/write.
	Allocate(size uintptr, exec bool) (uintptr, error)
	// Reserve reserves size bytes of inaccessible address space.
	Reserve(size uintptr, viewCompatible, exec bool) (uintptr, error)
	// Commit makes reserved pages accessible and zero-filled.
	Commit(addr, size uintptr, exec bool) error
	// Decommit releases the physical pages behind a private range and marks
	// it inaccessible. The sequence is not atomic.
	Decommit(addr, size uintptr) error
	Reprotect(addr, size uintptr, perm MemPerm, forView bool) error
	// Free releases a mapping created by Allocate or Reserve.
	Free(addr, size uintptr, viewCompatible bool) error

	CreateSharedMemory(size uintptr, reserve bool) (SharedHandle, error)
	DestroySharedMemory(h SharedHandle) error
	MapSharedMemory(h SharedHandle, size uintptr, reserve bool) (uintptr, error)
	UnmapSharedMemory(addr, size uintptr) error
	// CommitShared and DecommitShared act on the physical pages of the
	// shared object through one of its mappings, so every mirror observes
	// the change.
	CommitShared(addr, size uintptr) error
	DecommitShared(addr, size uintptr) error

	// MapView aliases [srcOffset, srcOffset+size) of h at addr, which must
	// lie inside a view-compatible reservation.
	MapView(h SharedHandle, srcOffset, addr, size uintptr) error
	// UnmapView restores [addr, addr+size) to reserved address space.
	UnmapView(h SharedHandle, addr, size uintptr) error
}
