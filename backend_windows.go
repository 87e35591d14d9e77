//go:build windows && (amd64 || arm64)

package guestmem

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/sys/windows"
)

// Placeholder and section flags missing from x/sys/windows.
const (
	secReserve              = 0x4000000
	secCommit               = 0x8000000
	memReservePlaceholder   = 0x40000
	memReplacePlaceholder   = 0x4000
	memPreservePlaceholder  = 0x2
	memCoalescePlaceholders = 0x1
)

// Section offsets passed to MapViewOfFile3 must be multiples of this.
const allocationGranularity = 64 << 10

var (
	modkernelbase = windows.NewLazySystemDLL("kernelbase.dll")

	procVirtualAlloc2    = modkernelbase.NewProc("VirtualAlloc2")
	procMapViewOfFile3   = modkernelbase.NewProc("MapViewOfFile3")
	procUnmapViewOfFile2 = modkernelbase.NewProc("UnmapViewOfFile2")
)

// coalescePlaceholders merges the adjacent placeholders spanning
// [addr, addr+size) into one.
var coalescePlaceholders = func(addr, size uintptr) error {
	return coalescePlaceholders(addr, size)
}

// placeholder is one entry of the ledger kept for view-compatible
// reservations. Windows tracks placeholders itself but cannot be asked
// where they are, so splits and merges have to be mirrored here.
type placeholder struct {
	addr uintptr
	size uintptr
	view bool
}

func (p placeholder) end() uintptr { return p.addr + p.size }

func placeholderLess(a, b placeholder) bool { return a.addr < b.addr }

type windowsBackend struct {
	pageSize        uintptr
	hasPlaceholders bool

	mu     sync.Mutex
	ledger *btree.BTreeG[placeholder]
}

func newPlatformBackend() Backend {
	return &windowsBackend{
		pageSize:        uintptr(os.Getpagesize()),
		hasPlaceholders: procVirtualAlloc2.Find() == nil && procMapViewOfFile3.Find() == nil && procUnmapViewOfFile2.Find() == nil,
		ledger:          btree.NewG(8, placeholderLess),
	}
}

func (w *windowsBackend) Capabilities() Capabilities {
	return Capabilities{
		Name:          "windows/virtualalloc",
		PageSize:      w.pageSize,
		Mirroring:     true,
		Views:         w.hasPlaceholders,
		ViewAlignment: allocationGranularity,
		AllowsRWX:     true,
	}
}

func toPageProtect(perm MemPerm) uint32 {
	switch perm {
	case MemNone:
		return windows.PAGE_NOACCESS
	case MemRead:
		return windows.PAGE_READONLY
	case MemReadWrite, MemWrite:
		return windows.PAGE_READWRITE
	case MemExec:
		return windows.PAGE_EXECUTE
	case MemReadExec:
		return windows.PAGE_EXECUTE_READ
	default:
		return windows.PAGE_EXECUTE_READWRITE
	}
}

func commitProtect(exec bool) uint32 {
	if exec {
		return windows.PAGE_EXECUTE_READWRITE
	}
	return windows.PAGE_READWRITE
}

func (w *windowsBackend) Allocate(size uintptr, exec bool) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE|windows.MEM_COMMIT, commitProtect(exec))
	if err != nil {
		return 0, fmt.Errorf("VirtualAlloc(0x%x): %w", size, err)
	}
	return addr, nil
}

func (w *windowsBackend) Reserve(size uintptr, viewCompatible, _ bool) (uintptr, error) {
	if !viewCompatible {
		addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
		if err != nil {
			return 0, fmt.Errorf("VirtualAlloc(0x%x, MEM_RESERVE): %w", size, err)
		}
		return addr, nil
	}
	if !w.hasPlaceholders {
		return 0, ErrPlatformNotSupported
	}
	r, _, e := procVirtualAlloc2.Call(uintptr(windows.CurrentProcess()), 0, size,
		windows.MEM_RESERVE|memReservePlaceholder, windows.PAGE_NOACCESS, 0, 0)
	if r == 0 {
		return 0, fmt.Errorf("VirtualAlloc2(0x%x, MEM_RESERVE_PLACEHOLDER): %w", size, e)
	}
	w.mu.Lock()
	w.ledger.ReplaceOrInsert(placeholder{addr: r, size: size})
	w.mu.Unlock()
	return r, nil
}

func (w *windowsBackend) Commit(addr, size uintptr, exec bool) error {
	if _, err := windows.VirtualAlloc(addr, size, windows.MEM_COMMIT, commitProtect(exec)); err != nil {
		return fmt.Errorf("VirtualAlloc(0x%x, 0x%x, MEM_COMMIT): %w", addr, size, err)
	}
	return nil
}

func (w *windowsBackend) Decommit(addr, size uintptr) error {
	if err := windows.VirtualFree(addr, size, windows.MEM_DECOMMIT); err != nil {
		return fmt.Errorf("VirtualFree(0x%x, 0x%x, MEM_DECOMMIT): %w", addr, size, err)
	}
	return nil
}

func (w *windowsBackend) Reprotect(addr, size uintptr, perm MemPerm, _ bool) error {
	var old uint32
	if err := windows.VirtualProtect(addr, size, toPageProtect(perm), &old); err != nil {
		return fmt.Errorf("VirtualProtect(0x%x, 0x%x, %s): %w", addr, size, perm, err)
	}
	return nil
}

func (w *windowsBackend) Free(addr, size uintptr, viewCompatible bool) error {
	if viewCompatible {
		if err := w.releasePlaceholders(addr, size); err != nil {
			return err
		}
	}
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("VirtualFree(0x%x, MEM_RELEASE): %w", addr, err)
	}
	return nil
}

// releasePlaceholders unmaps every view left in the reservation and merges
// it back into one placeholder so that it can be released whole.
func (w *windowsBackend) releasePlaceholders(addr, size uintptr) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var entries []placeholder
	w.ledger.AscendRange(placeholder{addr: addr}, placeholder{addr: addr + size}, func(p placeholder) bool {
		entries = append(entries, p)
		return true
	})
	for _, p := range entries {
		if p.view {
			if err := unmapViewOfFile2(p.addr); err != nil {
				return err
			}
		}
		w.ledger.Delete(p)
	}
	if len(entries) > 1 {
		if err := coalescePlaceholders(addr, size); err != nil {
			return fmt.Errorf("coalesce placeholders at 0x%x: %w", addr, err)
		}
	}
	return nil
}

func (w *windowsBackend) CreateSharedMemory(size uintptr, reserve bool) (SharedHandle, error) {
	prot := uint32(windows.PAGE_READWRITE | secCommit)
	if reserve {
		prot = windows.PAGE_READWRITE | secReserve
	}
	size64 := uint64(size)
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, prot, uint32(size64>>32), uint32(size64), nil)
	if err != nil {
		return 0, fmt.Errorf("CreateFileMapping(0x%x): %w", size, err)
	}
	return SharedHandle(h), nil
}

func (w *windowsBackend) DestroySharedMemory(h SharedHandle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (w *windowsBackend) MapSharedMemory(h SharedHandle, size uintptr, _ bool) (uintptr, error) {
	addr, err := windows.MapViewOfFile(windows.Handle(h), windows.FILE_MAP_WRITE, 0, 0, size)
	if err != nil {
		return 0, fmt.Errorf("MapViewOfFile(0x%x): %w", size, err)
	}
	return addr, nil
}

func (w *windowsBackend) UnmapSharedMemory(addr, _ uintptr) error {
	return windows.UnmapViewOfFile(addr)
}

func (w *windowsBackend) CommitShared(addr, size uintptr) error {
	return w.Commit(addr, size, false)
}

// DecommitShared cannot decommit section pages; it zeroes them, lets the
// memory manager discard them and marks this mapping inaccessible.
func (w *windowsBackend) DecommitShared(addr, size uintptr) error {
	clear(unsafe.Slice((*byte)(unsafe.Pointer(addr)), size))
	if _, err := windows.VirtualAlloc(addr, size, windows.MEM_RESET, windows.PAGE_NOACCESS); err != nil {
		return fmt.Errorf("VirtualAlloc(0x%x, 0x%x, MEM_RESET): %w", addr, size, err)
	}
	var old uint32
	if err := windows.VirtualProtect(addr, size, windows.PAGE_NOACCESS, &old); err != nil {
		return fmt.Errorf("VirtualProtect(0x%x, 0x%x, PAGE_NOACCESS): %w", addr, size, err)
	}
	return nil
}

// MapView carves [addr, addr+size) out of the placeholders covering it and
// replaces that placeholder with a view of the section.
func (w *windowsBackend) MapView(h SharedHandle, srcOffset, addr, size uintptr) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	covering := w.covering(addr, size)
	if len(covering) == 0 || covering[0].addr > addr || covering[len(covering)-1].end() < addr+size {
		return fmt.Errorf("no placeholder covers 0x%x+0x%x", addr, size)
	}
	for _, p := range covering {
		if p.view {
			return fmt.Errorf("0x%x+0x%x overlaps a mapped view at 0x%x", addr, size, p.addr)
		}
	}

	whole := placeholder{addr: covering[0].addr, size: covering[len(covering)-1].end() - covering[0].addr}
	if len(covering) > 1 {
		if err := coalescePlaceholders(whole.addr, whole.size); err != nil {
			return fmt.Errorf("coalesce placeholders at 0x%x: %w", whole.addr, err)
		}
		for _, p := range covering {
			w.ledger.Delete(p)
		}
		w.ledger.ReplaceOrInsert(whole)
	}
	if whole.size != size {
		if err := windows.VirtualFree(addr, size, windows.MEM_RELEASE|memPreservePlaceholder); err != nil {
			return fmt.Errorf("split placeholder at 0x%x: %w", addr, err)
		}
		w.ledger.Delete(whole)
		if addr > whole.addr {
			w.ledger.ReplaceOrInsert(placeholder{addr: whole.addr, size: addr - whole.addr})
		}
		if addr+size < whole.end() {
			w.ledger.ReplaceOrInsert(placeholder{addr: addr + size, size: whole.end() - addr - size})
		}
	}

	r, _, e := procMapViewOfFile3.Call(uintptr(h), uintptr(windows.CurrentProcess()), addr, srcOffset, size,
		memReplacePlaceholder, windows.PAGE_READWRITE, 0, 0)
	if r == 0 {
		w.ledger.ReplaceOrInsert(placeholder{addr: addr, size: size})
		return fmt.Errorf("MapViewOfFile3(0x%x, 0x%x): %w", addr, size, e)
	}
	w.ledger.ReplaceOrInsert(placeholder{addr: addr, size: size, view: true})
	return nil
}

// UnmapView turns a view back into a placeholder and merges it with free
// neighbours.
func (w *windowsBackend) UnmapView(_ SharedHandle, addr, size uintptr) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.ledger.Get(placeholder{addr: addr})
	if !ok || !p.view || p.size != size {
		return fmt.Errorf("no view mapped at 0x%x+0x%x", addr, size)
	}
	if err := unmapViewOfFile2(addr); err != nil {
		return err
	}
	p.view = false

	merged := p
	pieces := []placeholder{p}
	if prev, ok := w.before(addr); ok && !prev.view && prev.end() == addr {
		merged.addr, merged.size = prev.addr, merged.size+prev.size
		pieces = append(pieces, prev)
	}
	if next, ok := w.ledger.Get(placeholder{addr: p.end()}); ok && !next.view {
		merged.size += next.size
		pieces = append(pieces, next)
	}
	for _, q := range pieces {
		w.ledger.Delete(q)
	}
	if len(pieces) > 1 {
		if err := coalescePlaceholders(merged.addr, merged.size); err != nil {
			// The pieces stay separate.
			for _, q := range pieces {
				w.ledger.ReplaceOrInsert(q)
			}
			return fmt.Errorf("coalesce placeholders at 0x%x: %w", merged.addr, err)
		}
	}
	w.ledger.ReplaceOrInsert(merged)
	return nil
}

func (w *windowsBackend) covering(addr, size uintptr) []placeholder {
	var out []placeholder
	if p, ok := w.before(addr + 1); ok && p.end() > addr {
		out = append(out, p)
	}
	w.ledger.AscendRange(placeholder{addr: addr + 1}, placeholder{addr: addr + size}, func(p placeholder) bool {
		out = append(out, p)
		return true
	})
	return out
}

// before returns the entry with the greatest address below addr.
func (w *windowsBackend) before(addr uintptr) (placeholder, bool) {
	var found placeholder
	var ok bool
	w.ledger.DescendLessOrEqual(placeholder{addr: addr - 1}, func(p placeholder) bool {
		found, ok = p, true
		return false
	})
	return found, ok
}

func unmapViewOfFile2(addr uintptr) error {
	r, _, e := procUnmapViewOfFile2.Call(uintptr(windows.CurrentProcess()), addr, memPreservePlaceholder)
	if r == 0 {
		return fmt.Errorf("UnmapViewOfFile2(0x%x): %w", addr, e)
	}
	return nil
}
