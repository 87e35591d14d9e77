package guestmem

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Flags select how a Block is backed.
type Flags uint32

const (
	// FlagMirrorable backs the block with a shareable object so it can be
	// mirrored and used as the source of views.
	FlagMirrorable Flags = 1 << iota
	// FlagReserve reserves address space without committing it.
	FlagReserve
	// FlagViewCompatible allows MapView into this block.
	FlagViewCompatible
	// FlagExecutable marks the block as intended for generated code.
	FlagExecutable

	validFlags = FlagMirrorable | FlagReserve | FlagViewCompatible | FlagExecutable
)

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var s string
	add := func(flag Flags, name string) {
		if f&flag == 0 {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(FlagMirrorable, "mirrorable")
	add(FlagReserve, "reserve")
	add(FlagViewCompatible, "view-compatible")
	add(FlagExecutable, "executable")
	return s
}

// sharedBacking is a shareable OS memory object. Only the Block that
// created it destroys it.
type sharedBacking struct {
	handle    SharedHandle
	size      uintptr
	destroyed atomic.Bool
}

// Block is a region of host memory, either owned outright or a mapping of
// a shared backing. All accessors validate offsets against Size and never
// clip.
//
// Commit, Decommit, Reprotect and the view operations are serialized per
// Block. Callers must still not access a range while it is being
// decommitted: the OS sequence briefly makes the range writable before
// releasing it.
type Block struct {
	base    atomic.Pointer[byte]
	size    uint64
	mapped  uintptr // size rounded to whole pages
	page    uint64
	flags   Flags
	backend Backend
	shared  *sharedBacking
	owner   bool
	mirror  bool

	mu sync.Mutex
}

// New creates a Block of size bytes on the default backend.
func New(size uint64, flags Flags) (*Block, error) {
	return NewWithBackend(DefaultBackend(), size, flags)
}

// NewWithBackend creates a Block of size bytes on backend.
func NewWithBackend(backend Backend, size uint64, flags Flags) (*Block, error) {
	if size == 0 {
		return nil, regionError("create", 0, size)
	}
	caps := backend.Capabilities()
	if !caps.Supports(flags) {
		return nil, NewError(KindPlatformNotSupported, "create", 0, size, nil)
	}
	page := uint64(caps.PageSize)
	if page == 0 || page&(page-1) != 0 {
		return nil, NewError(KindPlatformNotSupported, "create", 0, size,
			fmt.Errorf("backend page size %d is not a power of two", page))
	}
	rounded, ok := AlignUp(size, page)
	if !ok || rounded > math.MaxInt {
		return nil, regionError("create", 0, size)
	}
	mapped := uintptr(rounded)
	exec := flags&FlagExecutable != 0
	reserve := flags&FlagReserve != 0

	b := &Block{
		size:    size,
		mapped:  mapped,
		page:    page,
		flags:   flags,
		backend: backend,
	}

	var (
		addr uintptr
		err  error
	)
	switch {
	case flags&FlagMirrorable != 0:
		h, cerr := backend.CreateSharedMemory(mapped, reserve)
		if cerr != nil {
			recordBackendError()
			return nil, wrapBackend("create shared memory", cerr)
		}
		addr, err = backend.MapSharedMemory(h, mapped, reserve)
		if err != nil {
			backend.DestroySharedMemory(h)
			recordBackendError()
			return nil, wrapBackend("map shared memory", err)
		}
		b.shared = &sharedBacking{handle: h, size: mapped}
		b.owner = true
	case reserve:
		addr, err = backend.Reserve(mapped, flags&FlagViewCompatible != 0, exec)
	default:
		addr, err = backend.Allocate(mapped, exec)
	}
	if err != nil {
		recordBackendError()
		return nil, wrapBackend("create", err)
	}

	b.base.Store((*byte)(unsafe.Pointer(addr)))
	recordBlockCreate(false)
	logger.WithFields(logrus.Fields{
		"size":  size,
		"flags": flags,
	}).Debug("guestmem: created block")
	return b, nil
}

// Mirror maps the block's shared backing at a new host address. Writes
// through either block are visible through the other; protections are
// independent.
func (b *Block) Mirror() (*Block, error) {
	if _, err := b.basePtr("mirror"); err != nil {
		return nil, err
	}
	if b.shared == nil {
		return nil, NewError(KindUnsupportedOperation, "mirror", 0, 0, nil)
	}
	if b.shared.destroyed.Load() {
		return nil, NewError(KindObjectDisposed, "mirror", 0, 0, nil)
	}
	addr, err := b.backend.MapSharedMemory(b.shared.handle, b.mapped, false)
	if err != nil {
		recordBackendError()
		return nil, wrapBackend("mirror", err)
	}
	m := &Block{
		size:    b.size,
		mapped:  b.mapped,
		page:    b.page,
		flags:   b.flags &^ FlagReserve,
		backend: b.backend,
		shared:  b.shared,
		mirror:  true,
	}
	m.base.Store((*byte)(unsafe.Pointer(addr)))
	recordBlockCreate(true)
	return m, nil
}

// Size returns the usable length of the block in bytes.
func (b *Block) Size() uint64 { return b.size }

// Flags returns the flags the block was created with. Mirrors never
// report FlagReserve.
func (b *Block) Flags() Flags { return b.flags }

// Backend returns the backend the block was created on.
func (b *Block) Backend() Backend { return b.backend }

// PageSize returns the page size of the block's backend. Commit, Decommit
// and Reprotect widen their ranges to it.
func (b *Block) PageSize() uint64 { return b.page }

// ViewAlignment returns the granularity that MapView and UnmapView offsets
// and sizes must be multiples of.
func (b *Block) ViewAlignment() uint64 {
	return max(uint64(b.backend.Capabilities().ViewAlignment), b.page)
}

// IsMirror reports whether b was created by Mirror.
func (b *Block) IsMirror() bool { return b.mirror }

// Closed reports whether Close has been called.
func (b *Block) Closed() bool { return b.base.Load() == nil }

func (b *Block) basePtr(op string) (unsafe.Pointer, error) {
	p := b.base.Load()
	if p == nil {
		return nil, NewError(KindObjectDisposed, op, 0, 0, nil)
	}
	return unsafe.Pointer(p), nil
}

// at validates [offset, offset+size) and returns a pointer to offset.
func (b *Block) at(op string, offset, size uint64) (unsafe.Pointer, error) {
	base, err := b.basePtr(op)
	if err != nil {
		return nil, err
	}
	if !checkRange(offset, size, b.size) {
		return nil, regionError(op, offset, size)
	}
	return unsafe.Add(base, offset), nil
}

// pageRange validates a range and widens it to whole pages inside the
// mapping.
func (b *Block) pageRange(op string, offset, size uint64) (uintptr, uintptr, error) {
	base, err := b.basePtr(op)
	if err != nil {
		return 0, 0, err
	}
	if !checkRange(offset, size, b.size) {
		return 0, 0, regionError(op, offset, size)
	}
	start, length, ok := pageSpan(offset, size, b.page)
	if !ok || start+length > uint64(b.mapped) {
		return 0, 0, regionError(op, offset, size)
	}
	return uintptr(base) + uintptr(start), uintptr(length), nil
}

// Commit makes [offset, offset+size), widened to pages, accessible and
// backed by physical memory. Newly committed pages read as zero.
func (b *Block) Commit(offset, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr, length, err := b.pageRange("commit", offset, size)
	if err != nil || length == 0 {
		return err
	}
	if b.shared != nil {
		err = b.backend.CommitShared(addr, length)
	} else {
		err = b.backend.Commit(addr, length, b.flags&FlagExecutable != 0)
	}
	if err != nil {
		recordBackendError()
		return NewError(KindOutOfMemory, "commit", offset, size, err)
	}
	recordCommit(uint64(length))
	return nil
}

// Decommit releases the physical pages behind [offset, offset+size),
// widened to pages, and leaves the range reserved but inaccessible.
// Decommitting a decommitted range has no further effect.
func (b *Block) Decommit(offset, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr, length, err := b.pageRange("decommit", offset, size)
	if err != nil || length == 0 {
		return err
	}
	if b.shared != nil {
		err = b.backend.DecommitShared(addr, length)
	} else {
		err = b.backend.Decommit(addr, length)
	}
	if err != nil {
		recordBackendError()
		return wrapBackend("decommit", err)
	}
	recordDecommit()
	return nil
}

// Reprotect changes the permissions of [offset, offset+size), widened to
// pages. Failure is reported as ErrMemoryProtection wrapping the OS error.
func (b *Block) Reprotect(offset, size uint64, perm MemPerm) error {
	if perm&^validPerms != 0 {
		return protectionError("reprotect", offset, size, nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	addr, length, err := b.pageRange("reprotect", offset, size)
	if err != nil || length == 0 {
		return err
	}
	if err := b.backend.Reprotect(addr, length, perm, b.flags&FlagViewCompatible != 0); err != nil {
		return protectionError("reprotect", offset, size, err)
	}
	recordReprotect()
	return nil
}

// TryReprotect is Reprotect that reports failure as false instead of an
// error.
func (b *Block) TryReprotect(offset, size uint64, perm MemPerm) bool {
	return b.Reprotect(offset, size, perm) == nil
}

// MapView aliases [srcOffset, srcOffset+size) of src's backing at
// dstOffset in b without copying. src must be mirrorable and b view
// compatible; offsets and size must be multiples of ViewAlignment.
func (b *Block) MapView(src *Block, srcOffset, dstOffset, size uint64) error {
	h, dst, err := b.viewArgs("map view", src, srcOffset, dstOffset, size)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.backend.MapView(h, uintptr(srcOffset), dst, uintptr(size)); err != nil {
		recordBackendError()
		return wrapBackend("map view", err)
	}
	recordViewMap()
	return nil
}

// UnmapView removes a view previously installed with MapView, returning
// [dstOffset, dstOffset+size) to reserved address space.
func (b *Block) UnmapView(src *Block, dstOffset, size uint64) error {
	h, dst, err := b.viewArgs("unmap view", src, 0, dstOffset, size)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.backend.UnmapView(h, dst, uintptr(size)); err != nil {
		recordBackendError()
		return wrapBackend("unmap view", err)
	}
	recordViewUnmap()
	return nil
}

func (b *Block) viewArgs(op string, src *Block, srcOffset, dstOffset, size uint64) (SharedHandle, uintptr, error) {
	base, err := b.basePtr(op)
	if err != nil {
		return 0, 0, err
	}
	if src == nil || src.shared == nil {
		return 0, 0, NewError(KindUnsupportedOperation, op, srcOffset, size, nil)
	}
	if src.shared.destroyed.Load() {
		return 0, 0, NewError(KindObjectDisposed, op, srcOffset, size, nil)
	}
	if b.flags&FlagViewCompatible == 0 {
		return 0, 0, NewError(KindUnsupportedOperation, op, dstOffset, size, nil)
	}
	align := b.ViewAlignment()
	if size == 0 || srcOffset%align != 0 || dstOffset%align != 0 || size%align != 0 {
		return 0, 0, regionError(op, dstOffset, size)
	}
	if !checkRange(srcOffset, size, uint64(src.shared.size)) || !checkRange(dstOffset, size, uint64(b.mapped)) {
		return 0, 0, regionError(op, dstOffset, size)
	}
	return src.shared.handle, uintptr(base) + uintptr(dstOffset), nil
}

// Read copies len(dst) bytes starting at offset into dst.
func (b *Block) Read(offset uint64, dst []byte) error {
	p, err := b.at("read", offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, unsafe.Slice((*byte)(p), len(dst)))
	return nil
}

// Write copies src into the block at offset.
func (b *Block) Write(offset uint64, src []byte) error {
	p, err := b.at("write", offset, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(unsafe.Slice((*byte)(p), len(src)), src)
	return nil
}

// Copy moves size bytes from srcOffset to dstOffset within the block.
// Overlapping ranges are handled.
func (b *Block) Copy(dstOffset, srcOffset, size uint64) error {
	dst, err := b.at("copy", dstOffset, size)
	if err != nil {
		return err
	}
	src, err := b.at("copy", srcOffset, size)
	if err != nil {
		return err
	}
	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
	return nil
}

// Fill sets size bytes at offset to value.
func (b *Block) Fill(offset, size uint64, value byte) error {
	p, err := b.at("fill", offset, size)
	if err != nil {
		return err
	}
	s := unsafe.Slice((*byte)(p), size)
	if value == 0 {
		clear(s)
		return nil
	}
	for i := range s {
		s[i] = value
	}
	return nil
}

// Slice returns a slice aliasing [offset, offset+size) of the block. The
// slice is only valid until the block is closed or the range is
// decommitted or unmapped.
func (b *Block) Slice(offset, size uint64) ([]byte, error) {
	p, err := b.at("slice", offset, size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

// Pointer returns the host address of offset after checking that
// [offset, offset+size) is inside the block.
func (b *Block) Pointer(offset, size uint64) (uintptr, error) {
	p, err := b.at("pointer", offset, size)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

// ReadUint32 reads a little-endian uint32 at offset.
func (b *Block) ReadUint32(offset uint64) (uint32, error) {
	var buf [4]byte
	if err := b.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian uint64 at offset.
func (b *Block) ReadUint64(offset uint64) (uint64, error) {
	var buf [8]byte
	if err := b.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint32 writes v little-endian at offset.
func (b *Block) WriteUint32(offset uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.Write(offset, buf[:])
}

// WriteUint64 writes v little-endian at offset.
func (b *Block) WriteUint64(offset uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.Write(offset, buf[:])
}

// Close releases the block's mapping. The base pointer is swapped out
// atomically so concurrent or repeated calls release the mapping exactly
// once. The shared backing is destroyed only by the block that created it.
func (b *Block) Close() error {
	p := b.base.Swap(nil)
	if p == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(p))

	var err error
	if b.shared != nil {
		err = b.backend.UnmapSharedMemory(addr, b.mapped)
		if b.owner && b.shared.destroyed.CompareAndSwap(false, true) {
			if derr := b.backend.DestroySharedMemory(b.shared.handle); derr != nil && err == nil {
				err = derr
			}
		}
	} else {
		err = b.backend.Free(addr, b.mapped, b.flags&FlagViewCompatible != 0)
	}
	recordBlockClose()
	if err != nil {
		recordBackendError()
		logger.WithError(err).WithField("size", b.size).Error("guestmem: failed to release block")
		return wrapBackend("close", err)
	}
	return nil
}

// wrapBackend turns a raw backend failure into an *Error. Failures to
// acquire memory or address space are KindOutOfMemory; failures to change
// or release existing mappings are KindMemoryProtection.
func wrapBackend(op string, err error) error {
	if e, ok := err.(*Error); ok {
		if e.Op == "" && e.msg != "" {
			return NewError(e.Kind, op, 0, 0, nil)
		}
		return e
	}
	switch op {
	case "decommit", "unmap view", "close":
		return osError(KindMemoryProtection, op, err)
	default:
		return osError(KindOutOfMemory, op, err)
	}
}
