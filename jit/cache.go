// Package jit manages a single reserved arena of executable memory for
// dynamically generated code.
//
// The arena is reserved once at a fixed size so that code addresses stay
// stable for the life of the Cache and stay within short branch range of
// each other. It is committed from the start on demand. How code gets into
// the arena depends on the host: a direct copy where pages may be writable
// and executable at once, an RW to RX flip where they may not, and a
// privileged copy on hardened runtimes that require JIT pages.
package jit

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/blacktop/go-guestmem"
	"github.com/blacktop/go-guestmem/rangealloc"
	"github.com/sirupsen/logrus"
)

const (
	DefaultArenaSize         = 2047 << 20
	DefaultCommitGranularity = 64 << 10
	DefaultAlignment         = 4
)

var (
	// ErrNotInitialized is returned by operations called before Initialize.
	ErrNotInitialized = errors.New("jit: cache is not initialized")
	// ErrNotMapped is returned by Unmap for an address that is not the start
	// of a live entry.
	ErrNotMapped = errors.New("jit: address is not the start of a mapped entry")
)

// Allocator hands out byte ranges of the arena. rangealloc.FreeList is the
// default.
type Allocator interface {
	Allocate(size uint64) (offset uint64, ok bool)
	Free(offset, size uint64) error
}

// Options configure a Cache. Zero values select the defaults.
type Options struct {
	ArenaSize         uint64
	CommitGranularity uint64
	// Alignment of every entry; a power of two.
	Alignment uint64
	Backend   guestmem.Backend
	// Allocator must manage [0, ArenaSize).
	Allocator Allocator
	// ForceWX flips pages between RW and RX even where RWX is allowed.
	ForceWX bool
	Logger  logrus.FieldLogger
}

// Entry is a mapped routine, as an offset from the arena base.
type Entry struct {
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

func (e Entry) contains(offset uint64) bool {
	return offset >= e.Offset && offset-e.Offset < e.Size
}

type writeMode int

const (
	modeDirect writeMode = iota
	modeWX
	modeJitPages
)

func (m writeMode) String() string {
	switch m {
	case modeDirect:
		return "rwx"
	case modeWX:
		return "w^x"
	case modeJitPages:
		return "jit-pages"
	default:
		return fmt.Sprintf("writeMode(%d)", int(m))
	}
}

// Stats is a snapshot of a Cache.
type Stats struct {
	ArenaSize uint64 `json:"arena_size"`
	Committed uint64 `json:"committed"`
	Used      uint64 `json:"used"`
	Entries   int    `json:"entries"`
	Mode      string `json:"mode"`
}

// Cache is a JIT code cache. All methods are safe for concurrent use; one
// mutex serializes them, TryFind included.
type Cache struct {
	mu      sync.Mutex
	opts    Options
	log     logrus.FieldLogger
	arena   *reservedRegion
	base    uintptr
	alloc   Allocator
	mode    writeMode
	entries []Entry
	used    uint64
	closed  bool
}

// New validates opts and returns an uninitialized Cache.
func New(opts Options) (*Cache, error) {
	if opts.ArenaSize == 0 {
		opts.ArenaSize = DefaultArenaSize
	}
	if opts.CommitGranularity == 0 {
		opts.CommitGranularity = DefaultCommitGranularity
	}
	if opts.Alignment == 0 {
		opts.Alignment = DefaultAlignment
	}
	if opts.Backend == nil {
		opts.Backend = guestmem.DefaultBackend()
	}
	if opts.Logger == nil {
		opts.Logger = guestmem.Logger()
	}
	if opts.Alignment&(opts.Alignment-1) != 0 {
		return nil, fmt.Errorf("jit: alignment %d is not a power of two", opts.Alignment)
	}
	pageSize := uint64(opts.Backend.Capabilities().PageSize)
	if opts.CommitGranularity%pageSize != 0 {
		return nil, fmt.Errorf("jit: commit granularity %d is not a multiple of the page size %d", opts.CommitGranularity, pageSize)
	}
	if opts.ArenaSize%pageSize != 0 {
		return nil, fmt.Errorf("jit: arena size %d is not a multiple of the page size %d", opts.ArenaSize, pageSize)
	}
	return &Cache{opts: opts, log: opts.Logger}, nil
}

// Initialize reserves the arena and selects how code is written. It is
// idempotent.
func (c *Cache) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return guestmem.NewError(guestmem.KindObjectDisposed, "jit initialize", 0, 0, nil)
	}
	if c.arena != nil {
		return nil
	}
	if !icacheSupported {
		return guestmem.NewError(guestmem.KindPlatformNotSupported, "jit initialize", 0, 0,
			errors.New("no instruction cache invalidation on this platform"))
	}

	caps := c.opts.Backend.Capabilities()
	switch {
	case caps.RequiresJitPages:
		if !hasPrivilegedCopy {
			return guestmem.NewError(guestmem.KindPlatformNotSupported, "jit initialize", 0, 0,
				errors.New("host requires JIT pages but no privileged copy is available"))
		}
		c.mode = modeJitPages
	case caps.AllowsRWX && !c.opts.ForceWX:
		c.mode = modeDirect
	default:
		c.mode = modeWX
	}

	arena, err := newReservedRegion(c.opts.Backend, c.opts.ArenaSize, c.opts.CommitGranularity)
	if err != nil {
		return err
	}
	c.arena = arena
	c.base = arena.base()
	c.alloc = c.opts.Allocator
	if c.alloc == nil {
		c.alloc = rangealloc.New(c.opts.ArenaSize)
	}

	c.log.WithFields(logrus.Fields{
		"arena_size": c.opts.ArenaSize,
		"base":       fmt.Sprintf("0x%x", c.base),
		"mode":       c.mode.String(),
	}).Debug("jit: initialized code cache")
	return nil
}

func (c *Cache) ready(op string) error {
	if c.closed {
		return guestmem.NewError(guestmem.KindObjectDisposed, op, 0, 0, nil)
	}
	if c.arena == nil {
		return ErrNotInitialized
	}
	return nil
}

// Map copies code into the arena and returns its executable address.
func (c *Cache) Map(code []byte) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready("jit map"); err != nil {
		return 0, err
	}
	if len(code) == 0 {
		return 0, guestmem.NewError(guestmem.KindInvalidMemoryRegion, "jit map", 0, 0, nil)
	}
	size, ok := guestmem.AlignUp(uint64(len(code)), c.opts.Alignment)
	if !ok {
		return 0, guestmem.NewError(guestmem.KindInvalidMemoryRegion, "jit map", 0, uint64(len(code)), nil)
	}
	offset, ok := c.alloc.Allocate(size)
	if !ok {
		return 0, guestmem.NewError(guestmem.KindOutOfMemory, "jit map", 0, size, nil)
	}
	if err := c.grow(offset + size); err != nil {
		return 0, errors.Join(err, c.alloc.Free(offset, size))
	}
	if err := c.write(offset, code); err != nil {
		return 0, errors.Join(err, c.alloc.Free(offset, size))
	}

	i, _ := slices.BinarySearchFunc(c.entries, offset, compareOffset)
	c.entries = slices.Insert(c.entries, i, Entry{Offset: offset, Size: size})
	c.used += size
	guestmem.RecordJITMap()
	return c.base + uintptr(offset), nil
}

func compareOffset(e Entry, offset uint64) int { return cmp.Compare(e.Offset, offset) }

func (c *Cache) grow(end uint64) error {
	from, n, err := c.arena.expandIfNeeded(end)
	if err != nil || n == 0 {
		return err
	}
	if c.mode == modeWX {
		if err := c.arena.block.Reprotect(from, n, guestmem.MemReadExec); err != nil {
			return err
		}
	}
	c.log.WithFields(logrus.Fields{
		"committed": c.arena.committed,
	}).Debug("jit: grew committed arena")
	return nil
}

func (c *Cache) write(offset uint64, code []byte) error {
	block := c.arena.block
	size := uint64(len(code))
	addr := c.base + uintptr(offset)

	switch c.mode {
	case modeDirect:
		if err := block.Write(offset, code); err != nil {
			return err
		}
	case modeWX:
		if err := block.Reprotect(offset, size, guestmem.MemReadWrite); err != nil {
			return err
		}
		werr := block.Write(offset, code)
		if err := block.Reprotect(offset, size, guestmem.MemReadExec); err != nil {
			return err
		}
		if werr != nil {
			return werr
		}
	case modeJitPages:
		if _, err := block.Pointer(offset, size); err != nil {
			return err
		}
		privilegedCopy(addr, code)
		return nil
	}
	invalidateICache(addr, uintptr(size))
	return nil
}

// Unmap releases the entry starting at ptr.
func (c *Cache) Unmap(ptr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready("jit unmap"); err != nil {
		return err
	}
	if ptr < c.base || uint64(ptr-c.base) >= c.opts.ArenaSize {
		return fmt.Errorf("%w: 0x%x is outside the arena", ErrNotMapped, ptr)
	}
	offset := uint64(ptr - c.base)
	i, found := slices.BinarySearchFunc(c.entries, offset, compareOffset)
	if !found {
		return fmt.Errorf("%w: no entry at offset 0x%x", ErrNotMapped, offset)
	}
	e := c.entries[i]
	if err := c.alloc.Free(e.Offset, e.Size); err != nil {
		return err
	}
	c.entries = slices.Delete(c.entries, i, i+1)
	c.used -= e.Size
	guestmem.RecordJITUnmap()
	return nil
}

// TryFind returns the entry containing the arena offset.
func (c *Cache) TryFind(offset uint64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, found := slices.BinarySearchFunc(c.entries, offset, compareOffset)
	if found {
		return c.entries[i], true
	}
	if i > 0 && c.entries[i-1].contains(offset) {
		return c.entries[i-1], true
	}
	return Entry{}, false
}

// Base returns the host address of the arena, or 0 before Initialize.
func (c *Cache) Base() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

// Entries returns a copy of the live entries in offset order.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries)
}

// Stats returns a snapshot of the cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		ArenaSize: c.opts.ArenaSize,
		Used:      c.used,
		Entries:   len(c.entries),
		Mode:      c.mode.String(),
	}
	if c.arena != nil {
		s.Committed = c.arena.committed
	}
	return s
}

// Close releases the arena. Addresses returned by Map must not be used
// afterwards. Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = nil
	if c.arena == nil {
		return nil
	}
	err := c.arena.close()
	c.arena = nil
	return err
}
