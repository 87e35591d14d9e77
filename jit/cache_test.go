package jit

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
	"unsafe"

	"github.com/blacktop/go-guestmem"
	"golang.org/x/sync/errgroup"
)

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

func newCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if !guestmem.Supported() {
		t.Skip("no memory backend on this platform")
	}
	if opts.ArenaSize == 0 {
		opts.ArenaSize = 1 << 20
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Initialize(); err != nil {
		if errors.Is(err, guestmem.ErrPlatformNotSupported) {
			t.Skipf("code cache unavailable: %v", err)
		}
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func code(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func readBack(ptr uintptr, n int) []byte {
	return bytes.Clone(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}

// Scenario: map 10 bytes then 20 bytes and look both up by offset.
func TestMapAndFind(t *testing.T) {
	c := newCache(t, Options{})
	base := c.Base()

	a, err := c.Map(code(10, 0x10))
	if err != nil {
		t.Fatalf("Map(10) failed: %v", err)
	}
	b, err := c.Map(code(20, 0x40))
	if err != nil {
		t.Fatalf("Map(20) failed: %v", err)
	}
	if a != base || b != base+12 {
		t.Errorf("addresses = base+%d, base+%d, want base+0, base+12", a-base, b-base)
	}
	if got := readBack(a, 10); !bytes.Equal(got, code(10, 0x10)) {
		t.Errorf("code at a = %x", got)
	}
	if got := readBack(b, 20); !bytes.Equal(got, code(20, 0x40)) {
		t.Errorf("code at b = %x", got)
	}

	tests := []struct {
		offset uint64
		want   Entry
		found  bool
	}{
		{0, Entry{0, 12}, true},
		{5, Entry{0, 12}, true},
		{11, Entry{0, 12}, true},
		{12, Entry{12, 20}, true},
		{31, Entry{12, 20}, true},
		{32, Entry{}, false},
		{1 << 19, Entry{}, false},
	}
	for _, tt := range tests {
		got, ok := c.TryFind(tt.offset)
		if ok != tt.found || got != tt.want {
			t.Errorf("TryFind(%d) = %+v, %v, want %+v, %v", tt.offset, got, ok, tt.want, tt.found)
		}
	}

	s := c.Stats()
	if s.Entries != 2 || s.Used != 32 || s.ArenaSize != 1<<20 || s.Committed == 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestUnmapReusesSpace(t *testing.T) {
	c := newCache(t, Options{})
	a, _ := c.Map(code(10, 0))
	b, _ := c.Map(code(20, 0))

	if err := c.Unmap(a); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if _, ok := c.TryFind(0); ok {
		t.Error("TryFind found an unmapped entry")
	}
	if _, ok := c.TryFind(uint64(b - c.Base())); !ok {
		t.Error("Unmap removed the wrong entry")
	}

	// The freed 12 bytes are the best fit for an 8 byte routine.
	d, err := c.Map(code(8, 0xaa))
	if err != nil {
		t.Fatal(err)
	}
	if d != a {
		t.Errorf("8 byte routine placed at base+%d, want the freed slot", d-c.Base())
	}
	if got := c.Entries(); len(got) != 2 || got[0] != (Entry{0, 8}) {
		t.Errorf("Entries() = %+v", got)
	}
}

func TestUnmapErrors(t *testing.T) {
	c := newCache(t, Options{})
	a, _ := c.Map(code(16, 0))

	tests := []struct {
		name string
		ptr  uintptr
	}{
		{"inside an entry", a + 4},
		{"free space", a + 64},
		{"before the arena", c.Base() - 1},
		{"after the arena", c.Base() + 1<<20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Unmap(tt.ptr); !errors.Is(err, ErrNotMapped) {
				t.Errorf("Unmap = %v, want ErrNotMapped", err)
			}
		})
	}
	if err := c.Unmap(a); err != nil {
		t.Fatal(err)
	}
	if err := c.Unmap(a); !errors.Is(err, ErrNotMapped) {
		t.Errorf("double Unmap = %v, want ErrNotMapped", err)
	}
}

func TestArenaExhaustion(t *testing.T) {
	c := newCache(t, Options{ArenaSize: 64 << 10})

	if _, err := c.Map(make([]byte, 64<<10+1)); !errors.Is(err, guestmem.ErrOutOfMemory) {
		t.Errorf("oversized Map = %v, want ErrOutOfMemory", err)
	}
	if _, err := c.Map(make([]byte, 48<<10)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Map(make([]byte, 32<<10)); !errors.Is(err, guestmem.ErrOutOfMemory) {
		t.Errorf("Map into a full arena = %v, want ErrOutOfMemory", err)
	}
	if _, err := c.Map(make([]byte, 16<<10)); err != nil {
		t.Errorf("Map of the exact remainder = %v", err)
	}
	if s := c.Stats(); s.Committed != 64<<10 {
		t.Errorf("Committed = %d, want the whole arena", s.Committed)
	}
}

func TestCommitGrowsByGranularity(t *testing.T) {
	c := newCache(t, Options{CommitGranularity: 64 << 10})
	if s := c.Stats(); s.Committed != 0 {
		t.Fatalf("Committed before first Map = %d", s.Committed)
	}
	c.Map(code(4, 0))
	if s := c.Stats(); s.Committed != 64<<10 {
		t.Errorf("Committed = %d, want one granule", s.Committed)
	}
	c.Map(make([]byte, 100<<10))
	if s := c.Stats(); s.Committed != 128<<10 {
		t.Errorf("Committed = %d, want two granules", s.Committed)
	}
}

func TestForceWX(t *testing.T) {
	if guestmem.Supported() && guestmem.DefaultBackend().Capabilities().RequiresJitPages {
		t.Skip("host writes code through JIT pages")
	}
	c := newCache(t, Options{ForceWX: true})
	if got := c.Stats().Mode; got != "w^x" {
		t.Fatalf("Mode = %q, want w^x", got)
	}
	var ptrs []uintptr
	for i := range 4 {
		p, err := c.Map(code(4096+i, byte(i)))
		if err != nil {
			t.Fatalf("Map %d failed: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		if got := readBack(p, 4096+i); !bytes.Equal(got, code(4096+i, byte(i))) {
			t.Errorf("routine %d corrupted", i)
		}
	}
}

func TestLifecycle(t *testing.T) {
	if !guestmem.Supported() {
		t.Skip("no memory backend on this platform")
	}
	c, err := New(Options{ArenaSize: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Map(code(4, 0)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Map before Initialize = %v, want ErrNotInitialized", err)
	}
	if err := c.Unmap(0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Unmap before Initialize = %v, want ErrNotInitialized", err)
	}
	if c.Base() != 0 {
		t.Error("Base() nonzero before Initialize")
	}

	if err := c.Initialize(); err != nil {
		if errors.Is(err, guestmem.ErrPlatformNotSupported) {
			t.Skip(err)
		}
		t.Fatal(err)
	}
	base := c.Base()
	if err := c.Initialize(); err != nil || c.Base() != base {
		t.Errorf("second Initialize = %v, base moved %v", err, c.Base() != base)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := c.Map(code(4, 0)); !errors.Is(err, guestmem.ErrObjectDisposed) {
		t.Errorf("Map after Close = %v, want ErrObjectDisposed", err)
	}
	if err := c.Initialize(); !errors.Is(err, guestmem.ErrObjectDisposed) {
		t.Errorf("Initialize after Close = %v, want ErrObjectDisposed", err)
	}
}

func TestNewValidation(t *testing.T) {
	if !guestmem.Supported() {
		t.Skip("no memory backend on this platform")
	}
	page := guestmem.PageSize()
	tests := []struct {
		name string
		opts Options
	}{
		{"alignment", Options{Alignment: 12}},
		{"granularity", Options{CommitGranularity: page + 1}},
		{"arena size", Options{ArenaSize: page*4 + 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Errorf("New(%+v) succeeded", tt.opts)
			}
		})
	}
}

type fullAllocator struct{}

func (fullAllocator) Allocate(uint64) (uint64, bool) { return 0, false }
func (fullAllocator) Free(uint64, uint64) error      { return nil }

func TestCustomAllocator(t *testing.T) {
	c := newCache(t, Options{Allocator: fullAllocator{}})
	if _, err := c.Map(code(4, 0)); !errors.Is(err, guestmem.ErrOutOfMemory) {
		t.Errorf("Map = %v, want ErrOutOfMemory", err)
	}
	if _, err := c.Map(nil); !errors.Is(err, guestmem.ErrInvalidMemoryRegion) {
		t.Errorf("Map(nil) = %v, want ErrInvalidMemoryRegion", err)
	}
}

// pastEndAllocator hands out an offset beyond the arena and refuses to
// take it back.
type pastEndAllocator struct {
	offset uint64
	freed  int
}

var errFreeRefused = errors.New("free refused")

func (a *pastEndAllocator) Allocate(uint64) (uint64, bool) { return a.offset, true }

func (a *pastEndAllocator) Free(uint64, uint64) error {
	a.freed++
	return errFreeRefused
}

func TestMapReportsFreeFailure(t *testing.T) {
	alloc := &pastEndAllocator{offset: 1 << 20}
	c := newCache(t, Options{Allocator: alloc})

	_, err := c.Map(code(8, 0))
	if !errors.Is(err, guestmem.ErrOutOfMemory) {
		t.Errorf("Map = %v, want ErrOutOfMemory", err)
	}
	if !errors.Is(err, errFreeRefused) {
		t.Errorf("Map = %v, want the allocator's free error joined", err)
	}
	if alloc.freed != 1 {
		t.Errorf("Free called %d times, want 1", alloc.freed)
	}
	if n := len(c.Entries()); n != 0 {
		t.Errorf("%d entries after a failed Map", n)
	}
}

func TestConcurrentMapsDoNotOverlap(t *testing.T) {
	c := newCache(t, Options{ArenaSize: 4 << 20})

	var mu sync.Mutex
	var entries []Entry
	var g errgroup.Group
	for w := range 8 {
		g.Go(func() error {
			for i := range 32 {
				n := 4 + (w*32+i)%200
				p, err := c.Map(code(n, byte(w)))
				if err != nil {
					return err
				}
				if i%3 == 0 {
					if err := c.Unmap(p); err != nil {
						return err
					}
					continue
				}
				e, _ := c.TryFind(uint64(p - c.Base()))
				mu.Lock()
				entries = append(entries, e)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	live := c.Entries()
	if len(live) != len(entries) {
		t.Fatalf("live entries = %d, want %d", len(live), len(entries))
	}
	for i := 1; i < len(live); i++ {
		if live[i-1].Offset+live[i-1].Size > live[i].Offset {
			t.Errorf("entries overlap: %+v and %+v", live[i-1], live[i])
		}
	}
}

func TestDefaultArena(t *testing.T) {
	if isCI() {
		t.Skip("Skipping full-size arena reservation in CI environment")
	}
	c := newCache(t, Options{ArenaSize: DefaultArenaSize})
	p, err := c.Map(code(64, 1))
	if err != nil {
		t.Fatal(err)
	}
	if uint64(p-c.Base()) >= DefaultArenaSize {
		t.Error("routine outside the arena")
	}
}
