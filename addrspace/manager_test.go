package addrspace

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/blacktop/go-guestmem"
	"github.com/blacktop/go-guestmem/pagetable"
)

type event struct {
	kind     string
	va, size uint64
	write    bool
	precise  bool
}

// recordingTracker records every call. VirtualMemoryEvent reports a hit.
type recordingTracker struct {
	events []event
	log    *[]string
}

func (r *recordingTracker) note(e event) {
	r.events = append(r.events, e)
	if r.log != nil {
		*r.log = append(*r.log, "tracker "+e.kind)
	}
}

func (r *recordingTracker) Map(va, size uint64)   { r.note(event{kind: "map", va: va, size: size}) }
func (r *recordingTracker) Unmap(va, size uint64) { r.note(event{kind: "unmap", va: va, size: size}) }

func (r *recordingTracker) VirtualMemoryEvent(va, size uint64, write, precise bool) bool {
	r.note(event{kind: "access", va: va, size: size, write: write, precise: precise})
	return true
}

func (r *recordingTracker) BeginTracking(uint64, uint64) RegionHandle { return nil }

func (r *recordingTracker) BeginGranularTracking(uint64, uint64, uint64) MultiRegionHandle {
	return nil
}

func (r *recordingTracker) accesses() []event {
	var out []event
	for _, e := range r.events {
		if e.kind == "access" {
			out = append(out, e)
		}
	}
	return out
}

// recordingTable wraps the default table and logs unmaps.
type recordingTable struct {
	PageTable
	log *[]string
}

func (r recordingTable) Unmap(va uint64) {
	*r.log = append(*r.log, "page table unmap")
	r.PageTable.Unmap(va)
}

func newBacking(t *testing.T, size uint64, flags guestmem.Flags) *guestmem.Block {
	t.Helper()
	if !guestmem.Supported() || !guestmem.Supports(flags) {
		t.Skipf("backend does not support %s", flags)
	}
	b, err := guestmem.New(size, flags)
	if err != nil {
		t.Fatalf("guestmem.New failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newManager(t *testing.T, cfg Config) (*Manager, *guestmem.Block) {
	t.Helper()
	page := guestmem.PageSize()
	backing := newBacking(t, 16*page, 0)
	if cfg.AddressSpaceSize == 0 {
		cfg.AddressSpaceSize = 64 * page
	}
	m, err := New(backing, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, backing
}

func TestNewValidation(t *testing.T) {
	page := guestmem.PageSize()
	backing := newBacking(t, 4*page, 0)

	if _, err := New(nil, Config{AddressSpaceSize: page}); err == nil {
		t.Error("New(nil) succeeded")
	}
	if _, err := New(backing, Config{}); !errors.Is(err, guestmem.ErrInvalidMemoryRegion) {
		t.Errorf("zero size = %v, want ErrInvalidMemoryRegion", err)
	}
	if _, err := New(backing, Config{AddressSpaceSize: page + 1}); !errors.Is(err, guestmem.ErrInvalidMemoryRegion) {
		t.Errorf("unaligned size = %v, want ErrInvalidMemoryRegion", err)
	}
	if _, err := New(backing, Config{AddressSpaceSize: page, HostMapped: true}); !errors.Is(err, guestmem.ErrUnsupportedOperation) {
		t.Errorf("host mapped over a private backing = %v, want ErrUnsupportedOperation", err)
	}
}

func TestMapUnmapInverse(t *testing.T) {
	m, backing := newManager(t, Config{})
	page := m.PageSize()
	va, pa := 10*page, 3*page

	if m.IsMapped(va) {
		t.Fatal("fresh address space has mapped pages")
	}
	if err := m.Map(va, pa, 2*page, 0); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if !m.IsRangeMapped(va, 2*page) || m.IsRangeMapped(va, 3*page) {
		t.Error("IsRangeMapped wrong after Map")
	}
	got, err := m.Translate(va + page + 12)
	if err != nil || got != pa+page+12 {
		t.Errorf("Translate = 0x%x, %v, want 0x%x", got, err, pa+page+12)
	}

	if err := m.Write(va+page-2, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write across pages failed: %v", err)
	}
	raw := make([]byte, 4)
	backing.Read(pa+page-2, raw)
	if !bytes.Equal(raw, []byte{1, 2, 3, 4}) {
		t.Errorf("backing holds %x", raw)
	}

	if err := m.Unmap(va, 2*page); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if m.IsMapped(va) || m.IsMapped(va+page) {
		t.Error("pages still mapped after Unmap")
	}
	if _, err := m.Translate(va); !errors.Is(err, guestmem.ErrInvalidAccess) {
		t.Errorf("Translate after Unmap = %v, want ErrInvalidAccess", err)
	}
	// Unmapping again is a no-op.
	if err := m.Unmap(va, 2*page); err != nil {
		t.Errorf("second Unmap = %v", err)
	}
}

func TestMapValidation(t *testing.T) {
	m, _ := newManager(t, Config{})
	page := m.PageSize()

	tests := []struct {
		name         string
		va, pa, size uint64
		flags        MapFlags
		err          error
	}{
		{"zero size", 0, 0, 0, 0, guestmem.ErrInvalidMemoryRegion},
		{"unaligned va", 1, 0, page, 0, guestmem.ErrInvalidMemoryRegion},
		{"unaligned pa", 0, 1, page, 0, guestmem.ErrInvalidMemoryRegion},
		{"va past end", 64 * page, 0, page, 0, guestmem.ErrInvalidMemoryRegion},
		{"pa past backing", 0, 15 * page, 2 * page, 0, guestmem.ErrInvalidMemoryRegion},
		{"unknown flag", 0, 0, page, MapFlags(0x80), guestmem.ErrUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Map(tt.va, tt.pa, tt.size, tt.flags); !errors.Is(err, tt.err) {
				t.Errorf("Map = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestRemapReplacesTranslation(t *testing.T) {
	var log []string
	m, _ := newManager(t, Config{})
	page := m.PageSize()
	m.OnUnmap(func(va, size uint64) { log = append(log, "unmap") })

	if err := m.Map(0, 0, 2*page, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Map(page, 5*page, page, 0); err != nil {
		t.Fatal(err)
	}
	if pa, _ := m.Translate(page); pa != 5*page {
		t.Errorf("Translate after remap = 0x%x, want 0x%x", pa, 5*page)
	}
	if pa, _ := m.Translate(0); pa != 0 {
		t.Errorf("untouched page translates to 0x%x", pa)
	}
	if len(log) != 1 {
		t.Errorf("unmap handlers ran %d times, want 1", len(log))
	}
}

func TestUnmapOrder(t *testing.T) {
	var log []string
	page := guestmem.PageSize()
	tracker := &recordingTracker{log: &log}
	backing := newBacking(t, 4*page, 0)
	sparse, err := pagetable.NewSparse(page)
	if err != nil {
		t.Fatal(err)
	}
	table := recordingTable{PageTable: sparse, log: &log}

	m, err := New(backing, Config{AddressSpaceSize: 8 * page, Tracker: tracker, PageTable: table})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	var mappedDuringHandler bool
	m.OnUnmap(func(va, size uint64) {
		log = append(log, "handler")
		mappedDuringHandler = m.IsMapped(va)
	})

	if err := m.Map(0, 0, page, 0); err != nil {
		t.Fatal(err)
	}
	log = nil
	if err := m.Unmap(0, page); err != nil {
		t.Fatal(err)
	}

	want := []string{"handler", "tracker unmap", "page table unmap"}
	if !slices.Equal(log, want) {
		t.Errorf("unmap order = %v, want %v", log, want)
	}
	if !mappedDuringHandler {
		t.Error("range was already unmapped when the handler ran")
	}
}

func TestOnUnmapCancel(t *testing.T) {
	m, _ := newManager(t, Config{})
	page := m.PageSize()
	calls := 0
	cancel := m.OnUnmap(func(uint64, uint64) { calls++ })

	m.Map(0, 0, page, 0)
	m.Unmap(0, page)
	cancel()
	m.Map(0, 0, page, 0)
	m.Unmap(0, page)

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestInvalidAccess(t *testing.T) {
	page := guestmem.PageSize()
	var faults []uint64
	handled := false
	m, _ := newManager(t, Config{InvalidAccessHandler: func(va uint64) bool {
		faults = append(faults, va)
		return handled
	}})
	m.Map(0, 0, page, 0)

	buf := []byte{9, 9, 9, 9}
	err := m.Read(page-2, buf)
	if !errors.Is(err, guestmem.ErrInvalidAccess) {
		t.Fatalf("Read into unmapped page = %v, want ErrInvalidAccess", err)
	}
	var ge *guestmem.Error
	if !errors.As(err, &ge) || ge.Offset != page {
		t.Errorf("fault address = %v, want first unmapped byte 0x%x", err, page)
	}

	handled = true
	if err := m.Read(page-2, buf); err != nil {
		t.Fatalf("handled Read = %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 4)) {
		t.Errorf("handled read returned %x, want zeroes", buf)
	}
	if err := m.Write(2*page, []byte{1}); err != nil {
		t.Errorf("handled Write = %v", err)
	}
	if err := m.Fill(3*page, 8, 1); err != nil {
		t.Errorf("handled Fill = %v", err)
	}
	if want := []uint64{page, page, 2 * page, 3 * page}; !slices.Equal(faults, want) {
		t.Errorf("handler saw %x, want %x", faults, want)
	}

	// Out of the address space entirely.
	if err := m.Read(m.Size(), buf); err != nil {
		t.Errorf("handled out-of-range Read = %v", err)
	}
}

func TestPhysicalRegions(t *testing.T) {
	m, _ := newManager(t, Config{})
	page := m.PageSize()

	// va 0..2 -> pa 4..6, va 3..4 -> pa 10..11, va 5 unmapped, va 6 -> pa 0.
	m.Map(0, 4*page, 3*page, 0)
	m.Map(3*page, 10*page, page, 0)
	m.Map(4*page, 11*page, page, 0)
	m.Map(6*page, 0, page, 0)

	seq := m.PhysicalRegions(page/2, 7*page)
	want := []Range{
		{Address: 4*page + page/2, Size: 2*page + page/2},
		{Address: 10 * page, Size: 2 * page},
		{Address: 0, Size: page},
	}
	got := slices.Collect(seq)
	if !slices.Equal(got, want) {
		t.Errorf("PhysicalRegions = %+v, want %+v", got, want)
	}
	// The sequence can be iterated again and stopped early.
	if again := slices.Collect(seq); !slices.Equal(again, want) {
		t.Errorf("second iteration = %+v", again)
	}
	for r := range seq {
		if r != want[0] {
			t.Errorf("first region = %+v", r)
		}
		break
	}

	if got := slices.Collect(m.PhysicalRegions(m.Size(), page)); len(got) != 0 {
		t.Errorf("out of range request yielded %+v", got)
	}
}

func TestHostRegionsPointIntoBacking(t *testing.T) {
	m, backing := newManager(t, Config{})
	page := m.PageSize()
	m.Map(2*page, page, 2*page, 0)

	regions := slices.Collect(m.HostRegions(2*page, 2*page))
	if len(regions) != 1 {
		t.Fatalf("HostRegions = %+v, want one run", regions)
	}
	want, _ := backing.Pointer(page, 2*page)
	if regions[0].Address != want || regions[0].Size != 2*page {
		t.Errorf("HostRegions = %+v, want {0x%x %d}", regions[0], want, 2*page)
	}
}

func TestSignalMemoryTracking(t *testing.T) {
	tracker := &recordingTracker{}
	m, _ := newManager(t, Config{Tracker: tracker})
	page := m.PageSize()
	m.Map(0, 0, 2*page, 0)

	// Fully accessible pages do not reach the tracker.
	m.SignalMemoryTracking(0, 8, true, false)
	if n := len(tracker.accesses()); n != 0 {
		t.Fatalf("tracker saw %d events for an accessible write", n)
	}

	m.TrackingReprotect(0, page, guestmem.MemRead, false)
	m.SignalMemoryTracking(0, 8, false, false)
	m.SignalMemoryTracking(0, 8, true, false)
	m.SignalMemoryTracking(page, 8, true, true)

	want := []event{
		{kind: "access", va: 0, size: 8, write: true},
		{kind: "access", va: page, size: 8, write: true, precise: true},
	}
	if got := tracker.accesses(); !slices.Equal(got, want) {
		t.Errorf("accesses = %+v, want %+v", got, want)
	}

	// Writes through the Manager signal before copying.
	tracker.events = nil
	if err := m.Write(4, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteUntracked(8, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if got := tracker.accesses(); len(got) != 1 || !got[0].write {
		t.Errorf("accesses after Write/WriteUntracked = %+v", got)
	}

	// Reads only signal when the page is inaccessible.
	tracker.events = nil
	m.TrackingReprotect(page, page, guestmem.MemNone, false)
	buf := make([]byte, 4)
	if err := m.Read(page, buf); err != nil {
		t.Fatal(err)
	}
	if err := m.ReadTracked(page, buf); err != nil {
		t.Fatal(err)
	}
	want = []event{{kind: "access", va: page, size: 4}}
	if got := tracker.accesses(); !slices.Equal(got, want) {
		t.Errorf("accesses after ReadTracked = %+v, want %+v", got, want)
	}
}

func TestTrackingReprotectSkipsUnmapped(t *testing.T) {
	m, _ := newManager(t, Config{Tracker: &recordingTracker{}})
	page := m.PageSize()
	m.Map(page, 0, page, 0)

	if err := m.TrackingReprotect(0, 3*page, guestmem.MemNone, false); err != nil {
		t.Fatal(err)
	}
	if m.IsMapped(0) || m.IsMapped(2*page) {
		t.Error("TrackingReprotect mapped unmapped pages")
	}
	if m.bitmap.get(1) != stateNoAccess {
		t.Errorf("page 1 state = %d, want no access", m.bitmap.get(1))
	}
	if err := m.TrackingReprotect(m.Size(), page, guestmem.MemRead, false); !errors.Is(err, guestmem.ErrInvalidMemoryRegion) {
		t.Errorf("out of range = %v", err)
	}
}

func TestBeginTrackingWithoutTracker(t *testing.T) {
	m, _ := newManager(t, Config{})
	if _, err := m.BeginTracking(0, m.PageSize()); !errors.Is(err, guestmem.ErrUnsupportedOperation) {
		t.Errorf("BeginTracking = %v, want ErrUnsupportedOperation", err)
	}
}

func TestBeginGranularTrackingValidation(t *testing.T) {
	m, _ := newManager(t, Config{Tracker: &recordingTracker{}})
	page := m.PageSize()
	for _, g := range []uint64{0, page / 2, 3 * page} {
		if _, err := m.BeginGranularTracking(0, 4*page, g); !errors.Is(err, guestmem.ErrInvalidMemoryRegion) {
			t.Errorf("granularity %d = %v, want ErrInvalidMemoryRegion", g, err)
		}
	}
}

func TestCloseUnmapsAndDisposes(t *testing.T) {
	page := guestmem.PageSize()
	backing := newBacking(t, 4*page, 0)
	m, err := New(backing, Config{AddressSpaceSize: 8 * page})
	if err != nil {
		t.Fatal(err)
	}
	var unmapped []Range
	m.OnUnmap(func(va, size uint64) { unmapped = append(unmapped, Range{va, size}) })
	m.Map(0, 0, 2*page, 0)
	m.Map(5*page, 2*page, page, 0)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	want := []Range{{0, 2 * page}, {5 * page, page}}
	if !slices.Equal(unmapped, want) {
		t.Errorf("Close unmapped %+v, want %+v", unmapped, want)
	}
	if err := m.Map(0, 0, page, 0); !errors.Is(err, guestmem.ErrObjectDisposed) {
		t.Errorf("Map after Close = %v, want ErrObjectDisposed", err)
	}
	if backing.Closed() {
		t.Error("Close released the backing block")
	}
}

func TestHostMapped(t *testing.T) {
	if !guestmem.Supports(guestmem.FlagReserve | guestmem.FlagViewCompatible) {
		t.Skip("backend has no views")
	}
	const granule = 64 << 10
	backing := newBacking(t, 8*granule, guestmem.FlagMirrorable)
	m, err := New(backing, Config{AddressSpaceSize: 32 * granule, HostMapped: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	g := m.MapAlignment()
	if granule%g != 0 {
		t.Skipf("view alignment %d does not divide %d", g, granule)
	}
	if !m.HostMapped() || m.HostBase() == 0 {
		t.Fatal("host-mapped Manager has no host base")
	}
	if err := m.Map(g/2, 0, g, 0); !errors.Is(err, guestmem.ErrInvalidMemoryRegion) {
		t.Errorf("Map below view alignment = %v, want ErrInvalidMemoryRegion", err)
	}
	if err := m.Map(4*g, 2*g, 3*g, 0); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := backing.Write(3*g, []byte("visible")); err != nil {
		t.Fatal(err)
	}

	regions := slices.Collect(m.HostRegions(5*g, 7))
	if len(regions) != 1 || regions[0].Address != m.HostBase()+uintptr(5*g) {
		t.Fatalf("HostRegions = %+v", regions)
	}
	got := make([]byte, 7)
	if err := m.Read(5*g, got); err != nil || string(got) != "visible" {
		t.Errorf("Read = %q, %v", got, err)
	}

	// Unmapping the middle keeps both sides mapped through the view.
	if err := m.Unmap(5*g, g); err != nil {
		t.Fatalf("Unmap of the middle failed: %v", err)
	}
	if m.views.Len() != 2 {
		t.Errorf("views after split = %d, want 2", m.views.Len())
	}
	if err := m.Write(6*g, []byte{0x42}); err != nil {
		t.Fatal(err)
	}
	one := make([]byte, 1)
	backing.Read(4*g, one)
	if one[0] != 0x42 {
		t.Errorf("write after split landed elsewhere: %x", one)
	}
}

type hostProtect struct {
	addr, size uintptr
	perm       guestmem.MemPerm
}

// protectLog records the host reprotects made through it.
type protectLog struct {
	guestmem.Backend
	calls []hostProtect
}

func (p *protectLog) Reprotect(addr, size uintptr, perm guestmem.MemPerm, forView bool) error {
	p.calls = append(p.calls, hostProtect{addr, size, perm})
	return p.Backend.Reprotect(addr, size, perm, forView)
}

func TestPartialUnmapKeepsHostProtection(t *testing.T) {
	if !guestmem.Supported() || !guestmem.Supports(guestmem.FlagReserve|guestmem.FlagViewCompatible) {
		t.Skip("backend has no views")
	}
	log := &protectLog{Backend: guestmem.DefaultBackend()}
	backing, err := guestmem.NewWithBackend(log, 4<<20, guestmem.FlagMirrorable)
	if err != nil {
		t.Fatal(err)
	}
	defer backing.Close()
	m, err := New(backing, Config{AddressSpaceSize: 16 << 20, HostMapped: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()
	g := m.MapAlignment()
	base := m.HostBase()

	if err := m.Map(0, 0, 3*g, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.TrackingReprotect(0, 3*g, guestmem.MemRead, true); err != nil {
		t.Fatal(err)
	}
	log.calls = nil
	if err := m.Unmap(g, g); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	want := []hostProtect{
		{base, uintptr(g), guestmem.MemRead},
		{base + uintptr(2*g), uintptr(g), guestmem.MemRead},
	}
	if !slices.Equal(log.calls, want) {
		t.Errorf("host reprotects after split = %+v, want %+v", log.calls, want)
	}
	if m.bitmap.get(0) != stateReadOnly || m.hostBits.get(0) != stateReadOnly {
		t.Errorf("page 0 state = %d, host %d, want read-only", m.bitmap.get(0), m.hostBits.get(0))
	}

	// A reprotect that never reached the host leaves the remapped pieces
	// writable.
	if err := m.Map(8*g, 0, 2*g, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.TrackingReprotect(8*g, 2*g, guestmem.MemRead, false); err != nil {
		t.Fatal(err)
	}
	log.calls = nil
	if err := m.Unmap(8*g, g); err != nil {
		t.Fatal(err)
	}
	if len(log.calls) != 0 {
		t.Errorf("host reprotects = %+v, want none", log.calls)
	}
}
