package addrspace

// PageTable is a sparse map from page-aligned guest virtual address to
// physical offset. The pagetable package provides one.
type PageTable interface {
	Map(va, pa uint64)
	Unmap(va uint64)
	// Read translates va including its offset within the page.
	Read(va uint64) (pa uint64, ok bool)
}

// Tracker is the write-tracking engine fed by the Manager. The tracking
// package provides one.
type Tracker interface {
	Map(va, size uint64)
	Unmap(va, size uint64)
	// VirtualMemoryEvent reports an access to [va, va+size). It returns
	// true if any tracked region observed it.
	VirtualMemoryEvent(va, size uint64, write, precise bool) bool
	BeginTracking(va, size uint64) RegionHandle
	BeginGranularTracking(va, size, granularity uint64) MultiRegionHandle
}

// RegionHandle is a subscription to writes in one guest range.
type RegionHandle interface {
	Address() uint64
	Size() uint64
	// Dirty reports whether the range was written since the last Reprotect.
	Dirty() bool
	ForceDirty()
	// Reprotect clears the dirty state and write-protects the range so the
	// next write is observed.
	Reprotect()
	// RegisterAction installs a callback run once on the next access of
	// any kind to the range.
	RegisterAction(fn func(va, size uint64))
	Close()
}

// MultiRegionHandle tracks a range split into fixed-size granules.
type MultiRegionHandle interface {
	// QueryModified calls fn for each run of dirty granules overlapping
	// [va, va+size) and reprotects them.
	QueryModified(va, size uint64, fn func(va, size uint64))
	Close()
}

// InvalidAccessHandler is consulted when the guest touches an unmapped
// address. Returning true means the fault was handled and the access
// becomes a no-op.
type InvalidAccessHandler func(va uint64) bool

// UnmapHandler is notified before a range is unmapped.
type UnmapHandler func(va, size uint64)

type nopTracker struct{}

func (nopTracker) Map(uint64, uint64)                                 {}
func (nopTracker) Unmap(uint64, uint64)                               {}
func (nopTracker) VirtualMemoryEvent(uint64, uint64, bool, bool) bool { return false }
func (nopTracker) BeginTracking(uint64, uint64) RegionHandle          { return nil }
func (nopTracker) BeginGranularTracking(uint64, uint64, uint64) MultiRegionHandle {
	return nil
}
