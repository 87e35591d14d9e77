// Package tracking observes guest writes to registered ranges by
// write-protecting them and catching the access signals an address space
// raises for protected pages.
package tracking

import (
	"sync"

	"github.com/blacktop/go-guestmem"
	"github.com/blacktop/go-guestmem/addrspace"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// Reprotector applies page protections on behalf of the engine. An
// addrspace.Manager satisfies it.
type Reprotector interface {
	TrackingReprotect(va, size uint64, perm guestmem.MemPerm, guest bool) error
}

// Options configure an Engine.
type Options struct {
	// PageSize is the protection granularity; it defaults to the host
	// page size.
	PageSize uint64
	// Guest makes protection changes reach the host mapping as well as the
	// address space's page record.
	Guest  bool
	Logger logrus.FieldLogger
}

// Engine implements addrspace.Tracker.
type Engine struct {
	mu       sync.Mutex
	regions  *btree.BTreeG[*Region]
	maxSize  uint64
	nextID   uint64
	pageSize uint64
	guest    bool
	rp       Reprotector
	log      logrus.FieldLogger

	events uint64
}

var _ addrspace.Tracker = (*Engine)(nil)

func regionLess(a, b *Region) bool {
	if a.va != b.va {
		return a.va < b.va
	}
	return a.id < b.id
}

// New returns an Engine. SetReprotector must be called before regions can
// be protected.
func New(opts Options) *Engine {
	if opts.PageSize == 0 {
		opts.PageSize = guestmem.PageSize()
	}
	if opts.Logger == nil {
		opts.Logger = guestmem.Logger()
	}
	return &Engine{
		regions:  btree.NewG(16, regionLess),
		pageSize: opts.PageSize,
		guest:    opts.Guest,
		log:      opts.Logger,
	}
}

// SetReprotector sets the target of protection changes, normally the
// address space the engine was passed to.
func (e *Engine) SetReprotector(rp Reprotector) {
	e.mu.Lock()
	e.rp = rp
	e.mu.Unlock()
}

// Events returns the number of access events that hit a tracked region.
func (e *Engine) Events() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

func (e *Engine) pageRange(va, size uint64) (uint64, uint64) {
	start := va &^ (e.pageSize - 1)
	end := (va + size + e.pageSize - 1) &^ (e.pageSize - 1)
	return start, end - start
}

// overlapping calls fn for each live region intersecting [va, va+size).
func (e *Engine) overlapping(va, size uint64, fn func(*Region)) {
	end := va + size
	from := va - min(va, e.maxSize)
	e.regions.AscendRange(&Region{va: from}, &Region{va: end}, func(r *Region) bool {
		if r.va+r.size > va {
			fn(r)
		}
		return true
	})
}

// pagePerm returns the protection the live regions on the page at va
// need: no access if any has a pending action, read-only if any is clean,
// read-write otherwise. Called with e.mu held.
func (e *Engine) pagePerm(va uint64) guestmem.MemPerm {
	perm := guestmem.MemReadWrite
	e.overlapping(va, e.pageSize, func(r *Region) {
		switch {
		case r.action != nil:
			perm = guestmem.MemNone
		case !r.dirty && perm == guestmem.MemReadWrite:
			perm = guestmem.MemRead
		}
	})
	return perm
}

// updateProtection recomputes the protection of every page overlapping
// [va, va+size) from all live regions on it and applies it in runs of
// equal permission. Called with e.mu held.
func (e *Engine) updateProtection(va, size uint64) {
	if e.rp == nil || size == 0 {
		return
	}
	start, length := e.pageRange(va, size)
	end := start + length
	runStart, runPerm := start, e.pagePerm(start)
	for p := start + e.pageSize; p < end; p += e.pageSize {
		if perm := e.pagePerm(p); perm != runPerm {
			e.protect(runStart, p-runStart, runPerm)
			runStart, runPerm = p, perm
		}
	}
	e.protect(runStart, end-runStart, runPerm)
}

func (e *Engine) protect(va, size uint64, perm guestmem.MemPerm) {
	if err := e.rp.TrackingReprotect(va, size, perm, e.guest); err != nil {
		e.log.WithError(err).WithField("va", va).Warn("tracking: reprotect failed")
	}
}

// Map marks regions over a newly mapped range dirty: their contents were
// replaced.
func (e *Engine) Map(va, size uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overlapping(va, size, func(r *Region) {
		r.dirty = true
	})
}

// Unmap marks regions overlapping the range dirty. Regions the range fully
// covers stop being tracked and their pending actions are dropped; the
// others keep tracking the pages that stay mapped.
func (e *Engine) Unmap(va, size uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	end := va + size
	var hit []*Region
	e.overlapping(va, size, func(r *Region) {
		hit = append(hit, r)
	})
	for _, r := range hit {
		r.dirty = true
		if r.va >= va && r.va+r.size <= end {
			r.action = nil
			r.unmapped = true
			e.regions.Delete(r)
		}
	}
	for _, r := range hit {
		if !r.unmapped {
			e.updateProtection(r.va, r.size)
		}
	}
}

// VirtualMemoryEvent handles an access to [va, va+size). Every region on
// the touched pages runs its pending action, a write marks them dirty, and
// the pages are reprotected to what the remaining regions need.
func (e *Engine) VirtualMemoryEvent(va, size uint64, write, precise bool) bool {
	if size == 0 {
		return false
	}
	start, length := e.pageRange(va, size)

	e.mu.Lock()
	var hit []*Region
	var actions []func(va, size uint64)
	e.overlapping(start, length, func(r *Region) {
		hit = append(hit, r)
		if r.action != nil {
			actions = append(actions, r.action)
			r.action = nil
		}
		if write {
			r.dirty = true
		}
	})
	if len(hit) == 0 {
		e.mu.Unlock()
		return false
	}
	e.events++
	e.updateProtection(start, length)
	e.mu.Unlock()

	if precise {
		e.log.WithFields(logrus.Fields{"va": va, "size": size, "write": write}).Debug("tracking: precise event")
	}
	for _, fn := range actions {
		fn(va, size)
	}
	return true
}

// BeginTracking registers [va, va+size). The region starts dirty.
func (e *Engine) BeginTracking(va, size uint64) addrspace.RegionHandle {
	return e.begin(va, size)
}

func (e *Engine) begin(va, size uint64) *Region {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	r := &Region{engine: e, id: e.nextID, va: va, size: size, dirty: true}
	e.regions.ReplaceOrInsert(r)
	e.maxSize = max(e.maxSize, size)
	return r
}

// BeginGranularTracking registers [va, va+size) as granules of granularity
// bytes.
func (e *Engine) BeginGranularTracking(va, size, granularity uint64) addrspace.MultiRegionHandle {
	m := &MultiRegion{granularity: granularity, va: va}
	for off := uint64(0); off < size; off += granularity {
		m.granules = append(m.granules, e.begin(va+off, min(granularity, size-off)))
	}
	return m
}

// Region is a tracked range. It implements addrspace.RegionHandle.
type Region struct {
	engine *Engine
	id     uint64
	va     uint64
	size   uint64

	dirty    bool
	unmapped bool
	closed   bool
	action   func(va, size uint64)
}

func (r *Region) Address() uint64 { return r.va }
func (r *Region) Size() uint64    { return r.size }

// Dirty reports whether the range was written since the last Reprotect.
func (r *Region) Dirty() bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return r.dirty
}

// Unmapped reports whether tracking stopped because the range was unmapped.
func (r *Region) Unmapped() bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return r.unmapped
}

func (r *Region) ForceDirty() {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	r.dirty = true
}

// Reprotect clears the dirty state and write-protects the range. It has no
// effect once the range was unmapped or the region closed.
func (r *Region) Reprotect() {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.unmapped || r.closed {
		return
	}
	r.dirty = false
	e.updateProtection(r.va, r.size)
}

// RegisterAction installs fn to run once on the next access to the range.
// The range is made inaccessible so that reads are observed too.
func (r *Region) RegisterAction(fn func(va, size uint64)) {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.unmapped || r.closed {
		return
	}
	r.action = fn
	e.updateProtection(r.va, r.size)
}

// Close stops tracking and lifts the protection the region placed on pages
// no other live region needs.
func (r *Region) Close() {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.unmapped {
		return
	}
	e.regions.Delete(r)
	e.updateProtection(r.va, r.size)
}

// MultiRegion is a range tracked as fixed-size granules. It implements
// addrspace.MultiRegionHandle.
type MultiRegion struct {
	va          uint64
	granularity uint64
	granules    []*Region
}

// QueryModified calls fn for each run of dirty granules overlapping
// [va, va+size) and reprotects them.
func (m *MultiRegion) QueryModified(va, size uint64, fn func(va, size uint64)) {
	if size == 0 || len(m.granules) == 0 {
		return
	}
	end := va + size
	var runStart, runEnd uint64
	flush := func() {
		if runEnd > runStart {
			fn(runStart, runEnd-runStart)
		}
		runStart, runEnd = 0, 0
	}
	for _, g := range m.granules {
		if g.va+g.size <= va || g.va >= end {
			continue
		}
		if !g.Dirty() {
			flush()
			continue
		}
		if runEnd != g.va {
			flush()
			runStart = g.va
		}
		runEnd = g.va + g.size
		g.Reprotect()
	}
	flush()
}

// Close closes every granule.
func (m *MultiRegion) Close() {
	for _, g := range m.granules {
		g.Close()
	}
}
