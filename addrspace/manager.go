// Package addrspace maps a guest virtual address space onto a guestmem
// Block holding guest physical memory.
//
// A Manager translates guest virtual addresses through a PageTable, keeps a
// two-bit presence and protection record per page, and feeds accesses to a
// Tracker so that writes to tracked ranges are observed. With HostMapped it
// also aliases every mapping into a host reservation so that the guest
// address space is contiguous in host memory.
//
// A Manager is not safe for concurrent use. The caller must serialize Map,
// Unmap and TrackingReprotect against guest execution.
package addrspace

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-guestmem"
	"github.com/blacktop/go-guestmem/pagetable"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// Range is a span of guest physical memory.
type Range struct {
	Address uint64
	Size    uint64
}

// HostRange is a span of host memory backing part of the guest.
type HostRange struct {
	Address uintptr
	Size    uint64
}

// MapFlags modify Map.
type MapFlags uint32

const (
	// MapPrivate is reserved for copy-on-write mappings and currently has
	// no effect.
	MapPrivate MapFlags = 1 << iota

	validMapFlags = MapPrivate
)

// Config configures a Manager.
type Config struct {
	// AddressSpaceSize is the size of the guest virtual address space. It
	// must be a non-zero multiple of the host page size.
	AddressSpaceSize uint64
	// PageTable defaults to a pagetable.Sparse.
	PageTable PageTable
	// Tracker receives map, unmap and access events. Nil disables tracking.
	Tracker Tracker
	// InvalidAccessHandler is consulted on access to unmapped memory.
	InvalidAccessHandler InvalidAccessHandler
	// HostMapped aliases mappings into a view-compatible host reservation.
	// The backing block must be mirrorable, and Map and Unmap arguments
	// must then be multiples of the backing's view alignment.
	HostMapped bool
	Logger     logrus.FieldLogger
}

type view struct {
	va   uint64
	pa   uint64
	size uint64
}

func (v view) end() uint64 { return v.va + v.size }

type subscriber struct {
	fn UnmapHandler
}

// Manager is a guest virtual address space.
type Manager struct {
	backing     *guestmem.Block
	backingSize uint64
	reservation *guestmem.Block
	views       *btree.BTreeG[view]
	// hostBits records the protection of the host views, which only
	// follows bitmap when tracking reprotects with guest set.
	hostBits *pageBitmap

	size     uint64
	pageSize uint64
	mapAlign uint64

	pt         PageTable
	tracker    Tracker
	hasTracker bool
	onInvalid  InvalidAccessHandler
	bitmap     *pageBitmap
	onUnmap    []*subscriber

	log    logrus.FieldLogger
	closed bool
}

// New creates an address space whose physical memory is backing. The
// Manager does not take ownership of backing.
func New(backing *guestmem.Block, cfg Config) (*Manager, error) {
	if backing == nil {
		return nil, errors.New("addrspace: nil backing block")
	}
	if backing.Closed() {
		return nil, guestmem.NewError(guestmem.KindObjectDisposed, "addrspace new", 0, 0, nil)
	}
	pageSize := backing.PageSize()
	if cfg.AddressSpaceSize == 0 || cfg.AddressSpaceSize%pageSize != 0 {
		return nil, guestmem.NewError(guestmem.KindInvalidMemoryRegion, "addrspace new", 0, cfg.AddressSpaceSize, nil)
	}
	backingSize, ok := guestmem.AlignUp(backing.Size(), pageSize)
	if !ok {
		return nil, guestmem.NewError(guestmem.KindInvalidMemoryRegion, "addrspace new", 0, backing.Size(), nil)
	}

	m := &Manager{
		backing:     backing,
		backingSize: backingSize,
		size:        cfg.AddressSpaceSize,
		pageSize:    pageSize,
		mapAlign:    pageSize,
		pt:          cfg.PageTable,
		tracker:     cfg.Tracker,
		hasTracker:  cfg.Tracker != nil,
		onInvalid:   cfg.InvalidAccessHandler,
		bitmap:      newPageBitmap(cfg.AddressSpaceSize / pageSize),
		log:         cfg.Logger,
	}
	if m.log == nil {
		m.log = guestmem.Logger()
	}
	if m.tracker == nil {
		m.tracker = nopTracker{}
	}
	if m.pt == nil {
		pt, err := pagetable.NewSparse(pageSize)
		if err != nil {
			return nil, err
		}
		m.pt = pt
	}

	if cfg.HostMapped {
		if backing.Flags()&guestmem.FlagMirrorable == 0 {
			return nil, guestmem.NewError(guestmem.KindUnsupportedOperation, "addrspace new", 0, 0,
				errors.New("host-mapped address space needs a mirrorable backing"))
		}
		res, err := guestmem.NewWithBackend(backing.Backend(), cfg.AddressSpaceSize, guestmem.FlagReserve|guestmem.FlagViewCompatible)
		if err != nil {
			return nil, fmt.Errorf("addrspace: reserve host address space: %w", err)
		}
		m.reservation = res
		m.mapAlign = res.ViewAlignment()
		m.views = btree.NewG(8, func(a, b view) bool { return a.va < b.va })
		m.hostBits = newPageBitmap(cfg.AddressSpaceSize / pageSize)
	}

	m.log.WithFields(logrus.Fields{
		"size":        cfg.AddressSpaceSize,
		"backing":     backing.Size(),
		"host_mapped": cfg.HostMapped,
		"tracking":    m.hasTracker,
	}).Debug("addrspace: created address space")
	return m, nil
}

// Size returns the size of the guest virtual address space.
func (m *Manager) Size() uint64 { return m.size }

// PageSize returns the guest page size, which equals the host page size.
func (m *Manager) PageSize() uint64 { return m.pageSize }

// HostMapped reports whether mappings are aliased into host memory.
func (m *Manager) HostMapped() bool { return m.reservation != nil }

// HostBase returns the host address of guest address 0 in host-mapped mode
// and 0 otherwise.
func (m *Manager) HostBase() uintptr {
	if m.reservation == nil || m.closed {
		return 0
	}
	p, err := m.reservation.Pointer(0, 0)
	if err != nil {
		return 0
	}
	return p
}

func (m *Manager) inBounds(va, size uint64) bool {
	end := va + size
	return end >= va && end <= m.size
}

// pageSpan returns the pages covering [va, va+size). The range must be in
// bounds.
func (m *Manager) pageSpan(va, size uint64) (first, count uint64) {
	if size == 0 {
		return va / m.pageSize, 0
	}
	first = va / m.pageSize
	last := (va + size - 1) / m.pageSize
	return first, last - first + 1
}

// MapAlignment returns the granularity of Map and Unmap arguments: the page
// size, or the view alignment in host-mapped mode.
func (m *Manager) MapAlignment() uint64 { return m.mapAlign }

func (m *Manager) aligned(v uint64) bool { return v%m.mapAlign == 0 }

func (m *Manager) disposed(op string) error {
	return guestmem.NewError(guestmem.KindObjectDisposed, op, 0, 0, nil)
}

// Map maps size bytes of guest physical memory at pa to va. All three must
// be multiples of MapAlignment. Pages already mapped in the range are unmapped first.
func (m *Manager) Map(va, pa, size uint64, flags MapFlags) error {
	if m.closed {
		return m.disposed("map")
	}
	if flags&^validMapFlags != 0 {
		return guestmem.NewError(guestmem.KindUnsupportedOperation, "map", va, size, fmt.Errorf("unknown map flags 0x%x", uint32(flags)))
	}
	if size == 0 || !m.aligned(va) || !m.aligned(pa) || !m.aligned(size) {
		return guestmem.NewError(guestmem.KindInvalidMemoryRegion, "map", va, size, nil)
	}
	if !m.inBounds(va, size) || pa+size < pa || pa+size > m.backingSize {
		return guestmem.NewError(guestmem.KindInvalidMemoryRegion, "map", va, size, nil)
	}

	first, count := m.pageSpan(va, size)
	if !m.bitmap.allUnmapped(first, count) {
		if err := m.unmap(va, size); err != nil {
			return err
		}
	}

	for off := uint64(0); off < size; off += m.pageSize {
		m.pt.Map(va+off, pa+off)
	}
	if m.reservation != nil {
		if err := m.reservation.MapView(m.backing, pa, va, size); err != nil {
			for off := uint64(0); off < size; off += m.pageSize {
				m.pt.Unmap(va + off)
			}
			return err
		}
		m.views.ReplaceOrInsert(view{va: va, pa: pa, size: size})
		m.hostBits.setRange(first, count, stateReadWrite)
	}
	m.tracker.Map(va, size)
	m.bitmap.setRange(first, count, stateReadWrite)

	m.log.WithFields(logrus.Fields{
		"va":   fmt.Sprintf("0x%x", va),
		"pa":   fmt.Sprintf("0x%x", pa),
		"size": size,
	}).Debug("addrspace: mapped")
	return nil
}

// Unmap unmaps [va, va+size), which must be aligned to MapAlignment. Unmap handlers
// run first, then the tracker is told, then the presence bits are cleared,
// and finally the translations and host views are removed.
func (m *Manager) Unmap(va, size uint64) error {
	if m.closed {
		return m.disposed("unmap")
	}
	if size == 0 || !m.aligned(va) || !m.aligned(size) || !m.inBounds(va, size) {
		return guestmem.NewError(guestmem.KindInvalidMemoryRegion, "unmap", va, size, nil)
	}
	return m.unmap(va, size)
}

func (m *Manager) unmap(va, size uint64) error {
	first, count := m.pageSpan(va, size)
	if m.bitmap.allUnmapped(first, count) {
		return nil
	}

	for _, s := range m.onUnmap {
		s.fn(va, size)
	}
	m.tracker.Unmap(va, size)
	m.bitmap.setRange(first, count, stateUnmapped)
	for off := uint64(0); off < size; off += m.pageSize {
		m.pt.Unmap(va + off)
	}

	var err error
	if m.reservation != nil {
		m.hostBits.setRange(first, count, stateUnmapped)
		err = m.unmapViews(va, size)
	}
	m.log.WithFields(logrus.Fields{
		"va":   fmt.Sprintf("0x%x", va),
		"size": size,
	}).Debug("addrspace: unmapped")
	return err
}

// unmapViews removes the host views overlapping [va, va+size), remapping
// the parts of partially covered views that lie outside the range.
func (m *Manager) unmapViews(va, size uint64) error {
	end := va + size
	var hit []view
	m.views.DescendLessOrEqual(view{va: va}, func(v view) bool {
		if v.end() > va {
			hit = append(hit, v)
		}
		return false
	})
	m.views.AscendRange(view{va: va + 1}, view{va: end}, func(v view) bool {
		hit = append(hit, v)
		return true
	})

	var errs []error
	for _, v := range hit {
		m.views.Delete(v)
		if err := m.reservation.UnmapView(m.backing, v.va, v.size); err != nil {
			errs = append(errs, err)
			continue
		}
		if v.va < va {
			left := view{va: v.va, pa: v.pa, size: va - v.va}
			errs = append(errs, m.remapView(left))
		}
		if v.end() > end {
			right := view{va: end, pa: v.pa + (end - v.va), size: v.end() - end}
			errs = append(errs, m.remapView(right))
		}
	}
	return errors.Join(errs...)
}

// remapView maps v again and restores the host protection its pages had.
func (m *Manager) remapView(v view) error {
	if err := m.reservation.MapView(m.backing, v.pa, v.va, v.size); err != nil {
		return err
	}
	m.views.ReplaceOrInsert(v)

	first, count := m.pageSpan(v.va, v.size)
	end := first + count
	for p := first; p < end; {
		s := m.hostBits.get(p)
		start := p
		for p < end && m.hostBits.get(p) == s {
			p++
		}
		if s == stateReadWrite || s == stateUnmapped {
			continue
		}
		if err := m.reservation.Reprotect(start*m.pageSize, (p-start)*m.pageSize, s.perm()); err != nil {
			return err
		}
	}
	return nil
}

// OnUnmap registers fn to run at the start of every Unmap that affects
// mapped pages. The returned function removes the registration.
func (m *Manager) OnUnmap(fn UnmapHandler) (cancel func()) {
	s := &subscriber{fn: fn}
	m.onUnmap = append(m.onUnmap, s)
	return func() {
		for i, o := range m.onUnmap {
			if o == s {
				m.onUnmap = append(m.onUnmap[:i], m.onUnmap[i+1:]...)
				return
			}
		}
	}
}

// IsMapped reports whether the page containing va is mapped.
func (m *Manager) IsMapped(va uint64) bool {
	if m.closed || va >= m.size {
		return false
	}
	return m.bitmap.get(va/m.pageSize) != stateUnmapped
}

// IsRangeMapped reports whether every page overlapping [va, va+size) is
// mapped. An empty in-bounds range is mapped.
func (m *Manager) IsRangeMapped(va, size uint64) bool {
	if m.closed || !m.inBounds(va, size) {
		return false
	}
	first, count := m.pageSpan(va, size)
	return m.bitmap.allMapped(first, count)
}

// Translate returns the guest physical address for va.
func (m *Manager) Translate(va uint64) (uint64, error) {
	if m.closed {
		return 0, m.disposed("translate")
	}
	pa, ok := m.translate(va)
	if !ok {
		return 0, guestmem.NewError(guestmem.KindInvalidAccess, "translate", va, 0, nil)
	}
	return pa, nil
}

func (m *Manager) translate(va uint64) (uint64, bool) {
	if !m.IsMapped(va) {
		return 0, false
	}
	return m.pt.Read(va)
}

// Read copies guest memory at va into dst without signalling the tracker.
func (m *Manager) Read(va uint64, dst []byte) error {
	return m.access("read", va, dst, false)
}

// ReadTracked is Read preceded by a read tracking signal.
func (m *Manager) ReadTracked(va uint64, dst []byte) error {
	m.SignalMemoryTracking(va, uint64(len(dst)), false, false)
	return m.access("read", va, dst, false)
}

// Write signals the tracker and copies src into guest memory at va.
func (m *Manager) Write(va uint64, src []byte) error {
	m.SignalMemoryTracking(va, uint64(len(src)), true, false)
	return m.access("write", va, src, true)
}

// WriteUntracked copies src into guest memory without signalling the
// tracker.
func (m *Manager) WriteUntracked(va uint64, src []byte) error {
	return m.access("write", va, src, true)
}

// Fill signals the tracker and sets size bytes at va to value.
func (m *Manager) Fill(va, size uint64, value byte) error {
	if m.closed {
		return m.disposed("fill")
	}
	m.SignalMemoryTracking(va, size, true, false)
	if err := m.checkAccess("fill", va, size); err != nil || size == 0 {
		return m.handleInvalid(err, nil)
	}
	for cur, end := va, va+size; cur < end; {
		n := min(end-cur, m.pageSize-cur%m.pageSize)
		pa, _ := m.pt.Read(cur)
		if err := m.backing.Fill(pa, n, value); err != nil {
			return err
		}
		cur += n
	}
	return nil
}

// checkAccess returns an invalid access error for the first unmapped byte
// of [va, va+size), or nil if the whole range is mapped.
func (m *Manager) checkAccess(op string, va, size uint64) error {
	if !m.inBounds(va, size) {
		return guestmem.NewError(guestmem.KindInvalidAccess, op, va, size, nil)
	}
	first, count := m.pageSpan(va, size)
	if p, ok := m.bitmap.firstUnmapped(first, count); ok {
		return guestmem.NewError(guestmem.KindInvalidAccess, op, max(va, p*m.pageSize), size, nil)
	}
	return nil
}

// handleInvalid passes an invalid access to the handler. On success a read
// returns zeroes in buf and a write is dropped.
func (m *Manager) handleInvalid(err error, buf []byte) error {
	var ge *guestmem.Error
	if err == nil || !errors.As(err, &ge) || ge.Kind != guestmem.KindInvalidAccess {
		return err
	}
	guestmem.RecordInvalidAccess()
	if m.onInvalid == nil || !m.onInvalid(ge.Offset) {
		return err
	}
	clear(buf)
	m.log.WithFields(logrus.Fields{
		"op": ge.Op,
		"va": fmt.Sprintf("0x%x", ge.Offset),
	}).Warn("addrspace: invalid access handled")
	return nil
}

func (m *Manager) access(op string, va uint64, buf []byte, write bool) error {
	if m.closed {
		return m.disposed(op)
	}
	size := uint64(len(buf))
	if size == 0 {
		return nil
	}
	if err := m.checkAccess(op, va, size); err != nil {
		if write {
			return m.handleInvalid(err, nil)
		}
		return m.handleInvalid(err, buf)
	}

	// Data moves through the backing, whose own mapping is never
	// reprotected, so tracking traps in the host view cannot fault here.
	var done uint64
	for done < size {
		cur := va + done
		n := min(size-done, m.pageSize-cur%m.pageSize)
		pa, _ := m.pt.Read(cur)
		var err error
		if write {
			err = m.backing.Write(pa, buf[done:done+n])
		} else {
			err = m.backing.Read(pa, buf[done:done+n])
		}
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

// ReadUint32 reads a little-endian uint32 at va.
func (m *Manager) ReadUint32(va uint64) (uint32, error) {
	var buf [4]byte
	err := m.Read(va, buf[:])
	return binary.LittleEndian.Uint32(buf[:]), err
}

// ReadUint64 reads a little-endian uint64 at va.
func (m *Manager) ReadUint64(va uint64) (uint64, error) {
	var buf [8]byte
	err := m.Read(va, buf[:])
	return binary.LittleEndian.Uint64(buf[:]), err
}

// WriteUint32 writes v little-endian at va.
func (m *Manager) WriteUint32(va uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return m.Write(va, buf[:])
}

// WriteUint64 writes v little-endian at va.
func (m *Manager) WriteUint64(va uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return m.Write(va, buf[:])
}

// SignalMemoryTracking reports an access to the tracker. A precise signal
// always reaches the tracker; otherwise the tracker is only consulted when
// some page in the range is unmapped or protected against the access.
func (m *Manager) SignalMemoryTracking(va, size uint64, write, precise bool) {
	if m.closed || size == 0 {
		return
	}
	if precise {
		m.tracker.VirtualMemoryEvent(va, size, write, true)
		return
	}
	if !m.inBounds(va, size) {
		return
	}
	first, count := m.pageSpan(va, size)
	if m.bitmap.allAllow(first, count, write) {
		return
	}
	m.tracker.VirtualMemoryEvent(va, size, write, false)
}

// TrackingReprotect sets the protection of the mapped pages overlapping
// [va, va+size). The page record is always updated; with guest set, the
// host view is reprotected too in host-mapped mode. The record is only
// changed once the host reprotect succeeded, so the two never disagree.
func (m *Manager) TrackingReprotect(va, size uint64, perm guestmem.MemPerm, guest bool) error {
	if m.closed {
		return m.disposed("tracking reprotect")
	}
	if size == 0 {
		return nil
	}
	if !m.inBounds(va, size) {
		return guestmem.NewError(guestmem.KindInvalidMemoryRegion, "tracking reprotect", va, size, nil)
	}
	first, count := m.pageSpan(va, size)
	if guest && m.reservation != nil {
		for run := range m.mappedRuns(first, count) {
			if err := m.reservation.Reprotect(run.Address, run.Size, perm); err != nil {
				return err
			}
		}
		m.hostBits.reprotectRange(first, count, stateForPerm(perm))
	}
	m.bitmap.reprotectRange(first, count, stateForPerm(perm))
	return nil
}

// BeginTracking starts tracking writes to [va, va+size).
func (m *Manager) BeginTracking(va, size uint64) (RegionHandle, error) {
	if err := m.trackingArgs("begin tracking", va, size); err != nil {
		return nil, err
	}
	return m.tracker.BeginTracking(va, size), nil
}

// BeginGranularTracking tracks [va, va+size) in granules of granularity
// bytes, a power of two no smaller than the page size.
func (m *Manager) BeginGranularTracking(va, size, granularity uint64) (MultiRegionHandle, error) {
	if err := m.trackingArgs("begin granular tracking", va, size); err != nil {
		return nil, err
	}
	if granularity < m.pageSize || granularity&(granularity-1) != 0 {
		return nil, guestmem.NewError(guestmem.KindInvalidMemoryRegion, "begin granular tracking", va, granularity, nil)
	}
	return m.tracker.BeginGranularTracking(va, size, granularity), nil
}

func (m *Manager) trackingArgs(op string, va, size uint64) error {
	if m.closed {
		return m.disposed(op)
	}
	if !m.hasTracker {
		return guestmem.NewError(guestmem.KindUnsupportedOperation, op, va, size, errors.New("no tracker configured"))
	}
	if size == 0 || !m.inBounds(va, size) {
		return guestmem.NewError(guestmem.KindInvalidMemoryRegion, op, va, size, nil)
	}
	return nil
}

// Close unmaps everything, running unmap handlers, and releases the host
// reservation. The backing block is left open. Close is idempotent.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	var errs []error
	for run := range m.mappedRuns(0, m.size/m.pageSize) {
		errs = append(errs, m.unmap(run.Address, run.Size))
	}
	m.closed = true
	if m.reservation != nil {
		errs = append(errs, m.reservation.Close())
	}
	m.log.Debug("addrspace: closed address space")
	return errors.Join(errs...)
}
