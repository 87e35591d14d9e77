package addrspace

import "iter"

// PhysicalRegions yields the guest physical ranges backing [va, va+size),
// merging pages that are contiguous in physical memory. Unmapped pages are
// skipped. The sequence is empty for an out-of-range request and may be
// iterated more than once.
func (m *Manager) PhysicalRegions(va, size uint64) iter.Seq[Range] {
	return func(yield func(Range) bool) {
		var run Range
		for cur, n := range m.pieces(va, size) {
			pa, ok := m.translate(cur)
			if !ok {
				if run.Size != 0 && !yield(run) {
					return
				}
				run = Range{}
				continue
			}
			if run.Size != 0 && run.Address+run.Size == pa {
				run.Size += n
				continue
			}
			if run.Size != 0 && !yield(run) {
				return
			}
			run = Range{Address: pa, Size: n}
		}
		if run.Size != 0 {
			yield(run)
		}
	}
}

// HostRegions yields the host memory ranges backing [va, va+size). In
// host-mapped mode these are addresses inside the host view reservation;
// otherwise they point into the backing block.
func (m *Manager) HostRegions(va, size uint64) iter.Seq[HostRange] {
	return func(yield func(HostRange) bool) {
		var run HostRange
		for cur, n := range m.pieces(va, size) {
			host, ok := m.hostAddress(cur, n)
			if !ok {
				if run.Size != 0 && !yield(run) {
					return
				}
				run = HostRange{}
				continue
			}
			if run.Size != 0 && run.Address+uintptr(run.Size) == host {
				run.Size += n
				continue
			}
			if run.Size != 0 && !yield(run) {
				return
			}
			run = HostRange{Address: host, Size: n}
		}
		if run.Size != 0 {
			yield(run)
		}
	}
}

func (m *Manager) hostAddress(va, n uint64) (uintptr, bool) {
	if !m.IsMapped(va) {
		return 0, false
	}
	if m.reservation != nil {
		p, err := m.reservation.Pointer(va, n)
		return p, err == nil
	}
	pa, ok := m.pt.Read(va)
	if !ok {
		return 0, false
	}
	p, err := m.backing.Pointer(pa, n)
	return p, err == nil
}

// pieces splits [va, va+size) at page boundaries, yielding the start and
// length of each piece. Nothing is yielded for an out-of-range request or
// a closed Manager.
func (m *Manager) pieces(va, size uint64) iter.Seq2[uint64, uint64] {
	return func(yield func(uint64, uint64) bool) {
		if m.closed || size == 0 || !m.inBounds(va, size) {
			return
		}
		for cur, end := va, va+size; cur < end; {
			n := min(end-cur, m.pageSize-cur%m.pageSize)
			if !yield(cur, n) {
				return
			}
			cur += n
		}
	}
}

// mappedRuns yields runs of consecutive mapped pages in [first,
// first+count) as guest virtual ranges.
func (m *Manager) mappedRuns(first, count uint64) iter.Seq[Range] {
	return func(yield func(Range) bool) {
		end := first + count
		for p := first; p < end; p++ {
			if m.bitmap.get(p) == stateUnmapped {
				continue
			}
			start := p
			for p < end && m.bitmap.get(p) != stateUnmapped {
				p++
			}
			if !yield(Range{Address: start * m.pageSize, Size: (p - start) * m.pageSize}) {
				return
			}
		}
	}
}
