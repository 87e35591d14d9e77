// Package pagetable provides a sparse guest page table mapping page-aligned
// virtual addresses to physical offsets.
package pagetable

import "fmt"

const (
	leafBits    = 9
	leafEntries = 1 << leafBits
	leafMask    = leafEntries - 1

	// present is set in every stored entry. Physical addresses are page
	// aligned so bit 0 is otherwise unused.
	present = 1
)

type leaf struct {
	entries [leafEntries]uint64
	live    int
}

// Sparse is a two-level table: a map from the upper bits of the virtual
// page number to fixed-size leaves. Leaves are allocated on first Map and
// dropped when their last entry is unmapped.
//
// Sparse is not safe for concurrent mutation.
type Sparse struct {
	pageShift uint
	pageMask  uint64
	leaves    map[uint64]*leaf
	count     int
}

// NewSparse returns an empty table for pages of pageSize bytes, which must
// be a power of two.
func NewSparse(pageSize uint64) (*Sparse, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("pagetable: page size %d is not a power of two", pageSize)
	}
	shift := uint(0)
	for uint64(1)<<shift != pageSize {
		shift++
	}
	return &Sparse{
		pageShift: shift,
		pageMask:  pageSize - 1,
		leaves:    make(map[uint64]*leaf),
	}, nil
}

func (s *Sparse) index(va uint64) (uint64, uint64) {
	vpn := va >> s.pageShift
	return vpn >> leafBits, vpn & leafMask
}

// Map installs va -> pa for the page containing va. Both are truncated to
// their page.
func (s *Sparse) Map(va, pa uint64) {
	hi, lo := s.index(va)
	l := s.leaves[hi]
	if l == nil {
		l = new(leaf)
		s.leaves[hi] = l
	}
	if l.entries[lo] == 0 {
		l.live++
		s.count++
	}
	l.entries[lo] = pa&^s.pageMask | present
}

// Unmap removes the entry for the page containing va, if any.
func (s *Sparse) Unmap(va uint64) {
	hi, lo := s.index(va)
	l := s.leaves[hi]
	if l == nil || l.entries[lo] == 0 {
		return
	}
	l.entries[lo] = 0
	l.live--
	s.count--
	if l.live == 0 {
		delete(s.leaves, hi)
	}
}

// Read translates va, keeping its offset within the page. ok is false when
// the page is not mapped.
func (s *Sparse) Read(va uint64) (pa uint64, ok bool) {
	hi, lo := s.index(va)
	l := s.leaves[hi]
	if l == nil {
		return 0, false
	}
	e := l.entries[lo]
	if e == 0 {
		return 0, false
	}
	return e&^s.pageMask | va&s.pageMask, true
}

// Len returns the number of mapped pages.
func (s *Sparse) Len() int { return s.count }
