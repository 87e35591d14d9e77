// Package rangealloc implements a best-fit free-list allocator over a
// single linear byte range.
package rangealloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// ErrBadFree is returned by Free for ranges that are outside the arena or
// overlap memory that is already free.
var ErrBadFree = errors.New("rangealloc: free of a range that is not allocated")

type span struct {
	offset uint64
	size   uint64
}

func (s span) end() uint64 { return s.offset + s.size }

func byOffset(a, b span) bool { return a.offset < b.offset }

// bySize orders by size then offset, so the first entry not less than
// {size, 0} is the best fit with the lowest offset.
func bySize(a, b span) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.offset < b.offset
}

// FreeList hands out ranges of [0, Size). Free ranges are indexed twice:
// by offset for coalescing neighbours and by size for best-fit lookup.
// It is safe for concurrent use.
type FreeList struct {
	mu        sync.Mutex
	size      uint64
	available uint64
	offsets   *btree.BTreeG[span]
	sizes     *btree.BTreeG[span]
}

// New returns a FreeList with all of [0, size) free.
func New(size uint64) *FreeList {
	f := &FreeList{
		size:    size,
		offsets: btree.NewG(16, byOffset),
		sizes:   btree.NewG(16, bySize),
	}
	if size > 0 {
		f.insert(span{0, size})
	}
	return f
}

func (f *FreeList) insert(s span) {
	f.offsets.ReplaceOrInsert(s)
	f.sizes.ReplaceOrInsert(s)
	f.available += s.size
}

func (f *FreeList) remove(s span) {
	f.offsets.Delete(s)
	f.sizes.Delete(s)
	f.available -= s.size
}

// Allocate returns the offset of a free range of size bytes, taken from
// the front of the smallest free range that fits. ok is false when no free
// range is large enough.
func (f *FreeList) Allocate(size uint64) (offset uint64, ok bool) {
	if size == 0 {
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var best span
	f.sizes.AscendGreaterOrEqual(span{size: size}, func(s span) bool {
		best, ok = s, true
		return false
	})
	if !ok {
		return 0, false
	}
	f.remove(best)
	if best.size > size {
		f.insert(span{best.offset + size, best.size - size})
	}
	return best.offset, true
}

// Free returns [offset, offset+size) to the free list, merging it with
// adjacent free ranges.
func (f *FreeList) Free(offset, size uint64) error {
	end := offset + size
	if size == 0 || end < offset || end > f.size {
		return fmt.Errorf("%w: [0x%x, 0x%x) outside [0, 0x%x)", ErrBadFree, offset, end, f.size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	merged := span{offset, size}

	var prev, next span
	var hasPrev, hasNext bool
	f.offsets.DescendLessOrEqual(span{offset: offset}, func(s span) bool {
		prev, hasPrev = s, true
		return false
	})
	f.offsets.AscendGreaterOrEqual(span{offset: offset}, func(s span) bool {
		next, hasNext = s, true
		return false
	})
	if hasPrev && prev.end() > offset {
		return fmt.Errorf("%w: [0x%x, 0x%x) overlaps free [0x%x, 0x%x)", ErrBadFree, offset, end, prev.offset, prev.end())
	}
	if hasNext && next.offset < end {
		return fmt.Errorf("%w: [0x%x, 0x%x) overlaps free [0x%x, 0x%x)", ErrBadFree, offset, end, next.offset, next.end())
	}

	if hasPrev && prev.end() == offset {
		f.remove(prev)
		merged = span{prev.offset, merged.size + prev.size}
	}
	if hasNext && next.offset == end {
		f.remove(next)
		merged.size += next.size
	}
	f.insert(merged)
	return nil
}

// Available returns the number of free bytes.
func (f *FreeList) Available() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

// Size returns the size of the managed range.
func (f *FreeList) Size() uint64 { return f.size }

// Fragments returns the number of disjoint free ranges.
func (f *FreeList) Fragments() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offsets.Len()
}
