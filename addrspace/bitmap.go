package addrspace

import (
	"sync/atomic"

	"github.com/blacktop/go-guestmem"
)

// pageState is the two-bit per-page record kept in a pageBitmap. The values
// are ordered: a higher state permits every access a lower one does.
type pageState uint64

const (
	stateUnmapped pageState = iota
	stateNoAccess
	stateReadOnly
	stateReadWrite

	stateBits     = 2
	stateMask     = 1<<stateBits - 1
	statesPerWord = 64 / stateBits
)

func stateForPerm(perm guestmem.MemPerm) pageState {
	switch {
	case perm&guestmem.MemWrite != 0:
		return stateReadWrite
	case perm&guestmem.MemRead != 0:
		return stateReadOnly
	default:
		return stateNoAccess
	}
}

func (s pageState) perm() guestmem.MemPerm {
	switch s {
	case stateReadWrite:
		return guestmem.MemReadWrite
	case stateReadOnly:
		return guestmem.MemRead
	default:
		return guestmem.MemNone
	}
}

func (s pageState) allows(write bool) bool {
	if write {
		return s == stateReadWrite
	}
	return s >= stateReadOnly
}

// pageBitmap packs the state of every guest page into 2 bits. Words are
// accessed atomically so that tracking signals may check it while another
// goroutine reprotects.
type pageBitmap struct {
	words []atomic.Uint64
}

func newPageBitmap(pages uint64) *pageBitmap {
	return &pageBitmap{words: make([]atomic.Uint64, (pages+statesPerWord-1)/statesPerWord)}
}

func (b *pageBitmap) get(page uint64) pageState {
	w := b.words[page/statesPerWord].Load()
	return pageState(w>>((page%statesPerWord)*stateBits)) & stateMask
}

func (b *pageBitmap) set(page uint64, s pageState) {
	word := &b.words[page/statesPerWord]
	shift := (page % statesPerWord) * stateBits
	for {
		old := word.Load()
		nw := old&^(stateMask<<shift) | uint64(s)<<shift
		if old == nw || word.CompareAndSwap(old, nw) {
			return
		}
	}
}

func (b *pageBitmap) setRange(first, count uint64, s pageState) {
	for p := first; p < first+count; p++ {
		b.set(p, s)
	}
}

// reprotectRange changes the state of the mapped pages in the range and
// leaves unmapped ones alone.
func (b *pageBitmap) reprotectRange(first, count uint64, s pageState) {
	for p := first; p < first+count; p++ {
		word := &b.words[p/statesPerWord]
		shift := (p % statesPerWord) * stateBits
		for {
			old := word.Load()
			if pageState(old>>shift)&stateMask == stateUnmapped {
				break
			}
			nw := old&^(stateMask<<shift) | uint64(s)<<shift
			if old == nw || word.CompareAndSwap(old, nw) {
				break
			}
		}
	}
}

// allMapped reports whether no page in the range is unmapped.
func (b *pageBitmap) allMapped(first, count uint64) bool {
	for p := first; p < first+count; p++ {
		if b.get(p) == stateUnmapped {
			return false
		}
	}
	return true
}

// allUnmapped reports whether every page in the range is unmapped.
func (b *pageBitmap) allUnmapped(first, count uint64) bool {
	for p := first; p < first+count; p++ {
		if b.get(p) != stateUnmapped {
			return false
		}
	}
	return true
}

// allAllow reports whether every page in the range is mapped and permits
// the access.
func (b *pageBitmap) allAllow(first, count uint64, write bool) bool {
	for p := first; p < first+count; p++ {
		if !b.get(p).allows(write) {
			return false
		}
	}
	return true
}

// firstUnmapped returns the first unmapped page in the range.
func (b *pageBitmap) firstUnmapped(first, count uint64) (uint64, bool) {
	for p := first; p < first+count; p++ {
		if b.get(p) == stateUnmapped {
			return p, true
		}
	}
	return 0, false
}
