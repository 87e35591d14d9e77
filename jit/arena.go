package jit

import (
	"fmt"

	"github.com/blacktop/go-guestmem"
)

// reservedRegion is an executable reservation whose committed part grows
// from the start in multiples of the commit granularity.
type reservedRegion struct {
	block       *guestmem.Block
	size        uint64
	granularity uint64
	committed   uint64
}

func newReservedRegion(backend guestmem.Backend, size, granularity uint64) (*reservedRegion, error) {
	block, err := guestmem.NewWithBackend(backend, size, guestmem.FlagReserve|guestmem.FlagExecutable)
	if err != nil {
		return nil, fmt.Errorf("jit: reserve %d byte arena: %w", size, err)
	}
	return &reservedRegion{block: block, size: size, granularity: granularity}, nil
}

func (r *reservedRegion) base() uintptr {
	p, err := r.block.Pointer(0, 0)
	if err != nil {
		return 0
	}
	return p
}

// expandIfNeeded commits enough of the arena to cover [0, end). It returns
// the newly committed range, which is empty if nothing changed.
func (r *reservedRegion) expandIfNeeded(end uint64) (from, size uint64, err error) {
	if end <= r.committed {
		return 0, 0, nil
	}
	if end > r.size {
		return 0, 0, guestmem.NewError(guestmem.KindOutOfMemory, "jit expand", 0, end, nil)
	}
	target, ok := guestmem.AlignUp(end, r.granularity)
	if !ok || target > r.size {
		target = r.size
	}
	from, size = r.committed, target-r.committed
	if err := r.block.Commit(from, size); err != nil {
		return 0, 0, err
	}
	r.committed = target
	return from, size, nil
}

func (r *reservedRegion) close() error {
	return r.block.Close()
}
