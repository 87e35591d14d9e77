package guestmem

import (
	"math"
	"sync"
)

var (
	cachedPageSize uint64
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

func initPageSize() {
	cachedPageSize = uint64(DefaultBackend().Capabilities().PageSize)
	if cachedPageSize == 0 || cachedPageSize&(cachedPageSize-1) != 0 {
		cachedPageSize = 4096
	}
	cachedPageMask = cachedPageSize - 1
}

// PageSize returns the host page size, cached for performance
func PageSize() uint64 {
	pageSizeOnce.Do(initPageSize)
	return cachedPageSize
}

// IsPageAligned returns true if v is a multiple of the host page size
func IsPageAligned(v uint64) bool {
	pageSizeOnce.Do(initPageSize)
	return v&cachedPageMask == 0
}

// PageRoundDown rounds v down to a page boundary.
func PageRoundDown(v uint64) uint64 {
	pageSizeOnce.Do(initPageSize)
	return v &^ cachedPageMask
}

// PageRoundUp rounds v up to a page boundary. ok is false if the result
// would wrap around.
func PageRoundUp(v uint64) (r uint64, ok bool) {
	pageSizeOnce.Do(initPageSize)
	if v > math.MaxUint64-cachedPageMask {
		return 0, false
	}
	return (v + cachedPageMask) &^ cachedPageMask, true
}

// AlignUp rounds v up to align, which must be a power of two.
func AlignUp(v, align uint64) (uint64, bool) {
	mask := align - 1
	if v > math.MaxUint64-mask {
		return 0, false
	}
	return (v + mask) &^ mask, true
}

// checkRange validates [offset, offset+size) against limit without
// overflowing.
func checkRange(offset, size, limit uint64) bool {
	end := offset + size
	return end >= offset && end <= limit
}

// pageSpan expands [offset, offset+size) outward to multiples of
// pageSize, a power of two.
func pageSpan(offset, size, pageSize uint64) (start, length uint64, ok bool) {
	if offset+size < offset {
		return 0, 0, false
	}
	start = offset &^ (pageSize - 1)
	end, ok := AlignUp(offset+size, pageSize)
	if !ok {
		return 0, 0, false
	}
	return start, end - start, true
}
