package guestmem

import (
	"sync/atomic"
)

// Counters for block and backend operations
var (
	blocksCreated   uint64
	blocksClosed    uint64
	mirrorsCreated  uint64
	commitOps       uint64
	decommitOps     uint64
	reprotectOps    uint64
	viewMapOps      uint64
	viewUnmapOps    uint64
	committedBytes  uint64
	jitMapOps       uint64
	jitUnmapOps     uint64
	invalidAccesses uint64

	// Error counters
	protectionErrors uint64
	backendErrors    uint64
)

// Metrics is a point-in-time snapshot of the package counters.
type Metrics struct {
	BlocksCreated    uint64 `json:"blocks_created"`
	BlocksClosed     uint64 `json:"blocks_closed"`
	MirrorsCreated   uint64 `json:"mirrors_created"`
	CommitOps        uint64 `json:"commit_operations"`
	DecommitOps      uint64 `json:"decommit_operations"`
	ReprotectOps     uint64 `json:"reprotect_operations"`
	ViewMapOps       uint64 `json:"view_map_operations"`
	ViewUnmapOps     uint64 `json:"view_unmap_operations"`
	CommittedBytes   uint64 `json:"committed_bytes"`
	JITMapOps        uint64 `json:"jit_map_operations"`
	JITUnmapOps      uint64 `json:"jit_unmap_operations"`
	InvalidAccesses  uint64 `json:"invalid_accesses"`
	ProtectionErrors uint64 `json:"protection_errors"`
	BackendErrors    uint64 `json:"backend_errors"`
}

// GetMetrics returns current metrics
func GetMetrics() Metrics {
	return Metrics{
		BlocksCreated:    atomic.LoadUint64(&blocksCreated),
		BlocksClosed:     atomic.LoadUint64(&blocksClosed),
		MirrorsCreated:   atomic.LoadUint64(&mirrorsCreated),
		CommitOps:        atomic.LoadUint64(&commitOps),
		DecommitOps:      atomic.LoadUint64(&decommitOps),
		ReprotectOps:     atomic.LoadUint64(&reprotectOps),
		ViewMapOps:       atomic.LoadUint64(&viewMapOps),
		ViewUnmapOps:     atomic.LoadUint64(&viewUnmapOps),
		CommittedBytes:   atomic.LoadUint64(&committedBytes),
		JITMapOps:        atomic.LoadUint64(&jitMapOps),
		JITUnmapOps:      atomic.LoadUint64(&jitUnmapOps),
		InvalidAccesses:  atomic.LoadUint64(&invalidAccesses),
		ProtectionErrors: atomic.LoadUint64(&protectionErrors),
		BackendErrors:    atomic.LoadUint64(&backendErrors),
	}
}

// ResetMetrics clears all metrics
func ResetMetrics() {
	atomic.StoreUint64(&blocksCreated, 0)
	atomic.StoreUint64(&blocksClosed, 0)
	atomic.StoreUint64(&mirrorsCreated, 0)
	atomic.StoreUint64(&commitOps, 0)
	atomic.StoreUint64(&decommitOps, 0)
	atomic.StoreUint64(&reprotectOps, 0)
	atomic.StoreUint64(&viewMapOps, 0)
	atomic.StoreUint64(&viewUnmapOps, 0)
	atomic.StoreUint64(&committedBytes, 0)
	atomic.StoreUint64(&jitMapOps, 0)
	atomic.StoreUint64(&jitUnmapOps, 0)
	atomic.StoreUint64(&invalidAccesses, 0)
	atomic.StoreUint64(&protectionErrors, 0)
	atomic.StoreUint64(&backendErrors, 0)
}

func recordBlockCreate(mirror bool) {
	atomic.AddUint64(&blocksCreated, 1)
	if mirror {
		atomic.AddUint64(&mirrorsCreated, 1)
	}
}

func recordBlockClose() {
	atomic.AddUint64(&blocksClosed, 1)
}

func recordCommit(size uint64) {
	atomic.AddUint64(&commitOps, 1)
	atomic.AddUint64(&committedBytes, size)
}

func recordDecommit() {
	atomic.AddUint64(&decommitOps, 1)
}

func recordReprotect() {
	atomic.AddUint64(&reprotectOps, 1)
}

func recordViewMap() {
	atomic.AddUint64(&viewMapOps, 1)
}

func recordViewUnmap() {
	atomic.AddUint64(&viewUnmapOps, 1)
}

func recordProtectionError() {
	atomic.AddUint64(&protectionErrors, 1)
}

func recordBackendError() {
	atomic.AddUint64(&backendErrors, 1)
}

// RecordJITMap counts a routine placed in a code cache.
func RecordJITMap() {
	atomic.AddUint64(&jitMapOps, 1)
}

// RecordJITUnmap counts a routine released from a code cache.
func RecordJITUnmap() {
	atomic.AddUint64(&jitUnmapOps, 1)
}

// RecordInvalidAccess counts a guest access to an unmapped address.
func RecordInvalidAccess() {
	atomic.AddUint64(&invalidAccesses, 1)
}
