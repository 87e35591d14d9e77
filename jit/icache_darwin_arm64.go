//go:build darwin && arm64 && cgo

package jit

/*
#include <pthread.h>
#include <string.h>
#include <libkern/OSCacheControl.h>

// JIT write protection is per thread, so the toggle, the copy and the
// invalidation must all happen inside one call.
static void guestmem_jit_write(void *dst, const void *src, size_t n) {
	pthread_jit_write_protect_np(0);
	memcpy(dst, src, n);
	pthread_jit_write_protect_np(1);
	sys_icache_invalidate(dst, n);
}

static void guestmem_icache_invalidate(void *addr, size_t n) {
	sys_icache_invalidate(addr, n);
}
*/
import "C"

import "unsafe"

const (
	icacheSupported   = true
	hasPrivilegedCopy = true
)

func invalidateICache(addr, size uintptr) {
	C.guestmem_icache_invalidate(unsafe.Pointer(addr), C.size_t(size))
}

// privilegedCopy writes src to MAP_JIT memory at dst and invalidates the
// instruction cache for it.
func privilegedCopy(dst uintptr, src []byte) {
	if len(src) == 0 {
		return
	}
	C.guestmem_jit_write(unsafe.Pointer(dst), unsafe.Pointer(&src[0]), C.size_t(len(src)))
}
