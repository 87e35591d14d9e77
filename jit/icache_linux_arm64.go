//go:build linux && arm64 && cgo

package jit

/*
#include <stddef.h>

static void guestmem_icache_invalidate(void *addr, size_t n) {
	__builtin___clear_cache((char *)addr, (char *)addr + n);
}
*/
import "C"

import "unsafe"

const icacheSupported = true

func invalidateICache(addr, size uintptr) {
	C.guestmem_icache_invalidate(unsafe.Pointer(addr), C.size_t(size))
}
