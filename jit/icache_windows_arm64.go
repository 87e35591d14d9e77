//go:build windows && arm64

package jit

import "golang.org/x/sys/windows"

var procFlushInstructionCache = windows.NewLazySystemDLL("kernel32.dll").NewProc("FlushInstructionCache")

const icacheSupported = true

func invalidateICache(addr, size uintptr) {
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, size)
}
