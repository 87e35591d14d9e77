//go:build !(darwin && arm64 && cgo)

package jit

const hasPrivilegedCopy = false

func privilegedCopy(dst uintptr, src []byte) {
	panic("jit: privileged copy is not available on this platform")
}
