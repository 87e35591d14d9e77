// Package guestmem provides host memory blocks for emulating guest memory.
//
// A Block reserves, commits, protects and releases host memory through a
// per-OS Backend, and can be backed by a shareable object so that the same
// pages are mapped at more than one host address (mirrors) or aliased into
// another block's reservation (views).
//
// The addrspace package builds a guest virtual address space on top of a
// Block, and the jit package manages an executable arena for generated
// code.
//
// # Basic Usage
//
// Check what the host supports:
//
//	if !guestmem.Supported() {
//		log.Fatal("no memory backend for this platform")
//	}
//	caps := guestmem.DefaultBackend().Capabilities()
//	fmt.Printf("%s: page size %d, views %v\n", caps.Name, caps.PageSize, caps.Views)
//
// Reserve a large block and commit pages on demand:
//
//	b, err := guestmem.New(1<<30, guestmem.FlagReserve)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	if err := b.Commit(0, 4096); err != nil {
//		log.Fatal(err)
//	}
//	b.WriteUint32(0, 0xd503201f)
//
// Mirror a shareable block:
//
//	orig, err := guestmem.New(64<<10, guestmem.FlagMirrorable)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer orig.Close()
//
//	mirror, err := orig.Mirror()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mirror.Close()
//
//	orig.Write(100, []byte{1, 2, 3, 4})
//	buf := make([]byte, 4)
//	mirror.Read(100, buf) // buf == {1, 2, 3, 4}
//
// # Error Handling
//
// Failures are returned as *Error values carrying a Kind, the operation and
// the offending range. Use errors.Is with the Err* sentinels:
//
//	if errors.Is(err, guestmem.ErrInvalidMemoryRegion) {
//		// offset+size was out of bounds
//	}
//
// Messages include offsets and sizes unless GUESTMEM_ENV is "production"
// or GUESTMEM_DEBUG is false.
//
// # Resource Management
//
// Blocks must be closed explicitly with Close. There are no finalizers.
// Close is safe to call more than once and from several goroutines; only
// the block that created a shared backing destroys it.
//
// # Platform Support
//
// Linux and macOS use mmap on amd64 and arm64, Windows uses VirtualAlloc
// and section objects. Other platforms get a backend that fails every call
// with ErrPlatformNotSupported. On Apple silicon built with cgo, executable
// memory is mapped MAP_JIT and written through the jit package.
package guestmem
