package guestmem

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	defaultBackend     Backend
	defaultBackendOnce sync.Once

	logger logrus.FieldLogger = logrus.StandardLogger()
)

// DefaultBackend returns the backend for the host OS. It is selected once
// per process; newPlatformBackend is provided by the build-tagged files.
func DefaultBackend() Backend {
	defaultBackendOnce.Do(func() {
		defaultBackend = newPlatformBackend()
		caps := defaultBackend.Capabilities()
		logger.WithFields(logrus.Fields{
			"backend":   caps.Name,
			"page_size": caps.PageSize,
			"mirroring": caps.Mirroring,
			"views":     caps.Views,
			"rwx":       caps.AllowsRWX,
			"jit_pages": caps.RequiresJitPages,
		}).Debug("guestmem: selected platform backend")
	})
	return defaultBackend
}

// Supported reports whether the host has a usable backend.
func Supported() bool {
	_, unsupported := DefaultBackend().(unsupportedBackend)
	return !unsupported
}

// Supports reports whether the default backend can create a Block with flags.
func Supports(flags Flags) bool {
	return DefaultBackend().Capabilities().Supports(flags)
}

// SetLogger replaces the logger used by the package. Passing nil restores
// the logrus standard logger.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	logger = l
}

// Logger returns the package logger, for subpackages that share it.
func Logger() logrus.FieldLogger {
	return logger
}

// unsupportedBackend fails every operation. It is the backend on hosts
// without an implementation, and is usable on any host for testing.
type unsupportedBackend struct{}

func (unsupportedBackend) Capabilities() Capabilities {
	return Capabilities{Name: "unsupported", PageSize: 4096}
}

func (unsupportedBackend) Allocate(uintptr, bool) (uintptr, error) {
	return 0, ErrPlatformNotSupported
}

func (unsupportedBackend) Reserve(uintptr, bool, bool) (uintptr, error) {
	return 0, ErrPlatformNotSupported
}

func (unsupportedBackend) Commit(uintptr, uintptr, bool) error { return ErrPlatformNotSupported }
func (unsupportedBackend) Decommit(uintptr, uintptr) error     { return ErrPlatformNotSupported }

func (unsupportedBackend) Reprotect(uintptr, uintptr, MemPerm, bool) error {
	return ErrPlatformNotSupported
}

func (unsupportedBackend) Free(uintptr, uintptr, bool) error { return ErrPlatformNotSupported }

func (unsupportedBackend) CreateSharedMemory(uintptr, bool) (SharedHandle, error) {
	return 0, ErrPlatformNotSupported
}

func (unsupportedBackend) DestroySharedMemory(SharedHandle) error { return ErrPlatformNotSupported }

func (unsupportedBackend) MapSharedMemory(SharedHandle, uintptr, bool) (uintptr, error) {
	return 0, ErrPlatformNotSupported
}

func (unsupportedBackend) UnmapSharedMemory(uintptr, uintptr) error { return ErrPlatformNotSupported }
func (unsupportedBackend) CommitShared(uintptr, uintptr) error      { return ErrPlatformNotSupported }
func (unsupportedBackend) DecommitShared(uintptr, uintptr) error    { return ErrPlatformNotSupported }

func (unsupportedBackend) MapView(SharedHandle, uintptr, uintptr, uintptr) error {
	return ErrPlatformNotSupported
}

func (unsupportedBackend) UnmapView(SharedHandle, uintptr, uintptr) error {
	return ErrPlatformNotSupported
}

// UnsupportedBackend returns a Backend that fails every call with
// ErrPlatformNotSupported.
func UnsupportedBackend() Backend { return unsupportedBackend{} }
