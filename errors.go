package guestmem

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Kind classifies a guest memory failure.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindObjectDisposed
	KindInvalidMemoryRegion
	KindMemoryProtection
	KindPlatformNotSupported
	KindOutOfMemory
	KindUnsupportedOperation
	KindInvalidAccess
)

func (k Kind) String() string {
	switch k {
	case KindObjectDisposed:
		return "object disposed"
	case KindInvalidMemoryRegion:
		return "invalid memory region"
	case KindMemoryProtection:
		return "memory protection error"
	case KindPlatformNotSupported:
		return "platform not supported"
	case KindOutOfMemory:
		return "out of memory"
	case KindUnsupportedOperation:
		return "unsupported operation"
	case KindInvalidAccess:
		return "invalid access"
	default:
		return fmt.Sprintf("unknown kind %d", uint32(k))
	}
}

// Error describes a failed memory operation.
// Offset and Size are relative to the object named by Op (a Block offset, a
// guest virtual address, or a JIT arena offset).
type Error struct {
	Kind   Kind
	Op     string
	Offset uint64
	Size   uint64
	Err    error  // Underlying OS error, if any
	msg    string // Optional custom message for sentinel errors
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}

	// Addresses leak host layout, keep them out of production logs
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e *Error) detailedError() string {
	s := "guestmem: " + e.Kind.String()
	if e.Op != "" {
		s = fmt.Sprintf("guestmem: %s: %s", e.Op, e.Kind)
	}
	if e.Size != 0 || e.Offset != 0 {
		s += fmt.Sprintf(" (offset 0x%x, size 0x%x)", e.Offset, e.Size)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// sanitizedError provides minimal error information for production
func (e *Error) sanitizedError() string {
	if e.Op != "" {
		return fmt.Sprintf("guestmem: %s: %s", e.Op, e.Kind)
	}
	return "guestmem: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so callers can test against the
// Err* sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("GUESTMEM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("GUESTMEM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common sentinel errors for API consumers
var (
	ErrObjectDisposed       = &Error{Kind: KindObjectDisposed, msg: "guestmem: object disposed"}
	ErrInvalidMemoryRegion  = &Error{Kind: KindInvalidMemoryRegion, msg: "guestmem: invalid memory region"}
	ErrMemoryProtection     = &Error{Kind: KindMemoryProtection, msg: "guestmem: memory protection error"}
	ErrPlatformNotSupported = &Error{Kind: KindPlatformNotSupported, msg: "guestmem: platform not supported"}
	ErrOutOfMemory          = &Error{Kind: KindOutOfMemory, msg: "guestmem: out of memory"}
	ErrUnsupportedOperation = &Error{Kind: KindUnsupportedOperation, msg: "guestmem: unsupported operation"}
	ErrInvalidAccess        = &Error{Kind: KindInvalidAccess, msg: "guestmem: invalid access"}
)

// NewError builds an *Error of the given kind. It is exported for the
// address space and JIT packages which share this taxonomy.
func NewError(kind Kind, op string, offset, size uint64, err error) *Error {
	return &Error{Kind: kind, Op: op, Offset: offset, Size: size, Err: err}
}

func regionError(op string, offset, size uint64) error {
	return NewError(KindInvalidMemoryRegion, op, offset, size, nil)
}

func protectionError(op string, offset, size uint64, err error) error {
	recordProtectionError()
	return NewError(KindMemoryProtection, op, offset, size, err)
}

func osError(kind Kind, op string, err error) error {
	return NewError(kind, op, 0, 0, err)
}
