// File: internal/types/errors.go
package types

import (
	"fmt"
	"syscall"
)

// XFSError is the error type returned by every engine operation. It wraps a
// POSIX errno (so callers can errors.Is against syscall.ENOENT and friends)
// together with the operation name and a human-readable detail string.
type XFSError struct {
	Errno  syscall.Errno
	Op     string
	Detail string
}

// NewXFSError creates an XFSError for the given errno, operation and detail.
func NewXFSError(errno syscall.Errno, op string, detail string) *XFSError {
	return &XFSError{Errno: errno, Op: op, Detail: detail}
}

// Errorf creates an XFSError with a formatted detail string.
func Errorf(errno syscall.Errno, op string, format string, args ...interface{}) *XFSError {
	return &XFSError{Errno: errno, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func (e *XFSError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Errno)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.Errno)
}

// Unwrap exposes the underlying errno for errors.Is.
func (e *XFSError) Unwrap() error {
	return e.Errno
}

// ErrnoOf extracts the POSIX errno from an engine error, or EIO when the
// error carries no errno.
func ErrnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	for {
		if xe, ok := err.(*XFSError); ok {
			return xe.Errno
		}
		if en, ok := err.(syscall.Errno); ok {
			return en
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return syscall.EIO
		}
		err = u.Unwrap()
		if err == nil {
			return syscall.EIO
		}
	}
}
