package uringrt

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured runtime error carrying the operation that failed,
// a high-level category, and the underlying errno when one is available.
// It covers the three error kinds named for the runtime: OS-level operation
// failures, submission queue overflow, and programming errors.
type Error struct {
	Op    string // Operation that failed (e.g., "accept", "recv", "submit")
	Code  Code   // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		if e.Errno != 0 {
			return fmt.Sprintf("uringrt: %s: %s (errno=%d)", e.Op, msg, e.Errno)
		}
		return fmt.Sprintf("uringrt: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("uringrt: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// Code is a high-level error category.
type Code string

const (
	// CodeOSFailure covers negative kernel return codes surfaced to the
	// awaiting task.
	CodeOSFailure Code = "os failure"
	// CodeSubmissionOverflow names a full submission ring. The runtime
	// itself does not return it: a momentarily full ring during a channel
	// drain is handled by submitting and retrying, and a failing submit
	// reaches the drive loop through WrapError, classified by its errno.
	CodeSubmissionOverflow Code = "submission queue overflow"
	// CodeProgrammingError covers off-thread handle access, double-poll of
	// a completed future, a callback firing twice, and similar contract
	// violations. These are normally surfaced as panics, not as returned
	// errors, but the code exists so callers that recover from a panic
	// can classify it.
	CodeProgrammingError Code = "programming error"
	// CodeBindFailure covers the HTTP shell failing to bind its listener.
	CodeBindFailure Code = "bind failure"
)

// NewError creates a structured error with no errno attached.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapErrno wraps an errno (the negation of a completion's negative return
// code) into a structured error for the named operation, with its Code
// chosen by mapErrnoToCode.
func WrapErrno(op string, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  mapErrnoToCode(errno),
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// WrapError wraps an arbitrary error with operation context, preserving
// errno classification when the inner error carries one.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ue, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ue.Code, Errno: ue.Errno, Msg: ue.Msg, Inner: ue.Inner}
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: CodeOSFailure, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode classifies a network-facing errno. Kept as a direct
// mapping (rather than a generic "I/O error" bucket) for the errnos a
// reactor driving accept/recv/send/close actually produces.
func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ECONNRESET, syscall.EPIPE, syscall.ECONNABORTED:
		return CodeOSFailure
	case syscall.EAGAIN, syscall.EWOULDBLOCK, syscall.EINTR:
		return CodeOSFailure
	case syscall.ENOBUFS, syscall.ENOMEM:
		return CodeOSFailure
	case syscall.EINVAL, syscall.EBADF:
		return CodeProgrammingError
	default:
		return CodeOSFailure
	}
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err (or anything it wraps) carries the given
// errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}

// Temporary reports whether an errno observed on a completion is worth
// retrying rather than tearing down the connection, grounded on the same
// EINTR/EMFILE/ENFILE/ENOBUFS set a reference io_uring network loop treats
// as transient.
func Temporary(errno syscall.Errno) bool {
	switch errno {
	case syscall.EINTR, syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS:
		return true
	case syscall.EAGAIN, syscall.EWOULDBLOCK:
		return true
	default:
		return false
	}
}
