package tpio

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured runtime error with pool/worker/task context
// and errno mapping.
type Error struct {
	Op     string    // Operation that failed (e.g., "ARM", "CONNECT_EX", "APPLY_OPTS")
	Worker int       // Worker number (-1 if not applicable)
	Ident  uintptr   // Descriptor/fd identifier (0 if not applicable)
	Code   ErrorCode // High-level error category
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Worker >= 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.Worker))
	}
	if e.Ident != 0 {
		parts = append(parts, fmt.Sprintf("ident=%d", e.Ident))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("tpio: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("tpio: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is compares by error category so callers can do errors.Is(err, &Error{Code: ErrCodeTimeout})-style checks.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories, matching spec §7.
type ErrorCode string

const (
	ErrCodeInvalidArg   ErrorCode = "invalid argument"
	ErrCodeOS           ErrorCode = "operating system error"
	ErrCodeTimeout      ErrorCode = "timed out"
	ErrCodeEOF          ErrorCode = "end of stream"
	ErrCodeTerminated   ErrorCode = "terminated by shutdown"
	ErrCodeHostDown     ErrorCode = "host unreachable"
	ErrCodeQueueFull    ErrorCode = "message queue full"
	ErrCodeNotSupported ErrorCode = "not supported by this platform"
	ErrCodeTransient    ErrorCode = "transient, retry"
)

// Error constructors.

// NewError creates a new structured error not tied to a worker or descriptor.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Worker: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying an errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Worker: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewWorkerError creates a new worker-scoped error.
func NewWorkerError(op string, worker int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Worker: worker, Code: code, Msg: msg}
}

// NewTaskError creates a new task-scoped error identified by descriptor.
func NewTaskError(op string, worker int, ident uintptr, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Worker: worker, Ident: ident, Code: code, Msg: msg}
}

// WrapError wraps an existing error with tpio context, mapping syscall
// errnos to an ErrorCode the way the teacher's WrapError maps ublk errnos.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if te, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Worker: te.Worker,
			Ident:  te.Ident,
			Code:   te.Code,
			Errno:  te.Errno,
			Msg:    te.Msg,
			Inner:  te.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:     op,
			Worker: -1,
			Code:   mapErrnoToCode(errno),
			Errno:  errno,
			Msg:    errno.Error(),
			Inner:  inner,
		}
	}

	return &Error{Op: op, Worker: -1, Code: ErrCodeOS, Msg: inner.Error(), Inner: inner}
}

// IsTransient reports whether err maps to a retryable errno (EAGAIN,
// EWOULDBLOCK, EBUSY, EINTR). Handlers filter these to nothing before they
// ever reach application callbacks (spec §7).
func IsTransient(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.EBUSY, syscall.EINTR:
			return true
		}
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code == ErrCodeTransient
	}
	return false
}

// mapErrnoToCode maps syscall errno to tpio error codes.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EAGAIN, syscall.EBUSY, syscall.EINTR:
		return ErrCodeTransient
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArg
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return ErrCodeHostDown
	case syscall.EPIPE:
		return ErrCodeEOF
	default:
		return ErrCodeOS
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Errno == errno
	}
	return false
}
