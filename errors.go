// Package tpc implements a thread-per-core I/O and actor engine: one
// cooperative event loop per CPU driving non-blocking network I/O,
// partition-affine actor dispatch, and framed request/response messaging
// over TCP with reference-counted buffers.
package tpc

import (
	"fmt"
	"strings"
	"syscall"
)

// Error is the structured error carried through the engine. It records the
// failing operation, the loop and fd involved when known, a high-level
// code, and the kernel errno when the failure came from a syscall.
type Error struct {
	Op    string    // operation that failed, e.g. "connect", "submit"
	Loop  int       // event loop index (-1 if not applicable)
	Fd    int       // file descriptor (-1 if not applicable)
	Code  ErrorCode // high-level category
	Errno syscall.Errno
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Loop >= 0 {
		parts = append(parts, fmt.Sprintf("loop=%d", e.Loop))
	}
	if e.Fd >= 0 {
		parts = append(parts, fmt.Sprintf("fd=%d", e.Fd))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("tpc: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("tpc: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches either another *Error by code or a bare ErrorCode sentinel.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category. Codes double as sentinel
// errors: errors.Is(err, ErrCodeShutdown) matches any shutdown failure.
type ErrorCode string

func (c ErrorCode) Error() string {
	return string(c)
}

const (
	// ErrCodeIO marks an OS-level failure on a file descriptor.
	ErrCodeIO ErrorCode = "I/O error"
	// ErrCodeRouting marks a partition whose owner is unknown or changed
	// during dispatch.
	ErrCodeRouting ErrorCode = "partition routing failed"
	// ErrCodeConnectionLost marks a remote socket that closed with
	// outstanding requests.
	ErrCodeConnectionLost ErrorCode = "connection lost"
	// ErrCodeTimeout marks a request future whose deadline passed.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeShutdown marks work rejected by a terminating loop or engine.
	ErrCodeShutdown ErrorCode = "shutting down"
	// ErrCodeProtocol marks an invalid frame header.
	ErrCodeProtocol ErrorCode = "protocol violation"
	// ErrCodeFull marks a bounded queue that rejected a submission.
	ErrCodeFull ErrorCode = "queue full"
	// ErrCodeState marks API misuse, e.g. activating a socket twice.
	ErrCodeState ErrorCode = "invalid state"
)

// NewError creates a structured error with no loop/fd context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Loop: -1, Fd: -1, Code: code, Msg: msg}
}

// newIOError wraps a syscall failure on a specific fd.
func newIOError(op string, fd int, err error) *Error {
	e := &Error{Op: op, Loop: -1, Fd: fd, Code: ErrCodeIO, Inner: err}
	if errno, ok := err.(syscall.Errno); ok {
		e.Errno = errno
	}
	if err != nil {
		e.Msg = err.Error()
	}
	return e
}

func newShutdownError(op string) *Error {
	return &Error{Op: op, Loop: -1, Fd: -1, Code: ErrCodeShutdown}
}

func newProtocolError(op string, size int) *Error {
	return &Error{
		Op: op, Loop: -1, Fd: -1, Code: ErrCodeProtocol,
		Msg: fmt.Sprintf("bad frame size %d", size),
	}
}

func newRoutingError(op string, partitionID int32) *Error {
	return &Error{
		Op: op, Loop: -1, Fd: -1, Code: ErrCodeRouting,
		Msg: fmt.Sprintf("no owner for partition %d", partitionID),
	}
}

// temporaryErrno reports whether an errno should be retried rather than
// treated as a hard failure.
func temporaryErrno(errno syscall.Errno) bool {
	return errno == syscall.EINTR || errno == syscall.EAGAIN ||
		errno == syscall.EWOULDBLOCK || errno == syscall.ENOBUFS
}
