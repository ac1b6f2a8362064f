package kds

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured scheduler error with context and errno
// mapping.
type Error struct {
	Op      string   // Operation that failed (e.g., "add_command", "open_context")
	ClientPID int    // Client pid (0 if not applicable)
	CUIndex int      // CU index (-1 if not applicable)
	Code    ErrorCode // High-level error category
	Errno   syscall.Errno
	Msg     string
	Inner   error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.ClientPID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.ClientPID))
	}

	if e.CUIndex >= 0 {
		parts = append(parts, fmt.Sprintf("cu=%d", e.CUIndex))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("kds: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("kds: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, comparing by error category
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents the high-level error categories the scheduler
// reports. INVALID/NOMEM/BUSY/NOENT/DEADLOCK are synchronous submit failures
// returned directly from an admission call; TIMEOUT/ABORT/ERROR are the
// asynchronous terminal states observed via a command's state word. ERROR
// is also the code a call returns for a failure that maps to no other code
// (a failed Reset, a bitstream-lock failure), and WrapError maps ETIMEDOUT
// to TIMEOUT.
type ErrorCode string

const (
	ErrCodeInvalid  ErrorCode = "invalid argument"
	ErrCodeNoMem    ErrorCode = "insufficient resources"
	ErrCodeBusy     ErrorCode = "busy"
	ErrCodeNoEnt    ErrorCode = "no such compute unit"
	ErrCodeDeadlock ErrorCode = "scheduler in bad state"
	ErrCodeTimeout  ErrorCode = "command timed out"
	ErrCodeAbort    ErrorCode = "command aborted"
	ErrCodeError    ErrorCode = "command execution error"
)

// NewError creates a new structured error with no device/client context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, CUIndex: -1}
}

// NewErrorWithErrno creates a new structured error with errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), CUIndex: -1}
}

// NewClientError creates a client-scoped error.
func NewClientError(op string, pid int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ClientPID: pid, Code: code, Msg: msg, CUIndex: -1}
}

// NewCUError creates a CU-scoped error.
func NewCUError(op string, cuIndex int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, CUIndex: cuIndex, Code: code, Msg: msg}
}

// WrapError wraps an existing error with scheduler context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ke, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			ClientPID: ke.ClientPID,
			CUIndex:   ke.CUIndex,
			Code:      ke.Code,
			Errno:     ke.Errno,
			Msg:       ke.Msg,
			Inner:     ke.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:      op,
			Code:    mapErrnoToCode(errno),
			Errno:   errno,
			Msg:     errno.Error(),
			Inner:   inner,
			CUIndex: -1,
		}
	}

	return &Error{Op: op, Code: ErrCodeError, Msg: inner.Error(), Inner: inner, CUIndex: -1}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeNoEnt
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalid
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeNoMem
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeError
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Errno == errno
	}
	return false
}
