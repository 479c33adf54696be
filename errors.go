package ublk

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/ublk-engine/internal/ctrl"
)

// Error represents a structured ublk error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "ADD_DEV", "START_DEV")
	DevID uint32        // Device ID (0 if not applicable)
	Queue int           // Queue number (-1 if not applicable)
	Code  UblkErrorCode // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ublk: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("ublk: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on the error code, so errors.Is(err, ErrDeviceBusy) works for
// every busy failure.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if ue, ok := target.(UblkError); ok {
		return e.Code == UblkErrorCode(ue)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// UblkErrorCode represents high-level error categories
type UblkErrorCode string

const (
	ErrCodeNotImplemented     UblkErrorCode = "not implemented"
	ErrCodeDeviceNotFound     UblkErrorCode = "device not found"
	ErrCodeDeviceBusy         UblkErrorCode = "device busy"
	ErrCodeInvalidParameters  UblkErrorCode = "invalid parameters"
	ErrCodeKernelNotSupported UblkErrorCode = "kernel does not support ublk"
	ErrCodePermissionDenied   UblkErrorCode = "permission denied"
	ErrCodeInsufficientMemory UblkErrorCode = "insufficient memory"
	ErrCodeIOError            UblkErrorCode = "I/O error"
	ErrCodeTimeout            UblkErrorCode = "timeout"
	ErrCodeDeviceOffline      UblkErrorCode = "device offline"
	ErrCodeConflict           UblkErrorCode = "device id already exists"
	ErrCodeUnsupported        UblkErrorCode = "unsupported"
	ErrCodeFatal              UblkErrorCode = "fatal"
	ErrCodeInvalidState       UblkErrorCode = "invalid state"
	ErrCodeQueueFault         UblkErrorCode = "queue fault"
)

// UblkError is a sentinel comparable against any *Error with the same code.
type UblkError string

func (e UblkError) Error() string {
	return string(e)
}

const (
	ErrNotImplemented     UblkError = "not implemented"
	ErrDeviceNotFound     UblkError = "device not found"
	ErrDeviceBusy         UblkError = "device busy"
	ErrInvalidParameters  UblkError = "invalid parameters"
	ErrKernelNotSupported UblkError = "kernel does not support ublk"
	ErrPermissionDenied   UblkError = "permission denied"
	ErrInsufficientMemory UblkError = "insufficient memory"
	ErrTimeout            UblkError = "timeout"
	ErrDeviceOffline      UblkError = "device offline"
	ErrConflict           UblkError = "device id already exists"
	ErrUnsupported        UblkError = "unsupported"
	ErrFatal              UblkError = "fatal"
	ErrInvalidState       UblkError = "invalid state"
	ErrQueueFault         UblkError = "queue fault"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code UblkErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code UblkErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, devID uint32, code UblkErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		DevID: devID,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, devID uint32, queue int, code UblkErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		DevID: devID,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with ublk context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ue *Error
	if errors.As(inner, &ue) {
		return &Error{
			Op:    op,
			DevID: ue.DevID,
			Queue: ue.Queue,
			Code:  ue.Code,
			Errno: ue.Errno,
			Msg:   ue.Msg,
			Inner: ue.Inner,
		}
	}

	var ce *ctrl.CommandError
	if errors.As(inner, &ce) {
		return commandError(op, ce.DevID, inner)
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// commandError translates a control channel failure. This is the only
// place ctrl.Status values become error codes.
func commandError(op string, devID uint32, err error) *Error {
	var ce *ctrl.CommandError
	if !errors.As(err, &ce) {
		e := WrapError(op, err)
		e.DevID = devID
		return e
	}
	code := mapStatusToCode(ce.Outcome.Status)
	if errors.Is(err, ctrl.ErrDeleted) {
		code = ErrCodeDeviceNotFound
	}
	return &Error{
		Op:    op,
		DevID: devID,
		Queue: -1,
		Code:  code,
		Errno: ce.Outcome.Errno,
		Msg:   fmt.Sprintf("%s: %s", ce.Command, code),
		Inner: err,
	}
}

func mapStatusToCode(s ctrl.Status) UblkErrorCode {
	switch s {
	case ctrl.StatusAlreadyExists:
		return ErrCodeConflict
	case ctrl.StatusNotFound:
		return ErrCodeDeviceNotFound
	case ctrl.StatusBusy:
		return ErrCodeDeviceBusy
	case ctrl.StatusPermissionDenied:
		return ErrCodePermissionDenied
	case ctrl.StatusUnsupported:
		return ErrCodeUnsupported
	default:
		return ErrCodeFatal
	}
}

// mapErrnoToCode maps syscall errno to ublk error codes
func mapErrnoToCode(errno syscall.Errno) UblkErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EEXIST:
		return ErrCodeConflict
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code UblkErrorCode) bool {
	var ublkErr *Error
	if errors.As(err, &ublkErr) {
		return ublkErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ublkErr *Error
	if errors.As(err, &ublkErr) {
		return ublkErr.Errno == errno
	}
	return false
}
