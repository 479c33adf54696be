package ctrl

import (
	"fmt"
	"syscall"
)

// Status is the closed set of control command outcomes.
type Status int

const (
	StatusSuccess Status = iota
	StatusAlreadyExists
	StatusNotFound
	StatusBusy
	StatusPermissionDenied
	StatusUnsupported
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAlreadyExists:
		return "already exists"
	case StatusNotFound:
		return "not found"
	case StatusBusy:
		return "busy"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusUnsupported:
		return "unsupported"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is the typed result of one control command.
type Outcome struct {
	Status Status
	// Errno is the kernel errno behind a failure, 0 on success or timeout.
	Errno syscall.Errno
	// Res is the raw CQE result.
	Res int32
}

// OK reports success.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// StatusFromResult translates a CQE result. Only this function interprets
// kernel status codes.
func StatusFromResult(res int32) (Status, syscall.Errno) {
	if res >= 0 {
		return StatusSuccess, 0
	}
	errno := syscall.Errno(-res)
	switch errno {
	case syscall.EEXIST:
		return StatusAlreadyExists, errno
	case syscall.ENOENT, syscall.ENODEV:
		return StatusNotFound, errno
	case syscall.EBUSY, syscall.EAGAIN:
		return StatusBusy, errno
	case syscall.EPERM, syscall.EACCES:
		return StatusPermissionDenied, errno
	case syscall.EOPNOTSUPP, syscall.ENOSYS, syscall.ENOTTY:
		return StatusUnsupported, errno
	default:
		return StatusFatal, errno
	}
}

// CommandError is returned by Execute for every outcome other than success.
type CommandError struct {
	Command string
	DevID   uint32
	Outcome Outcome
	Err     error // transport or context failure, if any
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("ctrl: %s dev=%d: %s", e.Command, e.DevID, e.Outcome.Status)
	if e.Outcome.Errno != 0 {
		msg += fmt.Sprintf(" (%v)", e.Outcome.Errno)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Outcome.Errno != 0 {
		return e.Outcome.Errno
	}
	return nil
}
