// Package uring is the ring transport between the engine and the ublk driver.
// Operations go in with Submit; completions come back from Wait.
package uring

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// OpKind selects the ublk command an Op is encoded as.
type OpKind uint8

const (
	OpFetch OpKind = iota + 1
	OpCommitAndFetch
	// OpCommit returns a result without asking for a new request. The driver
	// has no separate opcode for it, so it travels as COMMIT_AND_FETCH_REQ and
	// the tag stays parked in the kernel until the device is stopped.
	OpCommit
	OpNeedGetData
	OpCtrl
)

func (k OpKind) String() string {
	switch k {
	case OpFetch:
		return "FETCH_REQ"
	case OpCommitAndFetch:
		return "COMMIT_AND_FETCH_REQ"
	case OpCommit:
		return "COMMIT_REQ"
	case OpNeedGetData:
		return "NEED_GET_DATA"
	case OpCtrl:
		return "CTRL"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// IONumber is the UBLK_IO_* command number used on the wire.
func (k OpKind) IONumber() uint32 {
	switch k {
	case OpFetch:
		return uapi.UBLK_IO_FETCH_REQ
	case OpCommitAndFetch, OpCommit:
		return uapi.UBLK_IO_COMMIT_AND_FETCH_REQ
	case OpNeedGetData:
		return uapi.UBLK_IO_NEED_GET_DATA
	default:
		return 0
	}
}

// Op is one submission.
type Op struct {
	Kind     OpKind
	UserData uint64

	// IO is the payload for fetch, commit and need-get-data.
	IO uapi.UblksrvIOCmd

	// CtrlOp is the UBLK_CMD_* number for OpCtrl. Ctrl.Addr is filled in by
	// the ring from Buf, which must stay untouched until the completion.
	CtrlOp uint32
	Ctrl   uapi.UblksrvCtrlCmd
	Buf    []byte
}

// Completion is one reaped CQE.
type Completion struct {
	UserData uint64
	Res      int32
}

// Ring is a submission/completion ring bound to one ublk file. A Ring is
// driven by a single goroutine; only Wake may be called from others.
type Ring interface {
	// Submit queues op without entering the kernel. It returns ErrRingFull
	// when no submission slot is free.
	Submit(op Op) error

	// Flush hands queued submissions to the kernel without waiting.
	Flush() error

	// Wait flushes, then blocks until at least min completions are available
	// or Wake is called, and returns every completion reaped.
	Wait(min int) ([]Completion, error)

	// Wake interrupts a blocked Wait.
	Wake() error

	// Close releases the ring. Outstanding commands are cancelled by the
	// kernel.
	Close() error
}

// Kernel opens the kernel-facing endpoints of ublk.
type Kernel interface {
	// Control opens a ring on the control device.
	Control() (Ring, error)

	// OpenDevice opens the per-device character file. The driver allows one
	// opener, so every queue of a device goes through the same DeviceFile.
	OpenDevice(devID uint32) (DeviceFile, error)
}

// DeviceFile is an open /dev/ublkcN.
type DeviceFile interface {
	// Queue creates the ring for one queue and maps its descriptor array.
	Queue(qid uint16, depth int) (Ring, *Region, error)
	Close() error
}

var (
	// ErrRingFull is transient: flush and retry.
	ErrRingFull = errors.New("uring: submission queue full")
	// ErrClosed is returned by every call on a closed ring.
	ErrClosed = errors.New("uring: ring closed")
)

// FatalError is a transport failure the ring cannot recover from.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("uring: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err means the ring is unusable.
func IsFatal(err error) bool {
	if errors.Is(err, ErrClosed) {
		return true
	}
	var fe *FatalError
	return errors.As(err, &fe)
}
