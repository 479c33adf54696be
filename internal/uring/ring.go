package uring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// io_uring ABI values used here.
const (
	opRead           = 22 // IORING_OP_READ
	opUringCmd       = 46 // IORING_OP_URING_CMD
	setupSQE128      = 1 << 10
	sqeCmdOffset     = 48
	sqeSize          = 64
	wakeUserData     = ^uint64(0)
	maxBatchReap     = 256
	controlRingDepth = 8
)

// sqe mirrors struct io_uring_sqe. For URING_CMD the low 32 bits of off hold
// cmd_op and the command payload starts at byte 48.
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	_           uint64
}

var _ [sqeSize]byte = [unsafe.Sizeof(sqe{})]byte{}

// ring implements Ring on top of giouring. Wake posts to an eventfd that
// has a read permanently armed on the ring.
type ring struct {
	r      *giouring.Ring
	fd     int32
	sqe128 bool
	ownsFd bool

	efd       int
	wakeBuf   []byte
	wakeArmed bool

	// pinned keeps control payloads reachable until the kernel is done.
	pinned map[uint64][]byte
	cqes   []*giouring.CompletionQueueEvent

	// wakeMu keeps efd open for the duration of a Wake write.
	wakeMu    sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newRing(fd int, entries uint32, sqe128, ownsFd bool) (*ring, error) {
	var flags uint32
	if sqe128 {
		flags |= setupSQE128
	}

	gr := giouring.NewRing()
	if err := gr.QueueInit(entries, flags); err != nil {
		return nil, &FatalError{Op: "io_uring_setup", Err: err}
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		gr.QueueExit()
		return nil, &FatalError{Op: "eventfd", Err: err}
	}

	r := &ring{
		r:       gr,
		fd:      int32(fd),
		sqe128:  sqe128,
		ownsFd:  ownsFd,
		efd:     efd,
		wakeBuf: make([]byte, 8),
		pinned:  make(map[uint64][]byte),
		cqes:    make([]*giouring.CompletionQueueEvent, maxBatchReap),
	}
	if err := r.armWake(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// slot grabs and zeroes the next SQE and returns its header and command area.
func (r *ring) slot() (*sqe, []byte, error) {
	e := r.r.GetSQE()
	if e == nil {
		return nil, nil, ErrRingFull
	}
	size := sqeSize
	if r.sqe128 {
		size *= 2
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(e)), size)
	clear(raw)
	return (*sqe)(unsafe.Pointer(e)), raw[sqeCmdOffset:], nil
}

func (r *ring) armWake() error {
	if r.wakeArmed {
		return nil
	}
	s, _, err := r.slot()
	if err != nil {
		return err
	}
	s.opcode = opRead
	s.fd = int32(r.efd)
	s.addr = uint64(uintptr(unsafe.Pointer(&r.wakeBuf[0])))
	s.len = uint32(len(r.wakeBuf))
	s.userData = wakeUserData
	r.wakeArmed = true
	return nil
}

func (r *ring) Submit(op Op) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if op.UserData == wakeUserData {
		return fmt.Errorf("uring: user data %#x is reserved", op.UserData)
	}
	if op.Kind == OpCtrl && !r.sqe128 {
		return fmt.Errorf("uring: control command needs a 128-byte SQE ring")
	}
	if op.Kind != OpCtrl && op.Kind.IONumber() == 0 {
		return fmt.Errorf("uring: unknown op %v", op.Kind)
	}

	s, cmd, err := r.slot()
	if err != nil {
		return err
	}
	s.opcode = opUringCmd
	s.fd = r.fd
	s.userData = op.UserData

	if op.Kind == OpCtrl {
		c := op.Ctrl
		if len(op.Buf) > 0 {
			c.Addr = uint64(uintptr(unsafe.Pointer(&op.Buf[0])))
			r.pinned[op.UserData] = op.Buf
		}
		s.off = uint64(uapi.UblkCtrlCmd(op.CtrlOp))
		uapi.PutCtrlCmd(cmd, &c)
		return nil
	}

	s.off = uint64(uapi.UblkIOCmd(op.Kind.IONumber()))
	uapi.PutIOCmd(cmd, &op.IO)
	return nil
}

func (r *ring) Flush() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if _, err := r.r.Submit(); err != nil {
		return classify("io_uring_enter", err)
	}
	return nil
}

func (r *ring) Wait(min int) ([]Completion, error) {
	if min < 1 {
		min = 1
	}
	var out []Completion
	for {
		if r.closed.Load() {
			return out, ErrClosed
		}
		if !r.wakeArmed {
			if err := r.armWake(); err != nil && !errors.Is(err, ErrRingFull) {
				return out, err
			}
		}

		if _, err := r.r.SubmitAndWait(uint32(min - len(out))); err != nil &&
			!errors.Is(err, unix.EINTR) && !errors.Is(err, unix.ETIME) {
			return out, classify("io_uring_enter", err)
		}

		woke := false
		n := r.r.PeekBatchCQE(r.cqes)
		for i := uint32(0); i < n; i++ {
			c := r.cqes[i]
			if c.UserData == wakeUserData {
				woke = true
				r.wakeArmed = false
				continue
			}
			delete(r.pinned, c.UserData)
			out = append(out, Completion{UserData: c.UserData, Res: c.Res})
		}
		if n > 0 {
			r.r.CQAdvance(n)
		}
		if woke {
			_ = r.armWake()
		}
		if woke || len(out) >= min {
			return out, nil
		}
	}
}

func (r *ring) Wake() error {
	r.wakeMu.RLock()
	defer r.wakeMu.RUnlock()
	if r.closed.Load() {
		return ErrClosed
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(r.efd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return &FatalError{Op: "eventfd write", Err: err}
	}
	return nil
}

func (r *ring) Close() error {
	r.closeOnce.Do(func() {
		r.wakeMu.Lock()
		r.closed.Store(true)
		err := unix.Close(r.efd)
		r.wakeMu.Unlock()
		if err != nil {
			r.closeErr = err
		}
		r.r.QueueExit()
		if r.ownsFd {
			if err := unix.Close(int(r.fd)); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
		r.pinned = nil
	})
	return r.closeErr
}

// classify separates transient enter failures from fatal ones.
func classify(op string, err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) {
		return ErrRingFull
	}
	return &FatalError{Op: op, Err: err}
}

func ringEntries(depth int) uint32 {
	n := uint32(1)
	for n < uint32(depth)+1 {
		n <<= 1
	}
	return n
}
