package kernelsim

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
	"github.com/ehrlich-b/ublk-engine/internal/uring"
)

var (
	ErrNotArmed = errors.New("kernelsim: tag not armed")
	ErrNotLive  = errors.New("kernelsim: queue not live")
)

// Request is a block request to push into a queue.
type Request struct {
	Op     uint8
	Flags  uint32
	Offset int64  // bytes, sector aligned
	Length uint32 // bytes, sector aligned
	// Data is copied into the tag's buffer for writes.
	Data []byte
}

// Commit is one commit the engine submitted.
type Commit struct {
	Tag    uint16
	Kind   uring.OpKind
	Result int32
	Req    Request
	// Data holds the buffer contents for a successful read.
	Data []byte
}

type simTag struct {
	fetched  bool
	armed    bool
	owned    bool
	needData bool
	ud       uint64
	addr     uint64
	req      Request
}

// Queue is the kernel side of one ublk queue.
type Queue struct {
	DevID uint32
	QID   uint16
	Depth int

	flags uint64
	desc  []byte

	mu          sync.Mutex
	tags        []simTag
	cq          []uring.Completion
	woken       bool
	closed      bool
	live        bool
	stopped     bool
	fault       error
	fullSubmits int
	commits     []Commit
	violations  []string
	notify      chan struct{}
}

func newQueue(devID uint32, qid uint16, depth int, flags uint64) *Queue {
	return &Queue{
		DevID:  devID,
		QID:    qid,
		Depth:  depth,
		flags:  flags,
		desc:   make([]byte, depth*uapi.IODescSize),
		tags:   make([]simTag, depth),
		notify: make(chan struct{}, 1),
	}
}

// Outstanding counts tags with a command parked in the kernel.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.tags {
		if q.tags[i].armed {
			n++
		}
	}
	return n
}

// Commits returns every commit seen so far.
func (q *Queue) Commits() []Commit {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Commit(nil), q.commits...)
}

// Violations lists protocol errors the engine made.
func (q *Queue) Violations() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.violations...)
}

// Closed reports whether the engine closed its ring.
func (q *Queue) Closed() bool {
	return q.isClosed()
}

// Break makes every following Wait fail with a fatal transport error.
func (q *Queue) Break(err error) {
	q.mu.Lock()
	q.fault = err
	q.mu.Unlock()
	q.signal()
}

// FailSubmits makes the next n submissions report a full ring.
func (q *Queue) FailSubmits(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fullSubmits = n
}

// WaitArmed blocks until tag has a command parked or timeout passes.
func (q *Queue) WaitArmed(tag uint16, timeout time.Duration) error {
	return poll(timeout, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return int(tag) < q.Depth && q.tags[tag].armed
	}, fmt.Errorf("queue %d tag %d: %w", q.QID, tag, ErrNotArmed))
}

// WaitAllArmed blocks until every tag is armed.
func (q *Queue) WaitAllArmed(timeout time.Duration) error {
	return poll(timeout, func() bool { return q.Outstanding() == q.Depth },
		fmt.Errorf("queue %d: %d of %d tags armed", q.QID, q.Outstanding(), q.Depth))
}

// WaitCommits blocks until at least n commits were seen.
func (q *Queue) WaitCommits(n int, timeout time.Duration) ([]Commit, error) {
	err := poll(timeout, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.commits) >= n
	}, fmt.Errorf("queue %d: waiting for %d commits", q.QID, n))
	return q.Commits(), err
}

// Push delivers req to tag, which must be armed.
func (q *Queue) Push(tag uint16, req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.stopped || !q.live {
		return ErrNotLive
	}
	if int(tag) >= q.Depth {
		return fmt.Errorf("kernelsim: tag %d out of range", tag)
	}
	t := &q.tags[tag]
	if !t.armed {
		return fmt.Errorf("queue %d tag %d: %w", q.QID, tag, ErrNotArmed)
	}

	desc := uapi.UblksrvIODesc{
		OpFlags:     uint32(req.Op) | req.Flags<<8,
		NrSectors:   req.Length >> 9,
		StartSector: uint64(req.Offset) >> 9,
		Addr:        t.addr,
	}
	uapi.PutIODesc(q.desc[int(tag)*uapi.IODescSize:], &desc)

	t.armed = false
	t.req = req
	res := int32(uapi.UBLK_IO_RES_OK)
	if req.Op == uapi.UBLK_IO_OP_WRITE && q.flags&uapi.UBLK_F_NEED_GET_DATA != 0 {
		t.needData = true
		res = uapi.UBLK_IO_RES_NEED_GET_DATA
	} else {
		t.owned = true
		if req.Op == uapi.UBLK_IO_OP_WRITE {
			copyToUser(t.addr, req.Data)
		}
	}
	q.complete(t.ud, res)
	return nil
}

// Serve waits for tag to be armed, pushes req and waits for its commit.
func (q *Queue) Serve(tag uint16, req Request, timeout time.Duration) (Commit, error) {
	if err := q.WaitArmed(tag, timeout); err != nil {
		return Commit{}, err
	}
	before := q.commitsFor(tag)
	if err := q.Push(tag, req); err != nil {
		return Commit{}, err
	}
	var c Commit
	err := poll(timeout, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		n := 0
		for _, cm := range q.commits {
			if cm.Tag == tag {
				n++
				c = cm
			}
		}
		return n > before
	}, fmt.Errorf("queue %d tag %d: no commit", q.QID, tag))
	return c, err
}

func (q *Queue) commitsFor(tag uint16) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.commits {
		if c.Tag == tag {
			n++
		}
	}
	return n
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) allArmed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for i := range q.tags {
		if !q.tags[i].armed {
			return false
		}
	}
	return true
}

func (q *Queue) setLive(live bool) {
	q.mu.Lock()
	q.live = live
	q.mu.Unlock()
}

// abort completes every parked command with -ENODEV, as STOP_DEV does.
func (q *Queue) abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.live = false
	q.stopped = true
	for i := range q.tags {
		t := &q.tags[i]
		if t.armed {
			t.armed = false
			q.complete(t.ud, uapi.UBLK_IO_RES_ABORT)
		}
	}
}

// drop detaches the queue from the device without completing anything.
func (q *Queue) drop() {
	q.mu.Lock()
	q.closed = true
	q.live = false
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) violate(format string, args ...any) {
	q.violations = append(q.violations, fmt.Sprintf(format, args...))
}

// complete queues a CQE. q.mu must be held.
func (q *Queue) complete(ud uint64, res int32) {
	q.cq = append(q.cq, uring.Completion{UserData: ud, Res: res})
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) submit(op uring.Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return uring.ErrClosed
	}
	if q.fullSubmits > 0 {
		q.fullSubmits--
		return uring.ErrRingFull
	}

	io := op.IO
	if io.QID != q.QID || int(io.Tag) >= q.Depth {
		q.violate("%s for q%d tag %d on queue %d", op.Kind, io.QID, io.Tag, q.QID)
		q.complete(op.UserData, -int32(syscall.EINVAL))
		return nil
	}
	t := &q.tags[io.Tag]

	switch op.Kind {
	case uring.OpFetch:
		if t.fetched {
			q.violate("second FETCH_REQ for tag %d", io.Tag)
			q.complete(op.UserData, -int32(syscall.EINVAL))
			return nil
		}
		t.fetched = true
		q.park(t, op)

	case uring.OpCommitAndFetch, uring.OpCommit:
		if !t.owned {
			q.violate("%s for tag %d which has no request", op.Kind, io.Tag)
			q.complete(op.UserData, -int32(syscall.EINVAL))
			return nil
		}
		t.owned = false
		c := Commit{Tag: io.Tag, Kind: op.Kind, Result: io.Result, Req: t.req}
		if t.req.Op == uapi.UBLK_IO_OP_READ && io.Result > 0 {
			c.Data = copyFromUser(io.Addr, int(io.Result))
		}
		q.commits = append(q.commits, c)
		q.park(t, op)

	case uring.OpNeedGetData:
		if !t.needData {
			q.violate("NEED_GET_DATA for tag %d without a pending write", io.Tag)
			q.complete(op.UserData, -int32(syscall.EINVAL))
			return nil
		}
		t.needData = false
		t.owned = true
		t.addr = io.Addr
		copyToUser(io.Addr, t.req.Data)
		q.complete(op.UserData, uapi.UBLK_IO_RES_OK)

	default:
		q.violate("unexpected %s on queue ring", op.Kind)
		return &uring.FatalError{Op: "submit", Err: syscall.EINVAL}
	}
	return nil
}

// park leaves op waiting for the next request, or aborts it when the
// device is already stopped.
func (q *Queue) park(t *simTag, op uring.Op) {
	if q.stopped {
		q.complete(op.UserData, uapi.UBLK_IO_RES_ABORT)
		return
	}
	t.armed = true
	t.ud = op.UserData
	t.addr = op.IO.Addr
}

// queueRing is the engine's view of a Queue.
type queueRing struct {
	q *Queue
}

func (r *queueRing) Submit(op uring.Op) error { return r.q.submit(op) }

func (r *queueRing) Flush() error {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	if r.q.closed {
		return uring.ErrClosed
	}
	return nil
}

func (r *queueRing) Wait(min int) ([]uring.Completion, error) {
	q := r.q
	if min < 1 {
		min = 1
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, uring.ErrClosed
		}
		if q.fault != nil {
			err := q.fault
			q.mu.Unlock()
			return nil, &uring.FatalError{Op: "io_uring_enter", Err: err}
		}
		if len(q.cq) >= min || q.woken {
			out := q.cq
			q.cq = nil
			q.woken = false
			q.mu.Unlock()
			return out, nil
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (r *queueRing) Wake() error {
	q := r.q
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return uring.ErrClosed
	}
	q.woken = true
	q.mu.Unlock()
	q.signal()
	return nil
}

// Close cancels whatever is still parked, without completions.
func (r *queueRing) Close() error {
	q := r.q
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for i := range q.tags {
		q.tags[i].armed = false
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

// The engine's buffers live outside the Go heap, so the addresses it hands
// over stay valid while its queue runs.
func copyToUser(addr uint64, data []byte) {
	if addr == 0 || len(data) == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(data)), data)
}

func copyFromUser(addr uint64, n int) []byte {
	if addr == 0 || n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n))
	return out
}

func poll(timeout time.Duration, cond func() bool, err error) error {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}
