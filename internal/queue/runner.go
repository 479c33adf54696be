// Package queue runs the fetch, dispatch and commit loop for one ublk queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ublk-engine/internal/logging"
	"github.com/ehrlich-b/ublk-engine/internal/uapi"
	"github.com/ehrlich-b/ublk-engine/internal/uring"
)

// TagState is where one tag is in the fetch/commit cycle.
type TagState int

const (
	TagIdle           TagState = iota // never submitted
	TagInFlightFetch                  // kernel owns; FETCH_REQ or NEED_GET_DATA in flight
	TagOwned                          // engine owns; request being dispatched
	TagInFlightCommit                 // kernel owns; commit in flight
	TagDone                           // aborted by the kernel, never submitted again
)

func (s TagState) String() string {
	switch s {
	case TagIdle:
		return "idle"
	case TagInFlightFetch:
		return "in-flight-fetch"
	case TagOwned:
		return "owned"
	case TagInFlightCommit:
		return "in-flight-commit"
	case TagDone:
		return "done"
	default:
		return fmt.Sprintf("TagState(%d)", int(s))
	}
}

// DefaultDrainTimeout bounds how long Drain waits for a handler.
const DefaultDrainTimeout = 30 * time.Second

// ringFullBackoff is how long the loop waits before retrying a Wait that
// found the ring full.
const ringFullBackoff = 50 * time.Microsecond

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("queue: runner already started")

// Config describes one queue. The runner takes ownership of Ring and Desc.
type Config struct {
	DevID     uint32
	QueueID   uint16
	Depth     int
	MaxIOSize int

	Ring    uring.Ring
	Desc    *uring.Region
	Handler Handler

	// NeedGetData answers UBLK_IO_RES_NEED_GET_DATA with a NEED_GET_DATA
	// submission before dispatching the write.
	NeedGetData bool

	// CPUs pins the queue thread. Empty leaves the thread unpinned.
	CPUs []int

	// DrainTimeout bounds the wait for in-flight handlers once Drain is
	// called. Zero waits forever; negative selects DefaultDrainTimeout.
	DrainTimeout time.Duration

	Logger *logging.Logger

	// OnComplete is called from the queue thread for every committed
	// request.
	OnComplete func(Completion)
}

type tagSlot struct {
	state  TagState
	gen    uint32
	req    Request
	cancel context.CancelFunc
	start  time.Time
	forced bool
}

type result struct {
	tag uint16
	gen uint32
	res int32
}

// Runner handles I/O for a single ublk queue. All ring traffic happens on
// one locked OS thread, which the driver requires.
type Runner struct {
	devID   uint32
	queueID uint16
	depth   int
	maxIO   int
	cfg     Config

	ring    uring.Ring
	desc    *uring.Region
	buf     *uring.Region
	handler Handler
	logger  *logging.Logger

	// loop-owned
	tags     []tagSlot
	backlog  []uring.Op
	draining bool
	deadline bool
	aborted  bool
	timer    *time.Timer

	results  chan result
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup

	started   atomic.Bool
	cancelReq atomic.Bool
	drainReq  atomic.Bool
	deadlined atomic.Bool
	armed     atomic.Int32
	active    atomic.Int32
	tid       atomic.Int32

	drained     chan struct{}
	drainedOnce sync.Once
	done        chan struct{}
	err         error
	closeOnce   sync.Once
}

// NewRunner allocates the queue's buffer region. Nothing is submitted until
// Start.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Depth < 1 || cfg.Depth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return nil, fmt.Errorf("queue %d: invalid depth %d", cfg.QueueID, cfg.Depth)
	}
	if cfg.MaxIOSize < 1 || cfg.MaxIOSize > uapi.UBLK_IO_BUF_BITS_MASK+1 {
		return nil, fmt.Errorf("queue %d: invalid max I/O size %d", cfg.QueueID, cfg.MaxIOSize)
	}
	if cfg.Ring == nil || cfg.Desc == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("queue %d: ring, descriptors and handler are required", cfg.QueueID)
	}
	if cfg.Desc.Len() < cfg.Depth*uapi.IODescSize {
		return nil, fmt.Errorf("queue %d: descriptor region holds %d bytes, need %d",
			cfg.QueueID, cfg.Desc.Len(), cfg.Depth*uapi.IODescSize)
	}
	if cfg.DrainTimeout < 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	buf, err := uring.MapAnonymous(cfg.Depth * cfg.MaxIOSize)
	if err != nil {
		return nil, fmt.Errorf("queue %d: allocate buffers: %w", cfg.QueueID, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		devID:   cfg.DevID,
		queueID: cfg.QueueID,
		depth:   cfg.Depth,
		maxIO:   cfg.MaxIOSize,
		cfg:     cfg,
		ring:    cfg.Ring,
		desc:    cfg.Desc,
		buf:     buf,
		handler: cfg.Handler,
		logger:  logger.WithDevice(cfg.DevID).WithQueue(cfg.QueueID),
		tags:    make([]tagSlot, cfg.Depth),
		results: make(chan result, 2*cfg.Depth),
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// QueueID returns the queue index.
func (r *Runner) QueueID() uint16 { return r.queueID }

// TID is the queue thread id, zero before Start.
func (r *Runner) TID() int { return int(r.tid.Load()) }

// CPUs returns the affinity the queue thread was asked to use.
func (r *Runner) CPUs() []int { return r.cfg.CPUs }

// Outstanding counts tags whose command is parked in the kernel.
func (r *Runner) Outstanding() int { return int(r.armed.Load()) }

// Dispatching counts requests currently inside the handler.
func (r *Runner) Dispatching() int { return int(r.active.Load()) }

// Done is closed once the loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Drained is closed once Drain was called and no request is owned by the
// engine any more.
func (r *Runner) Drained() <-chan struct{} { return r.drained }

// Err is the transport error that stopped the loop. It is only meaningful
// after Done is closed.
func (r *Runner) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Start spawns the queue thread, primes one fetch per tag and returns once
// the fetches were handed to the kernel.
func (r *Runner) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	primed := make(chan error, 1)
	go r.ioLoop(primed)
	return <-primed
}

// Drain asks the loop to stop re-arming tags and to wait for in-flight
// handlers. It does not block.
func (r *Runner) Drain() {
	if r.drainReq.CompareAndSwap(false, true) {
		r.logger.Debug("drain requested")
		_ = r.ring.Wake()
	}
}

// Cancel makes the loop exit at once without waiting for the kernel to
// abort. Commands still parked are cancelled when the ring closes. It is
// used to unwind a start that failed on another queue.
func (r *Runner) Cancel() {
	if r.cancelReq.CompareAndSwap(false, true) {
		_ = r.ring.Wake()
	}
}

// Close releases a runner that was never started. For a started runner it
// waits for the loop to exit; the kernel side must already be stopped.
func (r *Runner) Close() error {
	if r.started.CompareAndSwap(false, true) {
		close(r.drained)
		r.release()
		close(r.done)
		return nil
	}
	<-r.done
	return nil
}

func (r *Runner) ioLoop(primed chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.tid.Store(int32(unix.Gettid()))
	r.pin()

	if err := r.prime(); err != nil {
		r.err = err
		r.drainedOnce.Do(func() { close(r.drained) })
		r.release()
		close(r.done)
		primed <- err
		return
	}
	r.logger.Info("queue primed", "depth", r.depth, "tid", r.TID())
	primed <- nil

	err := r.loop()
	if err != nil {
		r.logger.Error("queue loop failed", "error", err)
	}
	r.err = err
	r.drainedOnce.Do(func() { close(r.drained) })
	r.release()
	close(r.done)
}

func (r *Runner) pin() {
	if len(r.cfg.CPUs) == 0 {
		return
	}
	var set unix.CPUSet
	for _, cpu := range r.cfg.CPUs {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		r.logger.Warn("failed to set queue affinity", "cpus", r.cfg.CPUs, "error", err)
	}
}

func (r *Runner) prime() error {
	for tag := 0; tag < r.depth; tag++ {
		if err := r.submit(uint16(tag), uring.OpFetch, 0); err != nil {
			return fmt.Errorf("queue %d: prime tag %d: %w", r.queueID, tag, err)
		}
	}
	if err := r.flush(); err != nil {
		return fmt.Errorf("queue %d: prime: %w", r.queueID, err)
	}
	return nil
}

func (r *Runner) loop() error {
	for {
		if r.cancelReq.Load() {
			r.logger.Debug("queue cancelled", "outstanding", r.Outstanding())
			return nil
		}
		if r.drainReq.Load() && !r.draining {
			r.beginDrain()
		}
		if r.deadlined.Load() && !r.deadline {
			r.deadline = true
			r.forceOwned()
		}
		r.collect()
		r.checkDrained()
		if r.finished() {
			return nil
		}
		if err := r.flush(); err != nil {
			return err
		}

		comps, err := r.ring.Wait(1)
		for _, c := range comps {
			if cerr := r.complete(c); cerr != nil {
				return cerr
			}
		}
		if errors.Is(err, uring.ErrRingFull) {
			r.logger.Debug("ring full, retrying wait")
			time.Sleep(ringFullBackoff)
			continue
		}
		if err != nil {
			return err
		}
	}
}

// finished reports that the kernel aborted the queue and nothing is left
// to account for.
func (r *Runner) finished() bool {
	if !r.aborted {
		return false
	}
	for i := range r.tags {
		switch r.tags[i].state {
		case TagInFlightFetch, TagInFlightCommit, TagOwned:
			return false
		}
	}
	return true
}

func (r *Runner) beginDrain() {
	r.draining = true
	if r.cfg.DrainTimeout > 0 {
		r.timer = time.AfterFunc(r.cfg.DrainTimeout, func() {
			r.deadlined.Store(true)
			_ = r.ring.Wake()
		})
	}
	r.logger.Debug("draining queue", "dispatching", r.Dispatching(), "timeout", r.cfg.DrainTimeout)
}

func (r *Runner) checkDrained() {
	if !r.draining {
		return
	}
	for i := range r.tags {
		if r.tags[i].state == TagOwned {
			return
		}
	}
	r.drainedOnce.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.logger.Debug("queue drained", "outstanding", r.Outstanding())
		close(r.drained)
	})
}

// forceOwned commits every request whose handler outlived the drain
// deadline and cancels the handler.
func (r *Runner) forceOwned() {
	for i := range r.tags {
		t := &r.tags[i]
		if t.state != TagOwned || t.forced {
			continue
		}
		r.logger.Warn("handler exceeded drain timeout, failing request",
			"tag", i, "op", OpName(t.req.Op), "elapsed", time.Since(t.start))
		t.forced = true
		t.cancel()
		res := -int32(syscall.ETIMEDOUT)
		r.observe(uint16(i), res, true)
		if r.aborted {
			t.state = TagDone
			continue
		}
		if err := r.submit(uint16(i), uring.OpCommit, res); err != nil {
			r.logger.Error("forced commit failed", "tag", i, "error", err)
		}
	}
}

// collect turns finished handlers into commits.
func (r *Runner) collect() {
	for {
		select {
		case res := <-r.results:
			r.finish(res)
		default:
			return
		}
	}
}

func (r *Runner) finish(res result) {
	if int(res.tag) >= r.depth {
		return
	}
	t := &r.tags[res.tag]
	r.active.Add(-1)
	if res.gen != t.gen || t.state != TagOwned {
		// forced commit already went out for this request
		return
	}
	t.cancel()
	r.observe(res.tag, res.res, false)

	if r.aborted {
		t.state = TagDone
		return
	}
	kind := uring.OpCommitAndFetch
	if r.draining {
		kind = uring.OpCommit
	}
	if err := r.submit(res.tag, kind, res.res); err != nil {
		r.logger.Error("commit failed", "tag", res.tag, "error", err)
	}
}

func (r *Runner) observe(tag uint16, res int32, forced bool) {
	t := &r.tags[tag]
	if r.logger.DebugEnabled() {
		r.logger.Debug("request complete", "tag", tag, "op", OpName(t.req.Op),
			"offset", t.req.Offset, "len", t.req.Length, "result", res, "forced", forced)
	}
	if r.cfg.OnComplete == nil {
		return
	}
	r.cfg.OnComplete(Completion{
		Queue:   r.queueID,
		Tag:     tag,
		Op:      t.req.Op,
		Offset:  t.req.Offset,
		Length:  t.req.Length,
		Result:  res,
		Latency: time.Since(t.start),
		Forced:  forced,
	})
}

// complete applies one CQE to its tag.
func (r *Runner) complete(c uring.Completion) error {
	tag, kind := decodeUserData(c.UserData)
	if int(tag) >= r.depth {
		r.logger.Warn("completion for unknown tag", "tag", tag, "user_data", c.UserData)
		return nil
	}
	t := &r.tags[tag]
	if t.state != TagInFlightFetch && t.state != TagInFlightCommit {
		return fmt.Errorf("queue %d: %s completion for tag %d in state %s", r.queueID, kind, tag, t.state)
	}
	r.armed.Add(-1)

	switch {
	case c.Res == uapi.UBLK_IO_RES_OK:
		return r.dispatch(tag)

	case c.Res == uapi.UBLK_IO_RES_NEED_GET_DATA:
		if !r.cfg.NeedGetData {
			return fmt.Errorf("queue %d: tag %d NEED_GET_DATA without the feature", r.queueID, tag)
		}
		if r.aborted {
			t.state = TagDone
			return nil
		}
		return r.submit(tag, uring.OpNeedGetData, 0)

	case c.Res == uapi.UBLK_IO_RES_ABORT:
		if !r.aborted {
			r.logger.Info("queue aborted by kernel")
			r.aborted = true
		}
		t.state = TagDone
		return nil

	default:
		return fmt.Errorf("queue %d: %s for tag %d failed: %w", r.queueID, kind, tag, syscall.Errno(-c.Res))
	}
}

// dispatch reads the tag's descriptor and hands the request to the handler
// on its own goroutine.
func (r *Runner) dispatch(tag uint16) error {
	raw, err := r.desc.Slice(int(tag)*uapi.IODescSize, uapi.IODescSize)
	if err != nil {
		return err
	}
	var desc uapi.UblksrvIODesc
	if err := uapi.ParseIODesc(raw, &desc); err != nil {
		return err
	}

	t := &r.tags[tag]
	t.state = TagOwned
	t.gen++
	t.forced = false
	t.start = time.Now()
	t.req = Request{
		Queue:  r.queueID,
		Tag:    tag,
		Op:     desc.GetOp(),
		Flags:  desc.GetFlags(),
		Offset: desc.Offset(),
		Length: desc.Length(),
	}

	ctx, cancel := context.WithCancel(r.ctx)
	t.cancel = cancel
	gen := t.gen

	if t.req.Op == uapi.UBLK_IO_OP_READ || t.req.Op == uapi.UBLK_IO_OP_WRITE {
		if int(t.req.Length) > r.maxIO {
			r.active.Add(1)
			r.results <- result{tag: tag, gen: gen, res: -int32(syscall.EINVAL)}
			return nil
		}
		buf, err := r.buf.Slice(int(tag)*r.maxIO, int(t.req.Length))
		if err != nil {
			return err
		}
		t.req.Buf = buf
	}

	req := t.req
	r.active.Add(1)
	r.handlers.Add(1)
	go func() {
		defer r.handlers.Done()
		res := r.handle(ctx, &req)
		r.results <- result{tag: tag, gen: gen, res: res}
		_ = r.ring.Wake()
	}()
	return nil
}

// handle runs the handler for one request. A panic fails the request with
// EIO and leaves the queue running.
func (r *Runner) handle(ctx context.Context, req *Request) (res int32) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic", "tag", req.Tag, "op", req.OpName(),
				"offset", req.Offset, "len", req.Length, "panic", fmt.Sprint(p),
				"stack", string(debug.Stack()))
			res = -int32(syscall.EIO)
		}
	}()
	err := r.handler.Handle(ctx, req)
	if err == nil && req.short {
		return req.result
	}
	return resultCode(req.Length, err)
}

// submit queues a command for tag. A full ring parks the command on the
// backlog, which the next flush retries.
func (r *Runner) submit(tag uint16, kind uring.OpKind, res int32) error {
	op := uring.Op{
		Kind:     kind,
		UserData: encodeUserData(tag, kind),
		IO: uapi.UblksrvIOCmd{
			QID:    r.queueID,
			Tag:    tag,
			Result: res,
			Addr:   r.buf.Addr(int(tag) * r.maxIO),
		},
	}

	t := &r.tags[tag]
	if kind == uring.OpFetch || kind == uring.OpNeedGetData {
		t.state = TagInFlightFetch
	} else {
		t.state = TagInFlightCommit
	}
	r.armed.Add(1)

	if len(r.backlog) > 0 {
		r.backlog = append(r.backlog, op)
		return nil
	}
	err := r.ring.Submit(op)
	if errors.Is(err, uring.ErrRingFull) {
		r.backlog = append(r.backlog, op)
		return nil
	}
	return err
}

// flush retries the backlog and hands queued submissions to the kernel.
func (r *Runner) flush() error {
	for len(r.backlog) > 0 {
		if err := r.ring.Flush(); err != nil && !errors.Is(err, uring.ErrRingFull) {
			return err
		}
		err := r.ring.Submit(r.backlog[0])
		if errors.Is(err, uring.ErrRingFull) {
			break
		}
		if err != nil {
			return err
		}
		r.backlog = r.backlog[1:]
	}
	if err := r.ring.Flush(); err != nil && !errors.Is(err, uring.ErrRingFull) {
		return err
	}
	return nil
}

// release closes the ring and unmaps the descriptors. The buffer region is
// unmapped once every handler goroutine has returned.
func (r *Runner) release() {
	r.closeOnce.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.cancel()
		if err := r.ring.Close(); err != nil {
			r.logger.Warn("close ring", "error", err)
		}
		if err := r.desc.Unmap(); err != nil {
			r.logger.Warn("unmap descriptors", "error", err)
		}
		go func() {
			r.handlers.Wait()
			if err := r.buf.Unmap(); err != nil {
				r.logger.Warn("unmap buffers", "error", err)
			}
		}()
	})
}

// User data carries the tag in the low 16 bits and the op kind above it.
func encodeUserData(tag uint16, kind uring.OpKind) uint64 {
	return uint64(kind)<<16 | uint64(tag)
}

func decodeUserData(ud uint64) (uint16, uring.OpKind) {
	return uint16(ud), uring.OpKind(ud >> 16)
}
