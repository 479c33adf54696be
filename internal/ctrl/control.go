// Package ctrl drives the ublk control device. Every lifecycle command goes
// through Controller.Execute and comes back as an Outcome.
package ctrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/ublk-engine/internal/logging"
	"github.com/ehrlich-b/ublk-engine/internal/uapi"
	"github.com/ehrlich-b/ublk-engine/internal/uring"
)

var (
	// ErrTimeout is wrapped by a CommandError when a command exceeded its
	// deadline.
	ErrTimeout = errors.New("ctrl: command timed out")
	// ErrDeleted is returned for commands aimed at a device this controller
	// already deleted.
	ErrDeleted = errors.New("ctrl: device deleted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ctrl: controller closed")
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultRetryBudget = 5 * time.Second

	backoffMin = 10 * time.Millisecond
	backoffMax = 500 * time.Millisecond

	// ringFullBackoff spaces out Waits that found the ring full.
	ringFullBackoff = 100 * time.Microsecond
)

// Options tunes a Controller.
type Options struct {
	// Timeout bounds one attempt of one command. Zero means DefaultTimeout.
	Timeout time.Duration
	// RetryBudget bounds the time spent retrying Busy outcomes. Negative
	// disables retries, zero means DefaultRetryBudget.
	RetryBudget time.Duration
	// Unprivileged prefixes payloads with the char device path.
	Unprivileged bool
	Logger       *logging.Logger
}

// Controller owns one control ring. Commands are executed one at a time.
type Controller struct {
	mu      sync.Mutex
	ring    uring.Ring
	opts    Options
	logger  *logging.Logger
	seq     uint64
	deleted map[uint32]struct{}
	closed  bool
}

// Open opens a control ring from k.
func Open(k uring.Kernel, opts Options) (*Controller, error) {
	r, err := k.Control()
	if err != nil {
		return nil, fmt.Errorf("open control ring: %w", err)
	}
	return New(r, opts), nil
}

// New wraps an already open ring. The controller takes ownership of it.
func New(r uring.Ring, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryBudget == 0 {
		opts.RetryBudget = DefaultRetryBudget
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		ring:    r,
		opts:    opts,
		logger:  logger,
		deleted: make(map[uint32]struct{}),
	}
}

// Close releases the control ring.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ring.Close()
}

// Execute runs cmd to completion. Busy outcomes are retried with backoff
// until the retry budget runs out. The error is nil exactly when the
// outcome is Success; otherwise it is a *CommandError.
func (c *Controller) Execute(ctx context.Context, cmd Command) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	devID := cmd.DeviceID()
	if c.closed {
		return Outcome{Status: StatusFatal}, &CommandError{Command: cmd.Name(), DevID: devID, Outcome: Outcome{Status: StatusFatal}, Err: ErrClosed}
	}
	if _, gone := c.deleted[devID]; gone && cmd.Opcode() != uapi.UBLK_CMD_ADD_DEV {
		out := Outcome{Status: StatusNotFound}
		return out, &CommandError{Command: cmd.Name(), DevID: devID, Outcome: out, Err: ErrDeleted}
	}

	var budget time.Time
	if c.opts.RetryBudget > 0 {
		budget = time.Now().Add(c.opts.RetryBudget)
	}
	delay := backoffMin

	for attempt := 1; ; attempt++ {
		out, err := c.once(ctx, cmd)
		if out.Status != StatusBusy || budget.IsZero() || ctx.Err() != nil {
			c.record(cmd, out, err)
			return out, err
		}
		remaining := time.Until(budget)
		if remaining <= 0 {
			c.record(cmd, out, err)
			return out, err
		}
		if delay > remaining {
			delay = remaining
		}
		c.logger.Debug("control command busy, retrying",
			"cmd", cmd.Name(), "dev_id", devID, "attempt", attempt, "backoff", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.record(cmd, out, err)
			return out, err
		case <-t.C:
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}

func (c *Controller) record(cmd Command, out Outcome, err error) {
	if out.OK() {
		switch cmd.Opcode() {
		case uapi.UBLK_CMD_DEL_DEV:
			c.deleted[cmd.DeviceID()] = struct{}{}
		case uapi.UBLK_CMD_ADD_DEV:
			delete(c.deleted, cmd.DeviceID())
		}
		return
	}
	c.logger.Debug("control command failed", "cmd", cmd.Name(), "dev_id", cmd.DeviceID(),
		"status", out.Status.String(), "errno", int(out.Errno), "error", err)
}

// once submits cmd and waits for its completion or its deadline.
func (c *Controller) once(ctx context.Context, cmd Command) (Outcome, error) {
	devID := cmd.DeviceID()
	fail := func(out Outcome, err error) (Outcome, error) {
		return out, &CommandError{Command: cmd.Name(), DevID: devID, Outcome: out, Err: err}
	}

	hdr := uapi.UblksrvCtrlCmd{DevID: devID, QueueID: 0xFFFF}
	payload := cmd.encode(&hdr)

	prefix := 0
	if c.opts.Unprivileged && needsDevPath(cmd.Opcode()) {
		path := uapi.UblkDevicePath(devID)
		prefix = len(path)
		buf := make([]byte, prefix+len(payload))
		copy(buf, path)
		copy(buf[prefix:], payload)
		payload = buf
		hdr.DevPathLen = uint16(prefix)
	}
	hdr.Len = uint16(len(payload))

	c.seq++
	ud := c.seq
	op := uring.Op{Kind: uring.OpCtrl, UserData: ud, CtrlOp: cmd.Opcode(), Ctrl: hdr, Buf: payload}

	c.logger.Debug("submitting control command", "cmd", cmd.Name(), "dev_id", devID, "len", hdr.Len, "seq", ud)

	if err := c.submit(op); err != nil {
		if errors.Is(err, uring.ErrRingFull) {
			return fail(Outcome{Status: StatusBusy}, err)
		}
		return fail(Outcome{Status: StatusFatal}, err)
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.opts.Timeout, func() {
		timedOut.Store(true)
		_ = c.ring.Wake()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { _ = c.ring.Wake() })
	defer stop()

	for {
		comps, err := c.ring.Wait(1)
		for _, comp := range comps {
			if comp.UserData != ud {
				c.logger.Debug("discarding stale control completion", "seq", comp.UserData, "res", comp.Res)
				continue
			}
			status, errno := StatusFromResult(comp.Res)
			out := Outcome{Status: status, Errno: errno, Res: comp.Res}
			if status != StatusSuccess {
				return fail(out, nil)
			}
			if derr := cmd.decode(comp.Res, payload[prefix:]); derr != nil {
				out.Status = StatusFatal
				return fail(out, fmt.Errorf("decode reply: %w", derr))
			}
			return out, nil
		}
		if errors.Is(err, uring.ErrRingFull) {
			c.logger.Debug("control ring full, retrying wait", "cmd", cmd.Name(), "seq", ud)
			time.Sleep(ringFullBackoff)
		} else if err != nil {
			return fail(Outcome{Status: StatusFatal}, err)
		}
		if cerr := ctx.Err(); cerr != nil {
			return fail(Outcome{Status: cmd.onTimeout()}, cerr)
		}
		if timedOut.Load() {
			return fail(Outcome{Status: cmd.onTimeout()}, ErrTimeout)
		}
	}
}

// submit queues op, flushing once if the ring is full.
func (c *Controller) submit(op uring.Op) error {
	err := c.ring.Submit(op)
	if errors.Is(err, uring.ErrRingFull) {
		if ferr := c.ring.Flush(); ferr != nil && !errors.Is(ferr, uring.ErrRingFull) {
			return ferr
		}
		err = c.ring.Submit(op)
	}
	return err
}

// needsDevPath reports whether an unprivileged command carries the char
// device path. ADD_DEV has no device yet and GET_FEATURES is global.
func needsDevPath(opcode uint32) bool {
	return opcode != uapi.UBLK_CMD_ADD_DEV && opcode != uapi.UBLK_CMD_GET_FEATURES
}
