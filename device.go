package ublk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/ublk-engine/internal/constants"
	"github.com/ehrlich-b/ublk-engine/internal/ctrl"
	"github.com/ehrlich-b/ublk-engine/internal/logging"
	"github.com/ehrlich-b/ublk-engine/internal/queue"
	"github.com/ehrlich-b/ublk-engine/internal/uapi"
	"github.com/ehrlich-b/ublk-engine/internal/uring"
)

// DeviceState represents the current state of a ublk device
type DeviceState string

const (
	// DeviceStateUnconfigured indicates no kernel device is attached
	DeviceStateUnconfigured DeviceState = "unconfigured"
	// DeviceStateCreated indicates the device has been added but not started
	DeviceStateCreated DeviceState = "created"
	// DeviceStateStarting indicates queues are being primed
	DeviceStateStarting DeviceState = "starting"
	// DeviceStateRunning indicates the device is actively serving I/O
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopping indicates queues are draining
	DeviceStateStopping DeviceState = "stopping"
	// DeviceStateStopped indicates the device has been stopped
	DeviceStateStopped DeviceState = "stopped"
	// DeviceStateErrored indicates a queue or control failure; only Delete
	// is accepted
	DeviceStateErrored DeviceState = "errored"
)

// Kernel opens the control and per-device endpoints. Tests substitute a
// simulated driver.
type Kernel = uring.Kernel

// KernelInfo is the device info reported by GET_DEV_INFO.
type KernelInfo = uapi.UblksrvCtrlDevInfo

// KernelParams are the block-layer parameters reported by GET_PARAMS.
type KernelParams = uapi.UblkParams

// Options contains additional options for device creation
type Options struct {
	// Logger for lifecycle and queue messages (if nil, uses DefaultLogger)
	Logger *Logger

	// Observer for metrics collection, called in addition to the device's
	// own Metrics. It may also implement LifecycleObserver and
	// CompletionObserver.
	Observer Observer

	// DrainTimeout bounds how long Stop waits for in-flight handlers before
	// failing their requests with ETIMEDOUT. Zero selects
	// DefaultDrainTimeout; negative waits forever.
	DrainTimeout time.Duration

	// CommandTimeout bounds a single control command. Zero selects the
	// control channel default.
	CommandTimeout time.Duration

	// RunDir, if set, receives a JSON export of the running device.
	RunDir string

	// Kernel defaults to the real driver.
	Kernel Kernel
}

// session is one run of the queues, from Start until they have all exited.
type session struct {
	file    uring.DeviceFile
	runners []*queue.Runner

	live     atomic.Bool
	halting  atomic.Bool
	haltOnce sync.Once
	halted   chan struct{}
}

// Device represents a ublk block device
type Device struct {
	// ID is the device ID assigned by the kernel
	ID uint32

	// Path is the path to the block device (e.g., "/dev/ublkb0")
	Path string

	// CharPath is the path to the character device (e.g., "/dev/ublkc0")
	CharPath string

	// Backend is the backend implementation, nil for handler-only devices
	Backend Backend

	params    DeviceParams
	opts      Options
	kernel    Kernel
	metrics   *Metrics
	observers []Observer
	instance  string
	root      *Logger
	logger    *Logger

	// opMu serializes Add, Start, Stop, Delete and Recover.
	opMu sync.Mutex

	mu         sync.Mutex
	state      DeviceState
	err        error
	ctrl       *ctrl.Controller
	info       KernelInfo
	sess       *session
	recovering bool
	done       chan struct{}
}

// New returns an unconfigured device. Nothing touches the kernel until Add
// or Recover.
func New(params DeviceParams, options *Options) *Device {
	var opts Options
	if options != nil {
		opts = *options
	}
	if opts.Kernel == nil {
		opts.Kernel = &uring.LinuxKernel{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	observers := []Observer{NewMetricsObserver(metrics)}
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}

	instance := uuid.NewString()
	root := logger.WithInstance(instance)
	params = params.withDefaults()

	return &Device{
		Backend:   params.Backend,
		params:    params,
		opts:      opts,
		kernel:    opts.Kernel,
		metrics:   metrics,
		observers: observers,
		instance:  instance,
		root:      root,
		logger:    root,
		state:     DeviceStateUnconfigured,
		done:      make(chan struct{}),
	}
}

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateUnconfigured
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the fault that moved the device to DeviceStateErrored.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Done is closed once the device has stopped serving: its queues exited
// after Stop or after a fault.
func (d *Device) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Instance is the per-process id of this device handle, found in logs and
// the device export.
func (d *Device) Instance() string {
	return d.instance
}

// transition moves the device to to if it is currently in one of from.
func (d *Device) transition(to DeviceState, cause error, from ...DeviceState) bool {
	d.mu.Lock()
	cur := d.state
	if !slices.Contains(from, cur) {
		d.mu.Unlock()
		return false
	}
	d.state = to
	if to == DeviceStateErrored {
		d.err = cause
	}
	devID := d.ID
	d.mu.Unlock()

	if to == DeviceStateErrored {
		d.logger.Error("device state changed", "from", cur, "to", to, "error", cause)
	} else {
		d.logger.Info("device state changed", "from", cur, "to", to)
	}
	ev := TransitionEvent{DevID: devID, From: cur, To: to, Err: cause, Time: time.Now()}
	for _, o := range d.observers {
		if lo, ok := o.(LifecycleObserver); ok {
			lo.ObserveTransition(ev)
		}
	}
	return true
}

func (d *Device) stateError(op string, st DeviceState) error {
	return NewDeviceError(op, d.ID, ErrCodeInvalidState, fmt.Sprintf("device is %s", st))
}

func (d *Device) controller() *ctrl.Controller {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctrl
}

func (d *Device) session() *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess
}

func (d *Device) openController() (*ctrl.Controller, error) {
	c, err := ctrl.Open(d.kernel, ctrl.Options{
		Timeout:      d.opts.CommandTimeout,
		Unprivileged: d.params.EnableUnprivileged,
		Logger:       d.root,
	})
	if err != nil {
		return nil, WrapError("open control", err)
	}
	return c, nil
}

// attach records the kernel identity of the device.
func (d *Device) attach(c *ctrl.Controller, info KernelInfo) {
	d.mu.Lock()
	d.ctrl = c
	d.info = info
	d.ID = info.DevID
	d.Path = uapi.UblkBlockDevicePath(info.DevID)
	d.CharPath = uapi.UblkDevicePath(info.DevID)
	d.mu.Unlock()
	d.logger = d.root.WithDevice(info.DevID)
}

// Add validates the parameters and creates the kernel device: ADD_DEV
// followed by SET_PARAMS. On success the device is Created.
func (d *Device) Add(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if st := d.State(); st != DeviceStateUnconfigured {
		return d.stateError("Add", st)
	}
	p := &d.params
	if err := p.Validate(); err != nil {
		return err
	}

	c, err := d.openController()
	if err != nil {
		return err
	}

	requested := p.flags()
	features := &ctrl.GetFeaturesCommand{}
	if _, err := c.Execute(ctx, features); err != nil {
		// kernels before 6.5 lack GET_FEATURES; ADD_DEV still masks flags
		d.logger.Debug("GET_FEATURES unavailable", "error", err)
	} else if missing := requested &^ features.Features; missing != 0 {
		_ = c.Close()
		return NewError("Add", ErrCodeUnsupported, fmt.Sprintf("kernel does not support feature flags %#x", missing))
	}

	cp := p.ctrlParams()
	add := &ctrl.AddCommand{Info: cp.DevInfo()}
	if _, err := c.Execute(ctx, add); err != nil {
		_ = c.Close()
		var devID uint32
		if p.DeviceID >= 0 {
			devID = uint32(p.DeviceID)
		}
		return commandError("ADD_DEV", devID, err)
	}
	devID := add.Info.DevID

	if dropped := requested &^ add.Info.Flags; dropped != 0 {
		d.discard(ctx, c, devID)
		return NewDeviceError("Add", devID, ErrCodeUnsupported, fmt.Sprintf("kernel dropped feature flags %#x", dropped))
	}

	set := &ctrl.SetParamsCommand{DevID: devID, Params: cp.KernelParams()}
	if _, err := c.Execute(ctx, set); err != nil {
		d.discard(ctx, c, devID)
		return commandError("SET_PARAMS", devID, err)
	}

	d.attach(c, add.Info)
	d.transition(DeviceStateCreated, nil, DeviceStateUnconfigured)
	return nil
}

// discard deletes a half-created device and closes its controller.
func (d *Device) discard(ctx context.Context, c *ctrl.Controller, devID uint32) {
	if _, err := c.Execute(context.WithoutCancel(ctx), &ctrl.DeleteCommand{DevID: devID}); err != nil {
		d.root.Warn("failed to delete partially created device", "dev_id", devID, "error", err)
	}
	_ = c.Close()
}

// Start allocates and primes every queue, then issues START_DEV. If a queue
// cannot be brought up the device returns to Created. A rejected START_DEV
// leaves the device Errored.
func (d *Device) Start(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.start(ctx)
}

func (d *Device) start(ctx context.Context) error {
	if !d.transition(DeviceStateStarting, nil, DeviceStateCreated) {
		return d.stateError("Start", d.State())
	}

	s, err := d.startQueues(ctx)
	if err != nil {
		d.transition(DeviceStateCreated, nil, DeviceStateStarting)
		return err
	}
	d.mu.Lock()
	d.sess = s
	recovering := d.recovering
	d.mu.Unlock()

	pid := int32(os.Getpid())
	var cmd ctrl.Command = &ctrl.StartCommand{DevID: d.ID, PID: pid}
	if recovering {
		cmd = &ctrl.EndRecoveryCommand{DevID: d.ID, PID: pid}
	}
	if _, err := d.controller().Execute(ctx, cmd); err != nil {
		err = commandError(cmd.Name(), d.ID, err)
		d.fail(s, err)
		<-s.halted
		return err
	}

	s.live.Store(true)
	d.mu.Lock()
	d.recovering = false
	d.mu.Unlock()
	for _, r := range s.runners {
		go d.watch(s, r)
	}
	if !d.transition(DeviceStateRunning, nil, DeviceStateStarting) {
		// a queue failed between priming and now
		return d.Err()
	}
	d.metrics.StartTime.Store(time.Now().UnixNano())
	d.metrics.StopTime.Store(0)
	if err := d.writeExport(); err != nil {
		d.logger.Warn("failed to write device export", "dir", d.opts.RunDir, "error", err)
	}
	return nil
}

// startQueues opens the char device and brings up one runner per queue in
// parallel. On error everything allocated so far is released.
func (d *Device) startQueues(ctx context.Context) (*session, error) {
	file, err := d.kernel.OpenDevice(d.ID)
	if err != nil {
		e := WrapError("open device", err)
		e.DevID = d.ID
		return nil, e
	}

	p := &d.params
	s := &session{
		file:    file,
		runners: make([]*queue.Runner, p.NumQueues),
		halted:  make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	for q := 0; q < p.NumQueues; q++ {
		qid := uint16(q)
		g.Go(func() error {
			cpus := d.queueAffinity(gctx, qid)
			ring, desc, err := file.Queue(qid, p.QueueDepth)
			if err != nil {
				return d.queueError("open queue", qid, err)
			}
			r, err := queue.NewRunner(queue.Config{
				DevID:        d.ID,
				QueueID:      qid,
				Depth:        p.QueueDepth,
				MaxIOSize:    p.MaxIOSize,
				Ring:         ring,
				Desc:         desc,
				Handler:      p.Handler,
				NeedGetData:  d.info.Flags&uapi.UBLK_F_NEED_GET_DATA != 0,
				CPUs:         cpus,
				DrainTimeout: d.drainTimeout(),
				Logger:       d.root,
				OnComplete:   d.onComplete(s, qid),
			})
			if err != nil {
				_ = ring.Close()
				_ = desc.Unmap()
				return d.queueError("new runner", qid, err)
			}
			s.runners[qid] = r
			if err := r.Start(); err != nil {
				return d.queueError("prime", qid, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, r := range s.runners {
			if r != nil {
				r.Cancel()
				_ = r.Close()
			}
		}
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

func (d *Device) queueError(op string, qid uint16, err error) error {
	e := WrapError(op, err)
	e.DevID = d.ID
	e.Queue = int(qid)
	return e
}

// queueAffinity picks the CPUs for a queue thread: the configured list
// round-robin, else whatever GET_QUEUE_AFFINITY reports.
func (d *Device) queueAffinity(ctx context.Context, qid uint16) []int {
	if cpus := d.params.CPUAffinity; len(cpus) > 0 {
		return []int{cpus[int(qid)%len(cpus)]}
	}
	cmd := &ctrl.GetQueueAffinityCommand{DevID: d.ID, Queue: qid}
	if _, err := d.controller().Execute(ctx, cmd); err != nil {
		d.logger.Debug("queue affinity unavailable", "queue_id", qid, "error", err)
		return nil
	}
	return cmd.CPUs
}

// drainTimeout converts Options.DrainTimeout to the queue's convention.
func (d *Device) drainTimeout() time.Duration {
	switch {
	case d.opts.DrainTimeout == 0:
		return -1
	case d.opts.DrainTimeout < 0:
		return 0
	default:
		return d.opts.DrainTimeout
	}
}

func (d *Device) onComplete(s *session, qid uint16) func(queue.Completion) {
	return func(c queue.Completion) {
		ev := completionEvent(d.ID, c)
		depth := uint32(s.runners[qid].Dispatching())
		for _, o := range d.observers {
			observeCompletion(o, ev, depth)
		}
	}
}

// watch turns an unexpected queue exit into a device fault.
func (d *Device) watch(s *session, r *queue.Runner) {
	<-r.Done()
	err := r.Err()
	if err == nil {
		if s.halting.Load() {
			return
		}
		err = errors.New("queue aborted by the kernel")
	}
	d.fail(s, &Error{
		Op:    "queue",
		DevID: d.ID,
		Queue: int(r.QueueID()),
		Code:  ErrCodeQueueFault,
		Msg:   err.Error(),
		Inner: err,
	})
}

// fail moves the device to Errored and tears the session down.
func (d *Device) fail(s *session, err error) {
	if !d.transition(DeviceStateErrored, err, DeviceStateStarting, DeviceStateRunning, DeviceStateStopping) {
		return
	}
	d.halt(s)
}

func (d *Device) halt(s *session) {
	s.haltOnce.Do(func() {
		s.halting.Store(true)
		go d.shutdown(s)
	})
}

// shutdown drains every queue, issues STOP_DEV so the kernel aborts the
// parked fetches, waits for the queue threads and closes the char device.
func (d *Device) shutdown(s *session) {
	defer close(s.halted)

	for _, r := range s.runners {
		r.Drain()
	}
	for _, r := range s.runners {
		<-r.Drained()
	}

	var stopErr error
	if s.live.Load() {
		stop := &ctrl.StopCommand{DevID: d.ID}
		if _, err := d.controller().Execute(context.Background(), stop); err != nil {
			stopErr = commandError("STOP_DEV", d.ID, err)
		}
	}
	if !s.live.Load() || stopErr != nil {
		// nothing will abort the fetches
		for _, r := range s.runners {
			r.Cancel()
		}
	}
	d.awaitRunners(s)

	if err := s.file.Close(); err != nil {
		d.logger.Warn("failed to close char device", "error", err)
	}
	d.metrics.Stop()
	d.removeExport()

	if stopErr != nil {
		d.transition(DeviceStateErrored, stopErr, DeviceStateStopping, DeviceStateRunning)
	} else {
		d.transition(DeviceStateStopped, nil, DeviceStateStopping)
	}
	d.closeDone()
}

// awaitRunners waits for every queue loop to exit, cancelling them if the
// kernel has not aborted their commands in time.
func (d *Device) awaitRunners(s *session) {
	timer := time.NewTimer(constants.ForcedTeardownWait)
	defer timer.Stop()

	expired := false
	for _, r := range s.runners {
		if !expired {
			select {
			case <-r.Done():
				continue
			case <-timer.C:
				expired = true
				d.logger.Warn("queues still running after STOP_DEV, cancelling", "queue_id", r.QueueID())
				for _, rr := range s.runners {
					rr.Cancel()
				}
			}
		}
		<-r.Done()
	}
}

func (d *Device) closeDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

// Stop drains in-flight requests and stops the kernel device. Calling Stop
// while Stopping or Stopped returns nil; a device that was Created but never
// started moves straight to Stopped.
func (d *Device) Stop(ctx context.Context) error {
	d.opMu.Lock()
	st := d.State()
	switch st {
	case DeviceStateCreated:
		d.transition(DeviceStateStopped, nil, DeviceStateCreated)
		d.closeDone()
		d.opMu.Unlock()
		return nil
	case DeviceStateStopping, DeviceStateStopped:
		d.opMu.Unlock()
		return nil
	case DeviceStateErrored:
		d.opMu.Unlock()
		return d.Err()
	case DeviceStateRunning:
	default:
		d.opMu.Unlock()
		return d.stateError("Stop", st)
	}

	s := d.session()
	if d.transition(DeviceStateStopping, nil, DeviceStateRunning) {
		d.halt(s)
	}
	d.opMu.Unlock()

	select {
	case <-s.halted:
	case <-ctx.Done():
		return &Error{Op: "Stop", DevID: d.ID, Queue: -1, Code: ErrCodeTimeout, Msg: "queues still draining", Inner: ctx.Err()}
	}
	if d.State() == DeviceStateErrored {
		return d.Err()
	}
	return nil
}

// Delete removes the kernel device. It is accepted only from Stopped, and
// from Errored as a forced teardown that never fails.
func (d *Device) Delete(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	switch st := d.State(); st {
	case DeviceStateStopped:
		del := &ctrl.DeleteCommand{DevID: d.ID}
		if _, err := d.controller().Execute(ctx, del); err != nil {
			cerr := commandError("DEL_DEV", d.ID, err)
			if !errors.Is(cerr, ErrDeviceNotFound) {
				return cerr
			}
			d.logger.Warn("device already gone", "error", err)
		}
	case DeviceStateErrored:
		d.forceTeardown(ctx)
	default:
		return NewDeviceError("Delete", d.ID, ErrCodeDeviceBusy, fmt.Sprintf("device is %s", st))
	}

	d.release()
	return nil
}

// forceTeardown releases whatever an Errored device still holds. Failures
// are logged.
func (d *Device) forceTeardown(ctx context.Context) {
	if s := d.session(); s != nil {
		select {
		case <-s.halted:
		case <-ctx.Done():
		case <-time.After(constants.ForcedTeardownWait):
		}
		select {
		case <-s.halted:
		default:
			d.logger.Warn("queues still running, cancelling")
			for _, r := range s.runners {
				r.Cancel()
			}
			select {
			case <-s.halted:
			case <-time.After(constants.ForcedTeardownWait):
				d.logger.Warn("queues did not exit, deleting anyway")
			}
		}
	}

	c := d.controller()
	if c == nil {
		return
	}
	dctx := context.WithoutCancel(ctx)
	if _, err := c.Execute(dctx, &ctrl.StopCommand{DevID: d.ID}); err != nil {
		d.logger.Warn("forced STOP_DEV failed", "error", err)
	}
	if _, err := c.Execute(dctx, &ctrl.DeleteCommand{DevID: d.ID}); err != nil {
		d.logger.Warn("forced DEL_DEV failed", "error", err)
	}
}

// release drops the kernel identity and returns to Unconfigured.
func (d *Device) release() {
	d.removeExport()
	d.mu.Lock()
	c := d.ctrl
	d.ctrl = nil
	d.sess = nil
	d.err = nil
	d.recovering = false
	select {
	case <-d.done:
		d.done = make(chan struct{})
	default:
	}
	d.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
	d.transition(DeviceStateUnconfigured, nil, DeviceStateStopped, DeviceStateErrored)
}

// Recover attaches to a device left QUIESCED by a previous server, which
// must have been created with EnableUserRecovery. DeviceParams.DeviceID
// selects it; queue geometry is taken from the kernel. On success the
// device is Running with fresh queues.
func (d *Device) Recover(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if st := d.State(); st != DeviceStateUnconfigured {
		return d.stateError("Recover", st)
	}
	if d.params.DeviceID < 0 {
		return NewError("Recover", ErrCodeInvalidParameters, "Recover needs DeviceID")
	}
	devID := uint32(d.params.DeviceID)

	c, err := d.openController()
	if err != nil {
		return err
	}
	info := &ctrl.GetInfoCommand{DevID: devID, V2: d.params.EnableUnprivileged}
	if _, err := c.Execute(ctx, info); err != nil {
		_ = c.Close()
		return commandError(info.Name(), devID, err)
	}
	if info.Info.Flags&uapi.UBLK_F_USER_RECOVERY == 0 {
		_ = c.Close()
		return NewDeviceError("Recover", devID, ErrCodeUnsupported, "device was not created with user recovery")
	}
	if err := d.adopt(ctx, c, devID, info.Info); err != nil {
		_ = c.Close()
		return err
	}

	if err := d.startRecovery(ctx, c, devID); err != nil {
		_ = c.Close()
		return err
	}

	d.attach(c, info.Info)
	d.mu.Lock()
	d.recovering = true
	d.mu.Unlock()
	d.transition(DeviceStateCreated, nil, DeviceStateUnconfigured)
	return d.start(ctx)
}

// adopt takes the geometry of an existing device.
func (d *Device) adopt(ctx context.Context, c *ctrl.Controller, devID uint32, info KernelInfo) error {
	p := &d.params
	p.NumQueues = int(info.NrHwQueues)
	p.QueueDepth = int(info.QueueDepth)
	if info.MaxIOBufBytes > 0 {
		p.MaxIOSize = int(info.MaxIOBufBytes)
	}

	kp := &ctrl.GetParamsCommand{DevID: devID}
	if _, err := c.Execute(ctx, kp); err != nil {
		d.root.Debug("GET_PARAMS failed, keeping configured geometry", "dev_id", devID, "error", err)
	} else if kp.Params.HasBasic() && kp.Params.Basic.DevSectors > 0 {
		p.LogicalBlockSize = 1 << kp.Params.Basic.LogicalBSShift
		p.Size = int64(kp.Params.Basic.DevSectors) << 9
	}
	return p.Validate()
}

// startRecovery issues START_USER_RECOVERY, retrying while the kernel still
// reports the old server's queues busy.
func (d *Device) startRecovery(ctx context.Context, c *ctrl.Controller, devID uint32) error {
	deadline := time.Now().Add(constants.RecoveryTimeout)
	for {
		_, err := c.Execute(ctx, &ctrl.StartRecoveryCommand{DevID: devID})
		if err == nil {
			return nil
		}
		cerr := commandError("START_USER_RECOVERY", devID, err)
		if !errors.Is(cerr, ErrDeviceBusy) || time.Now().After(deadline) {
			return cerr
		}
		select {
		case <-ctx.Done():
			return cerr
		case <-time.After(constants.RecoveryRetryInterval):
		}
	}
}

// QueryInfo reads the device info from the kernel.
func (d *Device) QueryInfo(ctx context.Context) (KernelInfo, error) {
	c := d.controller()
	if c == nil {
		return KernelInfo{}, d.stateError("QueryInfo", d.State())
	}
	cmd := &ctrl.GetInfoCommand{DevID: d.ID, V2: d.params.EnableUnprivileged}
	if _, err := c.Execute(ctx, cmd); err != nil {
		return KernelInfo{}, commandError(cmd.Name(), d.ID, err)
	}
	return cmd.Info, nil
}

// QueryParams reads the block-layer parameters from the kernel.
func (d *Device) QueryParams(ctx context.Context) (KernelParams, error) {
	c := d.controller()
	if c == nil {
		return KernelParams{}, d.stateError("QueryParams", d.State())
	}
	cmd := &ctrl.GetParamsCommand{DevID: d.ID}
	if _, err := c.Execute(ctx, cmd); err != nil {
		return KernelParams{}, commandError("GET_PARAMS", d.ID, err)
	}
	return cmd.Params, nil
}

// CreateAndServe creates a ublk device with the given parameters and starts serving I/O.
// This is the main entry point for creating ublk devices.
//
// The device serves I/O until StopAndDelete is called or a queue fails, in
// which case Done is closed and State reports DeviceStateErrored.
//
// Example:
//
//	backend := mem.New(64 << 20) // 64MB RAM disk
//	params := ublk.DefaultParams(backend)
//	device, err := ublk.CreateAndServe(context.Background(), params, nil)
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d := New(params, options)
	if err := d.Add(ctx); err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		if d.State() == DeviceStateCreated {
			_ = d.Stop(ctx)
		}
		_ = d.Delete(ctx)
		return nil, err
	}
	d.logger.Info("device created", "path", d.Path, "queues", d.params.NumQueues, "depth", d.params.QueueDepth)
	return d, nil
}

// StopAndDelete stops the device and removes it from the system.
// This should be called to cleanly shut down a ublk device.
func StopAndDelete(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}
	if err := device.Stop(ctx); err != nil && device.State() != DeviceStateErrored {
		return err
	}
	return device.Delete(ctx)
}

// IsRunning returns true if the device is currently serving I/O
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// NumQueues returns the number of I/O queues configured for this device
func (d *Device) NumQueues() int {
	return d.params.NumQueues
}

// QueueDepth returns the queue depth configured for this device
func (d *Device) QueueDepth() int {
	return d.params.QueueDepth
}

// BlockSize returns the logical block size of this device
func (d *Device) BlockSize() int {
	return d.params.LogicalBlockSize
}

// BlockPath returns the path to the block device (e.g., "/dev/ublkb0")
func (d *Device) BlockPath() string {
	return d.Path
}

// CharDevicePath returns the path to the character device (e.g., "/dev/ublkc0")
func (d *Device) CharDevicePath() string {
	return d.CharPath
}

// DeviceID returns the kernel-assigned device ID
func (d *Device) DeviceID() uint32 {
	return d.ID
}

// Size returns the size of the device in bytes
func (d *Device) Size() int64 {
	return d.params.Size
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}
