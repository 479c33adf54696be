package ublk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/ublk-engine/internal/kernelsim"
	"github.com/ehrlich-b/ublk-engine/internal/logging"
	"github.com/ehrlich-b/ublk-engine/internal/uapi"
	"github.com/ehrlich-b/ublk-engine/internal/uring"
)

const testTimeout = 2 * time.Second

func testParams(backend *MockBackend) DeviceParams {
	p := DefaultParams(backend)
	p.NumQueues = 2
	p.QueueDepth = 4
	p.MaxIOSize = 64 << 10
	return p
}

func newTestDevice(t *testing.T, k *kernelsim.Kernel, params DeviceParams, mod func(*Options)) *Device {
	t.Helper()
	opts := &Options{Kernel: k, Logger: logging.Nop()}
	if mod != nil {
		mod(opts)
	}
	return New(params, opts)
}

// startDevice adds and starts a device and tears it down at cleanup.
func startDevice(t *testing.T, k *kernelsim.Kernel, params DeviceParams, mod func(*Options)) *Device {
	t.Helper()
	d := newTestDevice(t, k, params, mod)
	ctx := context.Background()
	require.NoError(t, d.Add(ctx))
	require.NoError(t, d.Start(ctx))
	require.Equal(t, DeviceStateRunning, d.State())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if d.State() != DeviceStateUnconfigured {
			_ = StopAndDelete(ctx, d)
		}
	})
	return d
}

func waitDone(t *testing.T, d *Device) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(testTimeout):
		t.Fatalf("device still serving in state %s", d.State())
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

// recorder collects lifecycle and completion events.
type recorder struct {
	NoOpObserver
	mu          sync.Mutex
	transitions []TransitionEvent
	completions []CompletionEvent
}

func (r *recorder) ObserveTransition(ev TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, ev)
}

func (r *recorder) ObserveCompletion(ev CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, ev)
}

func (r *recorder) states() []DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceState, 0, len(r.transitions))
	for _, ev := range r.transitions {
		out = append(out, ev.To)
	}
	return out
}

func TestDeviceLifecycle(t *testing.T) {
	k := kernelsim.New()
	backend := NewMockBackend(1 << 20)
	rec := &recorder{}
	d := newTestDevice(t, k, testParams(backend), func(o *Options) { o.Observer = rec })
	ctx := context.Background()

	assert.Equal(t, DeviceStateUnconfigured, d.State())
	require.NoError(t, d.Add(ctx))
	assert.Equal(t, DeviceStateCreated, d.State())
	assert.Equal(t, uapi.UblkBlockDevicePath(d.ID), d.BlockPath())
	assert.Equal(t, uapi.UblkDevicePath(d.ID), d.CharDevicePath())
	assert.True(t, k.Exists(d.ID))

	require.NoError(t, d.Start(ctx))
	assert.True(t, d.IsRunning())
	st, _ := k.State(d.ID)
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_LIVE), st)

	q0 := k.Queue(d.ID, 0)
	q1 := k.Queue(d.ID, 1)
	require.NotNil(t, q0)
	require.NotNil(t, q1)

	data := pattern(4096, 7)
	c, err := q0.Serve(0, kernelsim.Request{Op: uapi.UBLK_IO_OP_WRITE, Offset: 8192, Length: 4096, Data: data}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, int32(4096), c.Result)
	assert.Equal(t, data, backend.Bytes()[8192:12288])

	c, err = q1.Serve(1, kernelsim.Request{Op: uapi.UBLK_IO_OP_READ, Offset: 8192, Length: 4096}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, int32(4096), c.Result)
	assert.Equal(t, data, c.Data)

	// a failed request is reported and its tag keeps serving
	backend.FailNext("read", syscall.EIO)
	c, err = q1.Serve(2, kernelsim.Request{Op: uapi.UBLK_IO_OP_READ, Offset: 0, Length: 512}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, -int32(syscall.EIO), c.Result)
	c, err = q1.Serve(2, kernelsim.Request{Op: uapi.UBLK_IO_OP_READ, Offset: 0, Length: 512}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, int32(512), c.Result)
	assert.Equal(t, DeviceStateRunning, d.State())

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(4096), snap.WriteBytes)
	assert.Equal(t, uint64(3), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.ReadErrors)

	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, DeviceStateStopped, d.State())
	waitDone(t, d)
	st, _ = k.State(d.ID)
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_DEAD), st)
	assert.True(t, q0.Closed())
	assert.True(t, q1.Closed())

	require.NoError(t, d.Delete(ctx))
	assert.Equal(t, DeviceStateUnconfigured, d.State())
	assert.False(t, k.Exists(d.ID))

	assert.Empty(t, q0.Violations())
	assert.Empty(t, q1.Violations())

	assert.Equal(t, []DeviceState{
		DeviceStateCreated,
		DeviceStateStarting,
		DeviceStateRunning,
		DeviceStateStopping,
		DeviceStateStopped,
		DeviceStateUnconfigured,
	}, rec.states())

	rec.mu.Lock()
	assert.Len(t, rec.completions, 4)
	rec.mu.Unlock()
}

func TestDeviceNeedGetData(t *testing.T) {
	k := kernelsim.New()
	backend := NewMockBackend(1 << 20)
	params := testParams(backend)
	params.EnableNeedGetData = true
	d := startDevice(t, k, params, nil)

	data := pattern(2048, 3)
	c, err := k.Queue(d.ID, 0).Serve(3, kernelsim.Request{Op: uapi.UBLK_IO_OP_WRITE, Offset: 512, Length: 2048, Data: data}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, int32(2048), c.Result)
	assert.Equal(t, data, backend.Bytes()[512:2560])
	assert.Empty(t, k.Queue(d.ID, 0).Violations())
}

func TestDeviceStopIsIdempotent(t *testing.T) {
	k := kernelsim.New()
	d := startDevice(t, k, testParams(NewMockBackend(1<<20)), nil)
	ctx := context.Background()

	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, DeviceStateStopped, d.State())

	var stops int
	for _, op := range k.ControlLog() {
		if op == uapi.UBLK_CMD_STOP_DEV {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestDeviceStopFromCreated(t *testing.T) {
	k := kernelsim.New()
	d := newTestDevice(t, k, testParams(NewMockBackend(1<<20)), nil)
	ctx := context.Background()

	require.NoError(t, d.Add(ctx))
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, DeviceStateStopped, d.State())
	waitDone(t, d)

	require.NoError(t, d.Delete(ctx))
	assert.False(t, k.Exists(d.ID))
}

func TestDeviceDeleteBusy(t *testing.T) {
	k := kernelsim.New()
	d := newTestDevice(t, k, testParams(NewMockBackend(1<<20)), nil)
	ctx := context.Background()

	err := d.Delete(ctx)
	assert.True(t, IsCode(err, ErrCodeDeviceBusy), "unconfigured: %v", err)

	require.NoError(t, d.Add(ctx))
	err = d.Delete(ctx)
	assert.True(t, IsCode(err, ErrCodeDeviceBusy), "created: %v", err)
	assert.True(t, k.Exists(d.ID))

	require.NoError(t, d.Start(ctx))
	err = d.Delete(ctx)
	assert.True(t, IsCode(err, ErrCodeDeviceBusy), "running: %v", err)
	assert.True(t, errors.Is(err, ErrDeviceBusy))
	assert.True(t, d.IsRunning())

	require.NoError(t, StopAndDelete(ctx, d))
	assert.False(t, k.Exists(d.ID))
}

func TestDeviceInvalidTransitions(t *testing.T) {
	k := kernelsim.New()
	d := newTestDevice(t, k, testParams(NewMockBackend(1<<20)), nil)
	ctx := context.Background()

	assert.True(t, IsCode(d.Start(ctx), ErrCodeInvalidState))
	assert.True(t, IsCode(d.Stop(ctx), ErrCodeInvalidState))

	require.NoError(t, d.Add(ctx))
	assert.True(t, IsCode(d.Add(ctx), ErrCodeInvalidState))
	assert.True(t, IsCode(d.Recover(ctx), ErrCodeInvalidState))

	require.NoError(t, d.Start(ctx))
	assert.True(t, IsCode(d.Start(ctx), ErrCodeInvalidState))
	require.NoError(t, StopAndDelete(ctx, d))
}

func TestDeviceQueueFault(t *testing.T) {
	k := kernelsim.New()
	rec := &recorder{}
	d := startDevice(t, k, testParams(NewMockBackend(1<<20)), func(o *Options) { o.Observer = rec })
	ctx := context.Background()

	k.Queue(d.ID, 1).Break(errors.New("ring torn down"))
	waitDone(t, d)

	assert.Equal(t, DeviceStateErrored, d.State())
	err := d.Err()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeQueueFault))
	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 1, ue.Queue)

	assert.Equal(t, err, d.Stop(ctx))
	assert.True(t, IsCode(d.Start(ctx), ErrCodeInvalidState))

	require.NoError(t, d.Delete(ctx))
	assert.Equal(t, DeviceStateUnconfigured, d.State())
	assert.False(t, k.Exists(d.ID))
	assert.NoError(t, d.Err())
	assert.Contains(t, rec.states(), DeviceStateErrored)
}

func TestDeviceStartRejected(t *testing.T) {
	k := kernelsim.New()
	d := newTestDevice(t, k, testParams(NewMockBackend(1<<20)), nil)
	ctx := context.Background()

	require.NoError(t, d.Add(ctx))
	k.FailControl(uapi.UBLK_CMD_START_DEV, -int32(syscall.EINVAL))

	err := d.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, DeviceStateErrored, d.State())
	waitDone(t, d)
	assert.True(t, k.Queue(d.ID, 0).Closed())
	assert.True(t, k.Queue(d.ID, 1).Closed())

	require.NoError(t, d.Delete(ctx))
	assert.False(t, k.Exists(d.ID))
}

func TestDeviceStartQueueFailureReturnsToCreated(t *testing.T) {
	k := kernelsim.New()
	d := newTestDevice(t, k, testParams(NewMockBackend(1<<20)), nil)
	ctx := context.Background()
	require.NoError(t, d.Add(ctx))

	// hold the char device so the queues cannot be opened
	file, err := k.OpenDevice(d.ID)
	require.NoError(t, err)

	err = d.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, DeviceStateCreated, d.State())
	assert.NotContains(t, k.ControlLog(), uint32(uapi.UBLK_CMD_START_DEV))

	require.NoError(t, file.Close())
	require.NoError(t, d.Start(ctx))
	assert.True(t, d.IsRunning())
	require.NoError(t, StopAndDelete(ctx, d))
}

func TestDeviceDrainTimeout(t *testing.T) {
	k := kernelsim.New()
	entered := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, req *Request) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	params := DeviceParams{Handler: handler, Size: 1 << 20, NumQueues: 1, QueueDepth: 2, MaxIOSize: 64 << 10, DeviceID: -1}
	d := startDevice(t, k, params, func(o *Options) { o.DrainTimeout = 50 * time.Millisecond })
	q := k.Queue(d.ID, 0)

	require.NoError(t, q.Push(0, kernelsim.Request{Op: uapi.UBLK_IO_OP_READ, Offset: 0, Length: 4096}))
	select {
	case <-entered:
	case <-time.After(testTimeout):
		t.Fatal("handler never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, DeviceStateStopped, d.State())

	commits := q.Commits()
	require.Len(t, commits, 1)
	assert.Equal(t, -int32(syscall.ETIMEDOUT), commits[0].Result)
	assert.Equal(t, uint64(1), d.MetricsSnapshot().ForcedOps)
}

func TestDeviceStopWaitsForHandlers(t *testing.T) {
	k := kernelsim.New()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	handler := HandlerFunc(func(ctx context.Context, req *Request) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	params := DeviceParams{Handler: handler, Size: 1 << 20, NumQueues: 1, QueueDepth: 2, MaxIOSize: 64 << 10, DeviceID: -1}
	d := startDevice(t, k, params, nil)
	q := k.Queue(d.ID, 0)

	require.NoError(t, q.Push(1, kernelsim.Request{Op: uapi.UBLK_IO_OP_FLUSH}))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Stop(ctx)
	assert.True(t, IsCode(err, ErrCodeTimeout), "got %v", err)
	assert.Equal(t, DeviceStateStopping, d.State())

	close(release)
	waitDone(t, d)
	assert.Equal(t, DeviceStateStopped, d.State())

	commits := q.Commits()
	require.Len(t, commits, 1)
	assert.Equal(t, int32(0), commits[0].Result)
	assert.Equal(t, uring.OpCommit, commits[0].Kind)
}

func TestDeviceAddValidation(t *testing.T) {
	k := kernelsim.New()
	d := newTestDevice(t, k, DeviceParams{Handler: NullHandler, DeviceID: -1}, nil)

	err := d.Add(context.Background())
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "got %v", err)
	assert.Equal(t, DeviceStateUnconfigured, d.State())
	assert.Empty(t, k.ControlLog())
}

func TestDeviceAddUnsupportedFeature(t *testing.T) {
	params := testParams(NewMockBackend(1 << 20))
	params.EnableUserRecovery = true

	t.Run("reported by GET_FEATURES", func(t *testing.T) {
		k := kernelsim.New()
		k.SetFeatures(kernelsim.DefaultFeatures &^ uapi.UBLK_F_USER_RECOVERY)
		d := newTestDevice(t, k, params, nil)

		err := d.Add(context.Background())
		assert.True(t, IsCode(err, ErrCodeUnsupported), "got %v", err)
		assert.NotContains(t, k.ControlLog(), uint32(uapi.UBLK_CMD_ADD_DEV))
		assert.Equal(t, DeviceStateUnconfigured, d.State())
	})

	t.Run("dropped by ADD_DEV", func(t *testing.T) {
		k := kernelsim.New()
		k.DisableGetFeatures()
		k.SetFeatures(kernelsim.DefaultFeatures &^ uapi.UBLK_F_USER_RECOVERY)
		d := newTestDevice(t, k, params, nil)

		err := d.Add(context.Background())
		assert.True(t, IsCode(err, ErrCodeUnsupported), "got %v", err)
		assert.Contains(t, k.ControlLog(), uint32(uapi.UBLK_CMD_DEL_DEV))
		assert.False(t, k.Exists(0))
		assert.Equal(t, DeviceStateUnconfigured, d.State())
	})
}

func TestDeviceAddConflict(t *testing.T) {
	k := kernelsim.New()
	taken := k.Create(1, 4, 0)

	params := testParams(NewMockBackend(1 << 20))
	params.DeviceID = int32(taken)
	d := newTestDevice(t, k, params, nil)

	err := d.Add(context.Background())
	assert.True(t, IsCode(err, ErrCodeConflict), "got %v", err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, DeviceStateUnconfigured, d.State())
}

func TestDeviceSetParamsFailure(t *testing.T) {
	k := kernelsim.New()
	k.FailControl(uapi.UBLK_CMD_SET_PARAMS, -int32(syscall.EINVAL))
	d := newTestDevice(t, k, testParams(NewMockBackend(1<<20)), nil)

	err := d.Add(context.Background())
	require.Error(t, err)
	assert.Equal(t, DeviceStateUnconfigured, d.State())
	assert.False(t, k.Exists(0), "half-created device is deleted")
}

func TestDeviceRecover(t *testing.T) {
	k := kernelsim.New()
	devID := k.Create(2, 4, uapi.UBLK_F_USER_RECOVERY)
	require.NoError(t, k.Quiesce(devID))

	backend := NewMockBackend(1 << 20)
	params := DeviceParams{
		Backend:            backend,
		DeviceID:           int32(devID),
		MaxIOSize:          64 << 10,
		EnableUserRecovery: true,
	}
	d := newTestDevice(t, k, params, nil)
	ctx := context.Background()

	require.NoError(t, d.Recover(ctx))
	assert.True(t, d.IsRunning())
	assert.Equal(t, devID, d.ID)
	assert.Equal(t, 2, d.NumQueues())
	assert.Equal(t, 4, d.QueueDepth())
	st, _ := k.State(devID)
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_LIVE), st)
	assert.Contains(t, k.ControlLog(), uint32(uapi.UBLK_CMD_END_USER_RECOVERY))
	assert.NotContains(t, k.ControlLog(), uint32(uapi.UBLK_CMD_START_DEV))

	data := pattern(512, 1)
	c, err := k.Queue(devID, 1).Serve(3, kernelsim.Request{Op: uapi.UBLK_IO_OP_WRITE, Offset: 0, Length: 512, Data: data}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, int32(512), c.Result)
	assert.Equal(t, data, backend.Bytes()[:512])

	require.NoError(t, StopAndDelete(ctx, d))
	assert.False(t, k.Exists(devID))
}

func TestDeviceRecoverRequiresFlag(t *testing.T) {
	k := kernelsim.New()
	devID := k.Create(1, 4, 0)

	d := newTestDevice(t, k, DeviceParams{Handler: NullHandler, Size: 1 << 20, DeviceID: int32(devID)}, nil)
	err := d.Recover(context.Background())
	assert.True(t, IsCode(err, ErrCodeUnsupported), "got %v", err)
	assert.Equal(t, DeviceStateUnconfigured, d.State())

	d = newTestDevice(t, k, DeviceParams{Handler: NullHandler, Size: 1 << 20, DeviceID: -1}, nil)
	err = d.Recover(context.Background())
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "got %v", err)
}

func TestDeviceAffinity(t *testing.T) {
	k := kernelsim.New()
	k.SetAffinity(0, []int{0})
	d := startDevice(t, k, testParams(NewMockBackend(1<<20)), nil)

	queues := d.Queues()
	require.Len(t, queues, 2)
	assert.Equal(t, []int{0}, queues[0].Affinity)
	assert.Nil(t, queues[1].Affinity)
	for _, q := range queues {
		assert.NotZero(t, q.TID)
	}

	params := testParams(NewMockBackend(1 << 20))
	params.CPUAffinity = []int{0}
	d = startDevice(t, k, params, nil)
	for _, q := range d.Queues() {
		assert.Equal(t, []int{0}, q.Affinity)
	}
}

func TestDeviceExport(t *testing.T) {
	k := kernelsim.New()
	dir := t.TempDir()
	d := startDevice(t, k, testParams(NewMockBackend(1<<20)), func(o *Options) { o.RunDir = dir })

	e, err := LoadExport(dir, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Instance(), e.Instance)
	assert.Equal(t, os.Getpid(), e.PID)
	assert.Equal(t, DeviceStateRunning, e.Device.State)
	assert.Equal(t, int64(1<<20), e.Device.Size)
	assert.Equal(t, Target{Name: "backend", DevSize: 1 << 20}, e.Target)
	assert.Len(t, e.Queues, 2)

	require.NoError(t, d.Stop(context.Background()))
	_, err = os.Stat(ExportPath(dir, d.ID))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

type loopHandler struct{ Handler }

func (loopHandler) TargetInfo() (string, any) {
	return "loop", map[string]string{"file": "/var/lib/disk.img"}
}

func TestDeviceTarget(t *testing.T) {
	k := kernelsim.New()

	d := newTestDevice(t, k, DeviceParams{Handler: NullHandler, Size: 1 << 20}, nil)
	assert.Equal(t, Target{Name: "null", DevSize: 1 << 20}, d.Target())

	d = newTestDevice(t, k, DeviceParams{Handler: HandlerFunc(func(context.Context, *Request) error { return nil }), Size: 4096}, nil)
	assert.Equal(t, "handler", d.Target().Name)

	dir := t.TempDir()
	params := testParams(NewMockBackend(1 << 20))
	params.Handler = loopHandler{NullHandler}
	d = startDevice(t, k, params, func(o *Options) { o.RunDir = dir })

	e, err := LoadExport(dir, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "loop", e.Target.Name)
	assert.Equal(t, int64(1<<20), e.Target.DevSize)
	assert.JSONEq(t, `{"file":"/var/lib/disk.img"}`, string(e.Target.Data))

	var buf bytes.Buffer
	require.NoError(t, d.Dump(context.Background(), &buf))
	assert.Contains(t, buf.String(), `target loop dev_size 1048576 data {"file":"/var/lib/disk.img"}`)
}

func TestDeviceDumpFallsBackToExport(t *testing.T) {
	k := kernelsim.New()
	dir := t.TempDir()
	d := newTestDevice(t, k, testParams(NewMockBackend(1<<20)), func(o *Options) { o.RunDir = dir })
	ctx := context.Background()
	require.NoError(t, d.Add(ctx))
	defer func() { require.NoError(t, StopAndDelete(ctx, d)) }()

	// another process serves the queues of this device
	data, err := json.Marshal(Export{
		Instance: "other",
		PID:      4242,
		Target:   Target{Name: "remote", DevSize: 1 << 20},
		Queues:   []QueueInfo{{QID: 0, TID: 1234, Affinity: []int{1}}, {QID: 1, TID: 1235, Affinity: []int{2}}},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ExportPath(dir, d.ID), data, 0o644))

	var buf bytes.Buffer
	require.NoError(t, d.Dump(ctx, &buf))
	out := buf.String()
	assert.Contains(t, out, "target remote dev_size 1048576")
	assert.Contains(t, out, "queue 0: tid 1234 affinity [1]")
	assert.Contains(t, out, "queue 1: tid 1235 affinity [2]")
}

func TestDumpExport(t *testing.T) {
	k := kernelsim.New()
	dir := t.TempDir()
	d := startDevice(t, k, testParams(NewMockBackend(1<<20)), func(o *Options) { o.RunDir = dir })

	e, err := LoadExport(dir, d.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	DumpExport(&buf, e)
	out := buf.String()
	assert.Contains(t, out, "nr_hw_queues 2 queue_depth 4 block size 512 dev_capacity 2048")
	assert.Contains(t, out, "state running")
	assert.Contains(t, out, "instance "+d.Instance())
	assert.Contains(t, out, "target backend dev_size 1048576")
	assert.Contains(t, out, "queue 1: tid")
}

func TestDeviceDump(t *testing.T) {
	k := kernelsim.New()
	d := newTestDevice(t, k, testParams(NewMockBackend(1<<20)), nil)
	ctx := context.Background()

	var buf bytes.Buffer
	assert.True(t, IsCode(d.Dump(ctx, &buf), ErrCodeInvalidState))

	require.NoError(t, d.Add(ctx))
	require.NoError(t, d.Dump(ctx, &buf))
	out := buf.String()
	assert.Contains(t, out, "nr_hw_queues 2 queue_depth 4 block size 512 dev_capacity 2048")
	assert.Contains(t, out, "state DEAD")
	assert.Contains(t, out, "ublkc: 511:")
	assert.Contains(t, out, "discard:")

	require.NoError(t, StopAndDelete(ctx, d))
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				switch {
				case m.GetCounter() != nil:
					return m.GetCounter().GetValue()
				case m.GetGauge() != nil:
					return m.GetGauge().GetValue()
				case m.GetHistogram() != nil:
					return float64(m.GetHistogram().GetSampleCount())
				}
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(want)
}

func TestCollector(t *testing.T) {
	k := kernelsim.New()
	d := startDevice(t, k, testParams(NewMockBackend(1<<20)), nil)

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(d))

	_, err := k.Queue(d.ID, 0).Serve(0, kernelsim.Request{Op: uapi.UBLK_IO_OP_WRITE, Offset: 0, Length: 1024, Data: pattern(1024, 0)}, testTimeout)
	require.NoError(t, err)

	dev := "0"
	assert.Equal(t, 1.0, gatherValue(t, reg, "ublk_ops_total", map[string]string{"dev_id": dev, "op": "write"}))
	assert.Equal(t, 1024.0, gatherValue(t, reg, "ublk_bytes_total", map[string]string{"dev_id": dev, "op": "write"}))
	assert.Equal(t, 0.0, gatherValue(t, reg, "ublk_errors_total", map[string]string{"dev_id": dev, "op": "write"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "ublk_request_duration_seconds", map[string]string{"dev_id": dev}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "ublk_device_state", map[string]string{"dev_id": dev, "state": "running"}))
	assert.Equal(t, 0.0, gatherValue(t, reg, "ublk_device_state", map[string]string{"dev_id": dev, "state": "created"}))
	assert.Equal(t, 4.0, gatherValue(t, reg, "ublk_queue_outstanding", map[string]string{"dev_id": dev, "queue": "1"}))
	assert.Equal(t, 0.0, gatherValue(t, reg, "ublk_queue_dispatching", map[string]string{"dev_id": dev, "queue": "0"}))

	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 1.0, gatherValue(t, reg, "ublk_device_state", map[string]string{"dev_id": dev, "state": "stopped"}))
}

func TestCreateAndServe(t *testing.T) {
	k := kernelsim.New()
	backend := NewMockBackend(1 << 20)
	ctx := context.Background()

	d, err := CreateAndServe(ctx, testParams(backend), &Options{Kernel: k, Logger: logging.Nop()})
	require.NoError(t, err)
	assert.True(t, d.IsRunning())
	assert.Equal(t, int64(1<<20), d.Size())
	assert.Equal(t, 512, d.BlockSize())

	info := d.Info()
	assert.Equal(t, d.ID, info.ID)
	assert.True(t, info.Running)

	kinfo, err := d.QueryInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), kinfo.NrHwQueues)
	assert.Equal(t, int32(os.Getpid()), kinfo.UblksrvPID)

	require.NoError(t, StopAndDelete(ctx, d))
	assert.False(t, k.Exists(d.ID))
	assert.Error(t, StopAndDelete(ctx, nil))
}

func TestCreateAndServeCleansUp(t *testing.T) {
	k := kernelsim.New()
	k.FailControl(uapi.UBLK_CMD_START_DEV, -int32(syscall.EINVAL))

	_, err := CreateAndServe(context.Background(), testParams(NewMockBackend(1<<20)), &Options{Kernel: k, Logger: logging.Nop()})
	require.Error(t, err)
	assert.False(t, k.Exists(0))
	assert.True(t, slices.Contains(k.ControlLog(), uint32(uapi.UBLK_CMD_DEL_DEV)))
}
