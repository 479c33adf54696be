// Package kernelsim is an in-memory ublk driver. It implements uring.Kernel
// with the control and per-queue semantics of ublk_drv so the engine can be
// exercised without root, and it records every protocol violation it sees.
package kernelsim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
	"github.com/ehrlich-b/ublk-engine/internal/uring"
)

// DefaultFeatures is what GET_FEATURES reports unless overridden.
const DefaultFeatures = uapi.UBLK_F_URING_CMD_COMP_IN_TASK |
	uapi.UBLK_F_NEED_GET_DATA |
	uapi.UBLK_F_USER_RECOVERY |
	uapi.UBLK_F_USER_RECOVERY_REISSUE |
	uapi.UBLK_F_UNPRIVILEGED_DEV |
	uapi.UBLK_F_CMD_IOCTL_ENCODE |
	uapi.UBLK_F_USER_COPY

// Kernel is a simulated ublk driver.
type Kernel struct {
	mu      sync.Mutex
	devices map[uint32]*device
	nextID  uint32

	features    uint64
	noFeatures  bool
	affinity    map[uint16][]int
	ctrlFaults  map[uint32][]int32
	ctrlDrops   map[uint32]int
	ctrlLog     []uint32
	controlOpen int
}

type device struct {
	info   uapi.UblksrvCtrlDevInfo
	params []byte
	state  uint16
	pid    int32
	open   bool
	queues []*Queue
}

// New returns an empty simulated driver.
func New() *Kernel {
	return &Kernel{
		devices:    make(map[uint32]*device),
		features:   DefaultFeatures,
		ctrlFaults: make(map[uint32][]int32),
		ctrlDrops:  make(map[uint32]int),
	}
}

// SetFeatures replaces the supported UBLK_F_* set. ADD_DEV masks requested
// flags with it, like the real driver.
func (k *Kernel) SetFeatures(f uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.features = f
}

// DisableGetFeatures makes GET_FEATURES fail as on kernels before 6.5.
func (k *Kernel) DisableGetFeatures() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.noFeatures = true
}

// SetAffinity makes GET_QUEUE_AFFINITY answer for qid. Without it the
// command fails with EOPNOTSUPP.
func (k *Kernel) SetAffinity(qid uint16, cpus []int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.affinity == nil {
		k.affinity = make(map[uint16][]int)
	}
	k.affinity[qid] = cpus
}

// FailControl makes the next len(results) commands with opcode complete
// with those results instead of running.
func (k *Kernel) FailControl(opcode uint32, results ...int32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ctrlFaults[opcode] = append(k.ctrlFaults[opcode], results...)
}

// DropControl makes the next n commands with opcode vanish without a
// completion, as if the driver hung.
func (k *Kernel) DropControl(opcode uint32, n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ctrlDrops[opcode] += n
}

// ControlLog returns the opcodes of every control command received.
func (k *Kernel) ControlLog() []uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]uint32(nil), k.ctrlLog...)
}

// Exists reports whether devID is allocated.
func (k *Kernel) Exists(devID uint32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.devices[devID]
	return ok
}

// State returns the UBLK_S_DEV_* state of devID.
func (k *Kernel) State(devID uint32) (uint16, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.devices[devID]
	if !ok {
		return 0, false
	}
	return d.state, true
}

// Queue returns the live queue qid of devID, or nil.
func (k *Kernel) Queue(devID uint32, qid uint16) *Queue {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.devices[devID]
	if !ok || int(qid) >= len(d.queues) {
		return nil
	}
	return d.queues[qid]
}

// Quiesce simulates the server dying while the device is live: the device
// becomes QUIESCED and its queues and char device are dropped.
func (k *Kernel) Quiesce(devID uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.devices[devID]
	if !ok {
		return syscall.ENODEV
	}
	if d.info.Flags&uapi.UBLK_F_USER_RECOVERY == 0 {
		return syscall.EINVAL
	}
	for _, q := range d.queues {
		if q != nil {
			q.drop()
		}
	}
	d.queues = make([]*Queue, d.info.NrHwQueues)
	d.open = false
	d.state = uapi.UBLK_S_DEV_QUIESCED
	return nil
}

// Control opens a control ring.
func (k *Kernel) Control() (uring.Ring, error) {
	k.mu.Lock()
	k.controlOpen++
	k.mu.Unlock()
	return &ctrlRing{k: k, notify: make(chan struct{}, 1)}, nil
}

// OpenDevice opens /dev/ublkcN. Only one opener is allowed.
func (k *Kernel) OpenDevice(devID uint32) (uring.DeviceFile, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.devices[devID]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", uapi.UblkDevicePath(devID), syscall.ENOENT)
	}
	if d.open {
		return nil, fmt.Errorf("open %s: %w", uapi.UblkDevicePath(devID), syscall.EBUSY)
	}
	d.open = true
	return &charDev{k: k, devID: devID}, nil
}

type charDev struct {
	k      *Kernel
	devID  uint32
	closed bool
}

func (c *charDev) Queue(qid uint16, depth int) (uring.Ring, *uring.Region, error) {
	c.k.mu.Lock()
	defer c.k.mu.Unlock()
	if c.closed {
		return nil, nil, uring.ErrClosed
	}
	d, ok := c.k.devices[c.devID]
	if !ok {
		return nil, nil, syscall.ENODEV
	}
	if int(qid) >= int(d.info.NrHwQueues) || depth != int(d.info.QueueDepth) {
		return nil, nil, syscall.EINVAL
	}
	if q := d.queues[qid]; q != nil && !q.isClosed() {
		return nil, nil, syscall.EBUSY
	}
	q := newQueue(c.devID, qid, depth, d.info.Flags)
	d.queues[qid] = q
	return &queueRing{q: q}, uring.NewRegion(q.desc, nil), nil
}

func (c *charDev) Close() error {
	c.k.mu.Lock()
	defer c.k.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if d, ok := c.k.devices[c.devID]; ok {
		d.open = false
	}
	return nil
}

// ctrlRing runs control commands synchronously at submission.
type ctrlRing struct {
	k      *Kernel
	mu     sync.Mutex
	cq     []uring.Completion
	woken  bool
	closed bool
	notify chan struct{}
}

func (r *ctrlRing) Submit(op uring.Op) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return uring.ErrClosed
	}
	if op.Kind != uring.OpCtrl {
		return &uring.FatalError{Op: "submit", Err: syscall.EINVAL}
	}

	res, deliver := r.k.control(op)
	if !deliver {
		return nil
	}
	r.mu.Lock()
	r.cq = append(r.cq, uring.Completion{UserData: op.UserData, Res: res})
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *ctrlRing) Flush() error { return nil }

func (r *ctrlRing) Wait(min int) ([]uring.Completion, error) {
	if min < 1 {
		min = 1
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, uring.ErrClosed
		}
		if len(r.cq) >= min || r.woken {
			out := r.cq
			r.cq = nil
			r.woken = false
			r.mu.Unlock()
			return out, nil
		}
		r.mu.Unlock()
		<-r.notify
	}
}

func (r *ctrlRing) Wake() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return uring.ErrClosed
	}
	r.woken = true
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *ctrlRing) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.signal()

	r.k.mu.Lock()
	r.k.controlOpen--
	r.k.mu.Unlock()
	return nil
}

func (r *ctrlRing) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func errno(e syscall.Errno) int32 { return -int32(e) }

// control executes one command. deliver is false when the command is
// swallowed without a completion.
func (k *Kernel) control(op uring.Op) (res int32, deliver bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	opcode := op.CtrlOp
	k.ctrlLog = append(k.ctrlLog, opcode)
	if k.ctrlDrops[opcode] > 0 {
		k.ctrlDrops[opcode]--
		return 0, false
	}
	if faults := k.ctrlFaults[opcode]; len(faults) > 0 {
		k.ctrlFaults[opcode] = faults[1:]
		return faults[0], true
	}

	hdr := op.Ctrl
	if int(hdr.Len) > len(op.Buf) {
		return errno(syscall.EFAULT), true
	}
	payload := op.Buf[:hdr.Len]
	if hdr.DevPathLen > 0 {
		if int(hdr.DevPathLen) > len(payload) {
			return errno(syscall.EINVAL), true
		}
		if string(payload[:hdr.DevPathLen]) != uapi.UblkDevicePath(hdr.DevID) {
			return errno(syscall.EACCES), true
		}
		payload = payload[hdr.DevPathLen:]
	}

	switch opcode {
	case uapi.UBLK_CMD_GET_FEATURES:
		if k.noFeatures {
			return errno(syscall.EOPNOTSUPP), true
		}
		if len(payload) != uapi.UBLK_FEATURES_LEN {
			return errno(syscall.EINVAL), true
		}
		binary.LittleEndian.PutUint64(payload, k.features)
		return 0, true
	case uapi.UBLK_CMD_ADD_DEV:
		return k.addDev(payload), true
	}

	d, ok := k.devices[hdr.DevID]
	if !ok {
		return errno(syscall.ENODEV), true
	}
	unpriv := d.info.Flags&uapi.UBLK_F_UNPRIVILEGED_DEV != 0
	if unpriv && hdr.DevPathLen == 0 {
		return errno(syscall.EPERM), true
	}

	switch opcode {
	case uapi.UBLK_CMD_GET_DEV_INFO, uapi.UBLK_CMD_GET_DEV_INFO2:
		if opcode == uapi.UBLK_CMD_GET_DEV_INFO && unpriv {
			return errno(syscall.EPERM), true
		}
		if len(payload) < uapi.DevInfoSize {
			return errno(syscall.EINVAL), true
		}
		info := d.info
		info.State = d.state
		info.UblksrvPID = d.pid
		copy(payload, uapi.MarshalCtrlDevInfo(&info))
		return 0, true

	case uapi.UBLK_CMD_SET_PARAMS:
		if d.state == uapi.UBLK_S_DEV_LIVE {
			return errno(syscall.EACCES), true
		}
		var p uapi.UblkParams
		if err := uapi.UnmarshalParams(payload, &p); err != nil {
			return errno(syscall.EINVAL), true
		}
		d.params = append([]byte(nil), payload...)
		return 0, true

	case uapi.UBLK_CMD_GET_PARAMS:
		if len(payload) < 4 || binary.LittleEndian.Uint32(payload) > uint32(len(payload)) {
			return errno(syscall.EINVAL), true
		}
		if d.params == nil {
			return errno(syscall.EINVAL), true
		}
		var p uapi.UblkParams
		_ = uapi.UnmarshalParams(d.params, &p)
		p.SetDevt()
		p.Devt = uapi.UblkParamDevt{CharMajor: 511, CharMinor: hdr.DevID, DiskMajor: 259, DiskMinor: hdr.DevID}
		out := uapi.MarshalParams(&p)
		if len(out) > len(payload) {
			return errno(syscall.EINVAL), true
		}
		copy(payload, out)
		return 0, true

	case uapi.UBLK_CMD_GET_QUEUE_AFFINITY:
		cpus, ok := k.affinity[uint16(hdr.Data)]
		if !ok {
			return errno(syscall.EOPNOTSUPP), true
		}
		for i := range payload {
			payload[i] = 0
		}
		for _, cpu := range cpus {
			if cpu/8 < len(payload) {
				payload[cpu/8] |= 1 << (cpu % 8)
			}
		}
		return 0, true

	case uapi.UBLK_CMD_START_DEV:
		if d.state == uapi.UBLK_S_DEV_LIVE {
			return errno(syscall.EEXIST), true
		}
		if d.params == nil {
			return errno(syscall.EINVAL), true
		}
		if !d.ready() {
			return errno(syscall.EBUSY), true
		}
		d.state = uapi.UBLK_S_DEV_LIVE
		d.pid = int32(hdr.Data)
		for _, q := range d.queues {
			q.setLive(true)
		}
		return 0, true

	case uapi.UBLK_CMD_STOP_DEV:
		d.state = uapi.UBLK_S_DEV_DEAD
		for _, q := range d.queues {
			if q != nil {
				q.abort()
			}
		}
		return 0, true

	case uapi.UBLK_CMD_DEL_DEV:
		if d.open || d.hasQueues() {
			return errno(syscall.EBUSY), true
		}
		delete(k.devices, hdr.DevID)
		return 0, true

	case uapi.UBLK_CMD_START_USER_RECOVERY:
		if d.info.Flags&uapi.UBLK_F_USER_RECOVERY == 0 {
			return errno(syscall.EINVAL), true
		}
		if d.state != uapi.UBLK_S_DEV_QUIESCED {
			return errno(syscall.EBUSY), true
		}
		return 0, true

	case uapi.UBLK_CMD_END_USER_RECOVERY:
		if d.state != uapi.UBLK_S_DEV_QUIESCED {
			return errno(syscall.EINVAL), true
		}
		if !d.ready() {
			return errno(syscall.EBUSY), true
		}
		d.state = uapi.UBLK_S_DEV_LIVE
		d.pid = int32(hdr.Data)
		for _, q := range d.queues {
			q.setLive(true)
		}
		return 0, true
	}
	return errno(syscall.EOPNOTSUPP), true
}

func (k *Kernel) addDev(payload []byte) int32 {
	var info uapi.UblksrvCtrlDevInfo
	if err := uapi.UnmarshalCtrlDevInfo(payload, &info); err != nil {
		return errno(syscall.EINVAL)
	}
	if info.NrHwQueues == 0 || info.NrHwQueues > uapi.UBLK_MAX_NR_QUEUES ||
		info.QueueDepth == 0 || info.QueueDepth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return errno(syscall.EINVAL)
	}

	id := info.DevID
	if id == ^uint32(0) {
		for {
			if _, taken := k.devices[k.nextID]; !taken {
				break
			}
			k.nextID++
		}
		id = k.nextID
		k.nextID++
	} else if _, taken := k.devices[id]; taken {
		return errno(syscall.EEXIST)
	}

	info.DevID = id
	info.Flags &= k.features
	info.State = uapi.UBLK_S_DEV_DEAD
	k.devices[id] = &device{
		info:   info,
		state:  uapi.UBLK_S_DEV_DEAD,
		queues: make([]*Queue, info.NrHwQueues),
	}
	copy(payload, uapi.MarshalCtrlDevInfo(&info))
	return 0
}

// ready reports that every queue exists and armed all of its tags.
func (d *device) ready() bool {
	for _, q := range d.queues {
		if q == nil || !q.allArmed() {
			return false
		}
	}
	return true
}

func (d *device) hasQueues() bool {
	for _, q := range d.queues {
		if q != nil && !q.isClosed() {
			return true
		}
	}
	return false
}

// Create allocates a device without going through the control ring.
func (k *Kernel) Create(queues, depth int, flags uint64) uint32 {
	info := uapi.UblksrvCtrlDevInfo{
		NrHwQueues: uint16(queues),
		QueueDepth: uint16(depth),
		DevID:      ^uint32(0),
		Flags:      flags,
	}
	buf := uapi.MarshalCtrlDevInfo(&info)

	k.mu.Lock()
	defer k.mu.Unlock()
	if res := k.addDev(buf); res != 0 {
		panic(fmt.Sprintf("kernelsim: create: %v", syscall.Errno(-res)))
	}
	_ = uapi.UnmarshalCtrlDevInfo(buf, &info)
	k.devices[info.DevID].params = uapi.MarshalParams(&uapi.UblkParams{Types: uapi.UBLK_PARAM_TYPE_BASIC})
	return info.DevID
}

// Run makes a device live once every queue armed its tags, as START_DEV
// does.
func (k *Kernel) Run(devID uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.devices[devID]
	if !ok {
		return syscall.ENODEV
	}
	if !d.ready() {
		return syscall.EBUSY
	}
	d.state = uapi.UBLK_S_DEV_LIVE
	for _, q := range d.queues {
		q.setLive(true)
	}
	return nil
}

// Stop aborts every parked command of devID, as STOP_DEV does.
func (k *Kernel) Stop(devID uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.devices[devID]
	if !ok {
		return
	}
	d.state = uapi.UBLK_S_DEV_DEAD
	for _, q := range d.queues {
		if q != nil {
			q.abort()
		}
	}
}
