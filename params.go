package ublk

import (
	"fmt"

	"github.com/ehrlich-b/ublk-engine/internal/constants"
	"github.com/ehrlich-b/ublk-engine/internal/ctrl"
	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// DeviceParams contains parameters for creating a ublk device
type DeviceParams struct {
	// Backend provides the storage implementation. It is served through a
	// BackendHandler unless Handler is set.
	Backend Backend

	// Handler serves requests directly. Either Handler or Backend is
	// required.
	Handler Handler

	// Size is the device size in bytes. Zero takes Backend.Size().
	Size int64

	// Device configuration
	QueueDepth       int // Queue depth per queue (default: 128)
	NumQueues        int // Number of queues (default: 1)
	LogicalBlockSize int // Logical block size in bytes (default: 512)
	MaxIOSize        int // Maximum I/O size in bytes (default: 1MB)

	// Feature flags. Each maps to a UBLK_F_* flag requested at ADD_DEV.
	EnableZeroCopy     bool // Zero-copy data path; not supported by this engine
	EnableUserCopy     bool // pread/pwrite data path; not supported by this engine
	EnableZoned        bool // Zoned block device; not supported by this engine
	EnableUnprivileged bool // Device owned by the calling user; control commands carry the char device path
	EnableNeedGetData  bool // Writes are announced before their data is copied in
	EnableUserRecovery bool // Device survives server exit in QUIESCED state for Recover
	EnableReissue      bool // With UserRecovery, requests in flight at exit are reissued
	EnableCompInTask   bool // Force task-work completion in the driver

	// Device attributes
	ReadOnly      bool // Make device read-only
	Rotational    bool // Device is rotational (HDD-like)
	VolatileCache bool // Device has volatile cache
	EnableFUA     bool // Enable Force Unit Access

	// Discard parameters. Discard is advertised when the backend implements
	// DiscardBackend or EnableDiscard is set.
	EnableDiscard      bool
	DiscardAlignment   uint32 // Discard alignment
	DiscardGranularity uint32 // Discard granularity
	MaxDiscardSectors  uint32 // Max sectors per discard
	MaxDiscardSegments uint16 // Max segments per discard

	// Advanced options
	DeviceID    int32  // Specific device ID to request (-1 for auto)
	DeviceName  string // Optional device name, used in logs
	CPUAffinity []int  // queue i is pinned to CPUAffinity[i%len]; empty asks the kernel per queue
}

// DefaultParams returns default device parameters
func DefaultParams(backend Backend) DeviceParams {
	return DeviceParams{
		Backend:          backend,
		QueueDepth:       constants.DefaultQueueDepth,
		NumQueues:        constants.DefaultNumQueues,
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		MaxIOSize:        constants.DefaultMaxIOSize,

		DiscardAlignment:   constants.DefaultDiscardAlignment,
		DiscardGranularity: constants.DefaultDiscardGranularity,
		MaxDiscardSectors:  constants.DefaultMaxDiscardSectors,
		MaxDiscardSegments: constants.DefaultMaxDiscardSegments,

		DeviceID: constants.AutoAssignDeviceID,
	}
}

// flags returns the UBLK_F_* set requested at ADD_DEV.
func (p *DeviceParams) flags() uint64 {
	f := uint64(uapi.UBLK_F_CMD_IOCTL_ENCODE)
	if p.EnableZeroCopy {
		f |= uapi.UBLK_F_SUPPORT_ZERO_COPY
	}
	if p.EnableUserCopy {
		f |= uapi.UBLK_F_USER_COPY
	}
	if p.EnableZoned {
		f |= uapi.UBLK_F_ZONED
	}
	if p.EnableUnprivileged {
		f |= uapi.UBLK_F_UNPRIVILEGED_DEV
	}
	if p.EnableNeedGetData {
		f |= uapi.UBLK_F_NEED_GET_DATA
	}
	if p.EnableUserRecovery {
		f |= uapi.UBLK_F_USER_RECOVERY
	}
	if p.EnableReissue {
		f |= uapi.UBLK_F_USER_RECOVERY_REISSUE
	}
	if p.EnableCompInTask {
		f |= uapi.UBLK_F_URING_CMD_COMP_IN_TASK
	}
	return f
}

// unsupportedFlags are data paths the queue engine does not implement.
const unsupportedFlags = uapi.UBLK_F_SUPPORT_ZERO_COPY | uapi.UBLK_F_USER_COPY | uapi.UBLK_F_ZONED

// withDefaults fills zero values.
func (p DeviceParams) withDefaults() DeviceParams {
	if p.NumQueues == 0 {
		p.NumQueues = constants.DefaultNumQueues
	}
	if p.QueueDepth == 0 {
		p.QueueDepth = constants.DefaultQueueDepth
	}
	if p.LogicalBlockSize == 0 {
		p.LogicalBlockSize = constants.DefaultLogicalBlockSize
	}
	if p.MaxIOSize == 0 {
		p.MaxIOSize = constants.DefaultMaxIOSize
	}
	if p.Size == 0 && p.Backend != nil {
		p.Size = p.Backend.Size()
	}
	if p.Handler == nil && p.Backend != nil {
		p.Handler = NewBackendHandler(p.Backend)
	}
	if !p.EnableDiscard && p.Backend != nil {
		_, p.EnableDiscard = p.Backend.(DiscardBackend)
	}
	return p
}

// Validate checks the parameters without touching the kernel.
func (p *DeviceParams) Validate() error {
	invalid := func(format string, args ...any) error {
		return NewError("validate", ErrCodeInvalidParameters, fmt.Sprintf(format, args...))
	}

	if p.Handler == nil && p.Backend == nil {
		return invalid("a Handler or Backend is required")
	}
	if p.NumQueues < 1 || p.NumQueues > uapi.UBLK_MAX_NR_QUEUES {
		return invalid("queue count %d outside [1, %d]", p.NumQueues, uapi.UBLK_MAX_NR_QUEUES)
	}
	if p.QueueDepth < 1 || p.QueueDepth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return invalid("queue depth %d outside [1, %d]", p.QueueDepth, uapi.UBLK_MAX_QUEUE_DEPTH)
	}
	bs := p.LogicalBlockSize
	if bs < 512 || bs > 4096 || bs&(bs-1) != 0 {
		return invalid("logical block size %d must be a power of two in [512, 4096]", bs)
	}
	if p.MaxIOSize < bs || p.MaxIOSize%bs != 0 || p.MaxIOSize > uapi.UBLK_IO_BUF_BITS_MASK+1 {
		return invalid("max I/O size %d must be a multiple of %d up to %d", p.MaxIOSize, bs, uapi.UBLK_IO_BUF_BITS_MASK+1)
	}
	if p.Size <= 0 || p.Size%int64(bs) != 0 {
		return invalid("device size %d must be a positive multiple of %d", p.Size, bs)
	}
	if p.DeviceID < constants.AutoAssignDeviceID {
		return invalid("device id %d", p.DeviceID)
	}
	for _, cpu := range p.CPUAffinity {
		if cpu < 0 {
			return invalid("negative CPU %d in affinity", cpu)
		}
	}
	if f := p.flags() & unsupportedFlags; f != 0 {
		return NewError("validate", ErrCodeUnsupported, fmt.Sprintf("feature flags %#x need a data path this engine does not implement", f))
	}
	if p.EnableReissue && !p.EnableUserRecovery {
		return invalid("EnableReissue requires EnableUserRecovery")
	}
	return nil
}

// ctrlParams converts to the control channel's parameter set.
func (p *DeviceParams) ctrlParams() ctrl.DeviceParams {
	cp := ctrl.DefaultDeviceParams(p.Size)
	cp.DeviceID = p.DeviceID
	cp.NumQueues = p.NumQueues
	cp.QueueDepth = p.QueueDepth
	cp.LogicalBlockSize = p.LogicalBlockSize
	cp.MaxIOSize = p.MaxIOSize
	cp.Flags = p.flags()

	cp.ReadOnly = p.ReadOnly
	cp.Rotational = p.Rotational
	cp.VolatileCache = p.VolatileCache
	cp.EnableFUA = p.EnableFUA

	cp.EnableDiscard = p.EnableDiscard
	cp.DiscardAlignment = p.DiscardAlignment
	cp.DiscardGranularity = p.DiscardGranularity
	cp.MaxDiscardSectors = p.MaxDiscardSectors
	cp.MaxDiscardSegments = p.MaxDiscardSegments
	if _, ok := p.Backend.(WriteZeroesBackend); ok && p.EnableDiscard {
		cp.MaxWriteZeroes = p.MaxDiscardSectors
	}
	return cp
}
