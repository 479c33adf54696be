package ctrl

import (
	"os"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// DeviceParams is the kernel-facing configuration of one device.
type DeviceParams struct {
	DeviceID         int32 // -1 lets the kernel pick
	NumQueues        int
	QueueDepth       int
	LogicalBlockSize int
	MaxIOSize        int
	DevSize          int64 // bytes

	// Flags is the UBLK_F_* set requested at ADD_DEV.
	Flags uint64

	ReadOnly      bool
	Rotational    bool
	VolatileCache bool
	EnableFUA     bool

	EnableDiscard      bool
	DiscardAlignment   uint32
	DiscardGranularity uint32
	MaxDiscardSectors  uint32
	MaxDiscardSegments uint16
	MaxWriteZeroes     uint32
}

// DefaultDeviceParams returns parameters for a device of size bytes.
func DefaultDeviceParams(size int64) DeviceParams {
	return DeviceParams{
		DeviceID:         -1,
		NumQueues:        1,
		QueueDepth:       128,
		LogicalBlockSize: 512,
		MaxIOSize:        1 << 20,
		DevSize:          size,
		Flags:            uapi.UBLK_F_CMD_IOCTL_ENCODE,

		DiscardAlignment:   4096,
		DiscardGranularity: 4096,
		MaxDiscardSectors:  0xffffffff,
		MaxDiscardSegments: 256,
	}
}

// DevInfo builds the ADD_DEV payload.
func (p *DeviceParams) DevInfo() uapi.UblksrvCtrlDevInfo {
	return uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    uint16(p.NumQueues),
		QueueDepth:    uint16(p.QueueDepth),
		MaxIOBufBytes: uint32(p.MaxIOSize),
		DevID:         uint32(p.DeviceID),
		UblksrvPID:    int32(os.Getpid()),
		Flags:         p.Flags,
		OwnerUID:      uint32(os.Getuid()),
		OwnerGID:      uint32(os.Getgid()),
	}
}

// KernelParams builds the SET_PARAMS payload.
func (p *DeviceParams) KernelParams() uapi.UblkParams {
	shift := uint8(sizeToShift(p.LogicalBlockSize))

	var attrs uint32
	if p.ReadOnly {
		attrs |= uapi.UBLK_ATTR_READ_ONLY
	}
	if p.Rotational {
		attrs |= uapi.UBLK_ATTR_ROTATIONAL
	}
	if p.VolatileCache {
		attrs |= uapi.UBLK_ATTR_VOLATILE_CACHE
	}
	if p.EnableFUA {
		attrs |= uapi.UBLK_ATTR_FUA
	}

	params := uapi.UblkParams{
		Basic: uapi.UblkParamBasic{
			Attrs:           attrs,
			LogicalBSShift:  shift,
			PhysicalBSShift: shift,
			IOMinShift:      shift,
			MaxSectors:      uint32(p.MaxIOSize >> 9),
			DevSectors:      uint64(p.DevSize >> 9),
		},
	}
	params.SetBasic()

	if p.EnableDiscard {
		params.SetDiscard()
		params.Discard = uapi.UblkParamDiscard{
			DiscardAlignment:      p.DiscardAlignment,
			DiscardGranularity:    p.DiscardGranularity,
			MaxDiscardSectors:     p.MaxDiscardSectors,
			MaxWriteZeroesSectors: p.MaxWriteZeroes,
			MaxDiscardSegments:    p.MaxDiscardSegments,
		}
	}
	return params
}

// sizeToShift converts a size to its shift value (log2)
func sizeToShift(size int) int {
	shift := 0
	for s := size; s > 1; s >>= 1 {
		shift++
	}
	return shift
}
