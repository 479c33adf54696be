package ctrl

import (
	"encoding/binary"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// Command is one control operation. Implementations carry their payload in
// and their decoded result out.
type Command interface {
	// Name is the UBLK_CMD_* name used in logs and errors.
	Name() string
	// Opcode is the UBLK_CMD_* number.
	Opcode() uint32
	// DeviceID is the target device.
	DeviceID() uint32
	// encode fills the header fields other than addr/len and returns the
	// payload buffer, if any.
	encode(hdr *uapi.UblksrvCtrlCmd) []byte
	// decode consumes the payload after a successful completion.
	decode(res int32, payload []byte) error
	// onTimeout is the status reported when the command times out.
	onTimeout() Status
}

// mutating commands time out as Fatal: the kernel may have acted on them.
type mutating struct{}

func (mutating) onTimeout() Status { return StatusFatal }

type query struct{}

func (query) onTimeout() Status { return StatusBusy }

// AddCommand creates a device. On success Info holds what the kernel
// assigned, including the device id.
type AddCommand struct {
	mutating
	Info uapi.UblksrvCtrlDevInfo
}

func (c *AddCommand) Name() string     { return "ADD_DEV" }
func (c *AddCommand) Opcode() uint32   { return uapi.UBLK_CMD_ADD_DEV }
func (c *AddCommand) DeviceID() uint32 { return c.Info.DevID }

func (c *AddCommand) encode(hdr *uapi.UblksrvCtrlCmd) []byte {
	return uapi.MarshalCtrlDevInfo(&c.Info)
}

func (c *AddCommand) decode(_ int32, payload []byte) error {
	return uapi.UnmarshalCtrlDevInfo(payload, &c.Info)
}

// SetParamsCommand uploads block-layer parameters.
type SetParamsCommand struct {
	mutating
	DevID  uint32
	Params uapi.UblkParams
}

func (c *SetParamsCommand) Name() string     { return "SET_PARAMS" }
func (c *SetParamsCommand) Opcode() uint32   { return uapi.UBLK_CMD_SET_PARAMS }
func (c *SetParamsCommand) DeviceID() uint32 { return c.DevID }

func (c *SetParamsCommand) encode(*uapi.UblksrvCtrlCmd) []byte {
	return uapi.MarshalParams(&c.Params)
}

func (c *SetParamsCommand) decode(int32, []byte) error { return nil }

// StartCommand exposes the block device. The kernel waits until every queue
// has its fetches armed before completing it.
type StartCommand struct {
	mutating
	DevID uint32
	PID   int32
}

func (c *StartCommand) Name() string     { return "START_DEV" }
func (c *StartCommand) Opcode() uint32   { return uapi.UBLK_CMD_START_DEV }
func (c *StartCommand) DeviceID() uint32 { return c.DevID }

func (c *StartCommand) encode(hdr *uapi.UblksrvCtrlCmd) []byte {
	hdr.Data = uint64(c.PID)
	return nil
}

func (c *StartCommand) decode(int32, []byte) error { return nil }

// StopCommand removes the block device and aborts armed fetches.
type StopCommand struct {
	query
	DevID uint32
}

func (c *StopCommand) Name() string                       { return "STOP_DEV" }
func (c *StopCommand) Opcode() uint32                     { return uapi.UBLK_CMD_STOP_DEV }
func (c *StopCommand) DeviceID() uint32                   { return c.DevID }
func (c *StopCommand) encode(*uapi.UblksrvCtrlCmd) []byte { return nil }
func (c *StopCommand) decode(int32, []byte) error         { return nil }

// DeleteCommand releases the device id.
type DeleteCommand struct {
	query
	DevID uint32
}

func (c *DeleteCommand) Name() string                       { return "DEL_DEV" }
func (c *DeleteCommand) Opcode() uint32                     { return uapi.UBLK_CMD_DEL_DEV }
func (c *DeleteCommand) DeviceID() uint32                   { return c.DevID }
func (c *DeleteCommand) encode(*uapi.UblksrvCtrlCmd) []byte { return nil }
func (c *DeleteCommand) decode(int32, []byte) error         { return nil }

// GetInfoCommand reads the device info. V2 selects GET_DEV_INFO2, which
// unprivileged devices require.
type GetInfoCommand struct {
	query
	DevID uint32
	V2    bool
	Info  uapi.UblksrvCtrlDevInfo
}

func (c *GetInfoCommand) Name() string {
	if c.V2 {
		return "GET_DEV_INFO2"
	}
	return "GET_DEV_INFO"
}

func (c *GetInfoCommand) Opcode() uint32 {
	if c.V2 {
		return uapi.UBLK_CMD_GET_DEV_INFO2
	}
	return uapi.UBLK_CMD_GET_DEV_INFO
}

func (c *GetInfoCommand) DeviceID() uint32 { return c.DevID }

func (c *GetInfoCommand) encode(*uapi.UblksrvCtrlCmd) []byte {
	return make([]byte, uapi.DevInfoSize)
}

func (c *GetInfoCommand) decode(_ int32, payload []byte) error {
	return uapi.UnmarshalCtrlDevInfo(payload, &c.Info)
}

// GetParamsCommand reads the block-layer parameters.
type GetParamsCommand struct {
	query
	DevID  uint32
	Params uapi.UblkParams
}

func (c *GetParamsCommand) Name() string     { return "GET_PARAMS" }
func (c *GetParamsCommand) Opcode() uint32   { return uapi.UBLK_CMD_GET_PARAMS }
func (c *GetParamsCommand) DeviceID() uint32 { return c.DevID }

func (c *GetParamsCommand) encode(*uapi.UblksrvCtrlCmd) []byte {
	buf := make([]byte, uapi.ParamsSize)
	binary.LittleEndian.PutUint32(buf[0:4], uapi.ParamsSize)
	return buf
}

func (c *GetParamsCommand) decode(_ int32, payload []byte) error {
	return uapi.UnmarshalParams(payload, &c.Params)
}

// affinityBytes is a 1024-CPU bitmap, matching the size ublksrv passes.
const affinityBytes = 128

// GetQueueAffinityCommand reads the CPU set the kernel maps to a queue.
type GetQueueAffinityCommand struct {
	query
	DevID uint32
	Queue uint16
	CPUs  []int
}

func (c *GetQueueAffinityCommand) Name() string     { return "GET_QUEUE_AFFINITY" }
func (c *GetQueueAffinityCommand) Opcode() uint32   { return uapi.UBLK_CMD_GET_QUEUE_AFFINITY }
func (c *GetQueueAffinityCommand) DeviceID() uint32 { return c.DevID }

func (c *GetQueueAffinityCommand) encode(hdr *uapi.UblksrvCtrlCmd) []byte {
	hdr.Data = uint64(c.Queue)
	return make([]byte, affinityBytes)
}

func (c *GetQueueAffinityCommand) decode(_ int32, payload []byte) error {
	c.CPUs = c.CPUs[:0]
	for i, b := range payload {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				c.CPUs = append(c.CPUs, i*8+bit)
			}
		}
	}
	return nil
}

// GetFeaturesCommand reads the UBLK_F_* set the driver supports. It is not
// bound to a device.
type GetFeaturesCommand struct {
	query
	Features uint64
}

func (c *GetFeaturesCommand) Name() string     { return "GET_FEATURES" }
func (c *GetFeaturesCommand) Opcode() uint32   { return uapi.UBLK_CMD_GET_FEATURES }
func (c *GetFeaturesCommand) DeviceID() uint32 { return ^uint32(0) }

func (c *GetFeaturesCommand) encode(*uapi.UblksrvCtrlCmd) []byte {
	return make([]byte, uapi.UBLK_FEATURES_LEN)
}

func (c *GetFeaturesCommand) decode(_ int32, payload []byte) error {
	if len(payload) < uapi.UBLK_FEATURES_LEN {
		return uapi.ErrInsufficientData
	}
	c.Features = binary.LittleEndian.Uint64(payload)
	return nil
}

// StartRecoveryCommand moves a QUIESCED device into recovery.
type StartRecoveryCommand struct {
	mutating
	DevID uint32
}

func (c *StartRecoveryCommand) Name() string                       { return "START_USER_RECOVERY" }
func (c *StartRecoveryCommand) Opcode() uint32                     { return uapi.UBLK_CMD_START_USER_RECOVERY }
func (c *StartRecoveryCommand) DeviceID() uint32                   { return c.DevID }
func (c *StartRecoveryCommand) encode(*uapi.UblksrvCtrlCmd) []byte { return nil }
func (c *StartRecoveryCommand) decode(int32, []byte) error         { return nil }

// EndRecoveryCommand hands a recovered device to a new server pid.
type EndRecoveryCommand struct {
	mutating
	DevID uint32
	PID   int32
}

func (c *EndRecoveryCommand) Name() string     { return "END_USER_RECOVERY" }
func (c *EndRecoveryCommand) Opcode() uint32   { return uapi.UBLK_CMD_END_USER_RECOVERY }
func (c *EndRecoveryCommand) DeviceID() uint32 { return c.DevID }

func (c *EndRecoveryCommand) encode(hdr *uapi.UblksrvCtrlCmd) []byte {
	hdr.Data = uint64(c.PID)
	return nil
}

func (c *EndRecoveryCommand) decode(int32, []byte) error { return nil }
