package uapi

import (
	"encoding/binary"
)

// MarshalError reports a short buffer while decoding a kernel struct.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidLength    MarshalError = "params length exceeds buffer"
)

var le = binary.LittleEndian

// PutCtrlCmd encodes cmd into dst, which must hold CtrlCmdSize bytes.
func PutCtrlCmd(dst []byte, cmd *UblksrvCtrlCmd) {
	_ = dst[CtrlCmdSize-1]
	le.PutUint32(dst[0:4], cmd.DevID)
	le.PutUint16(dst[4:6], cmd.QueueID)
	le.PutUint16(dst[6:8], cmd.Len)
	le.PutUint64(dst[8:16], cmd.Addr)
	le.PutUint64(dst[16:24], cmd.Data)
	le.PutUint16(dst[24:26], cmd.DevPathLen)
	le.PutUint16(dst[26:28], cmd.Pad)
	le.PutUint32(dst[28:32], cmd.Reserved)
}

// ParseCtrlCmd decodes a control command.
func ParseCtrlCmd(data []byte, cmd *UblksrvCtrlCmd) error {
	if len(data) < CtrlCmdSize {
		return ErrInsufficientData
	}
	cmd.DevID = le.Uint32(data[0:4])
	cmd.QueueID = le.Uint16(data[4:6])
	cmd.Len = le.Uint16(data[6:8])
	cmd.Addr = le.Uint64(data[8:16])
	cmd.Data = le.Uint64(data[16:24])
	cmd.DevPathLen = le.Uint16(data[24:26])
	cmd.Pad = le.Uint16(data[26:28])
	cmd.Reserved = le.Uint32(data[28:32])
	return nil
}

// PutIOCmd encodes cmd into dst, which must hold IOCmdSize bytes.
func PutIOCmd(dst []byte, cmd *UblksrvIOCmd) {
	_ = dst[IOCmdSize-1]
	le.PutUint16(dst[0:2], cmd.QID)
	le.PutUint16(dst[2:4], cmd.Tag)
	le.PutUint32(dst[4:8], uint32(cmd.Result))
	le.PutUint64(dst[8:16], cmd.Addr)
}

// ParseIOCmd decodes an I/O command.
func ParseIOCmd(data []byte, cmd *UblksrvIOCmd) error {
	if len(data) < IOCmdSize {
		return ErrInsufficientData
	}
	cmd.QID = le.Uint16(data[0:2])
	cmd.Tag = le.Uint16(data[2:4])
	cmd.Result = int32(le.Uint32(data[4:8]))
	cmd.Addr = le.Uint64(data[8:16])
	return nil
}

// PutIODesc encodes a descriptor. Only the simulated kernel writes these.
func PutIODesc(dst []byte, d *UblksrvIODesc) {
	_ = dst[IODescSize-1]
	le.PutUint32(dst[0:4], d.OpFlags)
	le.PutUint32(dst[4:8], d.NrSectors)
	le.PutUint64(dst[8:16], d.StartSector)
	le.PutUint64(dst[16:24], d.Addr)
}

// ParseIODesc decodes the descriptor for one tag.
func ParseIODesc(data []byte, d *UblksrvIODesc) error {
	if len(data) < IODescSize {
		return ErrInsufficientData
	}
	d.OpFlags = le.Uint32(data[0:4])
	d.NrSectors = le.Uint32(data[4:8])
	d.StartSector = le.Uint64(data[8:16])
	d.Addr = le.Uint64(data[16:24])
	return nil
}

// MarshalCtrlDevInfo encodes struct ublksrv_ctrl_dev_info.
func MarshalCtrlDevInfo(info *UblksrvCtrlDevInfo) []byte {
	buf := make([]byte, DevInfoSize)
	le.PutUint16(buf[0:2], info.NrHwQueues)
	le.PutUint16(buf[2:4], info.QueueDepth)
	le.PutUint16(buf[4:6], info.State)
	le.PutUint16(buf[6:8], info.Pad0)
	le.PutUint32(buf[8:12], info.MaxIOBufBytes)
	le.PutUint32(buf[12:16], info.DevID)
	le.PutUint32(buf[16:20], uint32(info.UblksrvPID))
	le.PutUint32(buf[20:24], info.Pad1)
	le.PutUint64(buf[24:32], info.Flags)
	le.PutUint64(buf[32:40], info.UblksrvFlags)
	le.PutUint32(buf[40:44], info.OwnerUID)
	le.PutUint32(buf[44:48], info.OwnerGID)
	le.PutUint64(buf[48:56], info.Reserved1)
	le.PutUint64(buf[56:64], info.Reserved2)
	return buf
}

// UnmarshalCtrlDevInfo decodes struct ublksrv_ctrl_dev_info.
func UnmarshalCtrlDevInfo(data []byte, info *UblksrvCtrlDevInfo) error {
	if len(data) < DevInfoSize {
		return ErrInsufficientData
	}
	info.NrHwQueues = le.Uint16(data[0:2])
	info.QueueDepth = le.Uint16(data[2:4])
	info.State = le.Uint16(data[4:6])
	info.Pad0 = le.Uint16(data[6:8])
	info.MaxIOBufBytes = le.Uint32(data[8:12])
	info.DevID = le.Uint32(data[12:16])
	info.UblksrvPID = int32(le.Uint32(data[16:20]))
	info.Pad1 = le.Uint32(data[20:24])
	info.Flags = le.Uint64(data[24:32])
	info.UblksrvFlags = le.Uint64(data[32:40])
	info.OwnerUID = le.Uint32(data[40:44])
	info.OwnerGID = le.Uint32(data[44:48])
	info.Reserved1 = le.Uint64(data[48:56])
	info.Reserved2 = le.Uint64(data[56:64])
	return nil
}

// paramsLen is the smallest ph.len covering every block named in types.
func paramsLen(types uint32) int {
	switch {
	case types&UBLK_PARAM_TYPE_ZONED != 0:
		return ParamsSize
	case types&UBLK_PARAM_TYPE_DEVT != 0:
		return ParamsZonedOffset
	case types&UBLK_PARAM_TYPE_DISCARD != 0:
		return ParamsDevtOffset
	default:
		return ParamsDiscardOffset
	}
}

// MarshalParams encodes struct ublk_params at the kernel's fixed offsets and
// sets Len to the covered prefix.
func MarshalParams(p *UblkParams) []byte {
	n := paramsLen(p.Types)
	buf := make([]byte, ParamsSize)
	p.Len = uint32(n)

	le.PutUint32(buf[0:4], p.Len)
	le.PutUint32(buf[4:8], p.Types)

	b := buf[ParamsBasicOffset:]
	le.PutUint32(b[0:4], p.Basic.Attrs)
	b[4] = p.Basic.LogicalBSShift
	b[5] = p.Basic.PhysicalBSShift
	b[6] = p.Basic.IOOptShift
	b[7] = p.Basic.IOMinShift
	le.PutUint32(b[8:12], p.Basic.MaxSectors)
	le.PutUint32(b[12:16], p.Basic.ChunkSectors)
	le.PutUint64(b[16:24], p.Basic.DevSectors)
	le.PutUint64(b[24:32], p.Basic.VirtBoundaryMask)

	d := buf[ParamsDiscardOffset:]
	le.PutUint32(d[0:4], p.Discard.DiscardAlignment)
	le.PutUint32(d[4:8], p.Discard.DiscardGranularity)
	le.PutUint32(d[8:12], p.Discard.MaxDiscardSectors)
	le.PutUint32(d[12:16], p.Discard.MaxWriteZeroesSectors)
	le.PutUint16(d[16:18], p.Discard.MaxDiscardSegments)
	le.PutUint16(d[18:20], p.Discard.Reserved0)

	v := buf[ParamsDevtOffset:]
	le.PutUint32(v[0:4], p.Devt.CharMajor)
	le.PutUint32(v[4:8], p.Devt.CharMinor)
	le.PutUint32(v[8:12], p.Devt.DiskMajor)
	le.PutUint32(v[12:16], p.Devt.DiskMinor)

	z := buf[ParamsZonedOffset:]
	le.PutUint32(z[0:4], p.Zoned.MaxOpenZones)
	le.PutUint32(z[4:8], p.Zoned.MaxActiveZones)
	le.PutUint32(z[8:12], p.Zoned.MaxZoneAppendSectors)

	return buf[:n]
}

// UnmarshalParams decodes struct ublk_params. Blocks beyond ph.len are left
// zero.
func UnmarshalParams(data []byte, p *UblkParams) error {
	if len(data) < ParamsBasicOffset {
		return ErrInsufficientData
	}
	p.Len = le.Uint32(data[0:4])
	p.Types = le.Uint32(data[4:8])
	if int(p.Len) > len(data) {
		return ErrInvalidLength
	}
	full := make([]byte, ParamsSize)
	copy(full, data[:p.Len])

	b := full[ParamsBasicOffset:]
	p.Basic = UblkParamBasic{
		Attrs:            le.Uint32(b[0:4]),
		LogicalBSShift:   b[4],
		PhysicalBSShift:  b[5],
		IOOptShift:       b[6],
		IOMinShift:       b[7],
		MaxSectors:       le.Uint32(b[8:12]),
		ChunkSectors:     le.Uint32(b[12:16]),
		DevSectors:       le.Uint64(b[16:24]),
		VirtBoundaryMask: le.Uint64(b[24:32]),
	}

	d := full[ParamsDiscardOffset:]
	p.Discard = UblkParamDiscard{
		DiscardAlignment:      le.Uint32(d[0:4]),
		DiscardGranularity:    le.Uint32(d[4:8]),
		MaxDiscardSectors:     le.Uint32(d[8:12]),
		MaxWriteZeroesSectors: le.Uint32(d[12:16]),
		MaxDiscardSegments:    le.Uint16(d[16:18]),
		Reserved0:             le.Uint16(d[18:20]),
	}

	v := full[ParamsDevtOffset:]
	p.Devt = UblkParamDevt{
		CharMajor: le.Uint32(v[0:4]),
		CharMinor: le.Uint32(v[4:8]),
		DiskMajor: le.Uint32(v[8:12]),
		DiskMinor: le.Uint32(v[12:16]),
	}

	z := full[ParamsZonedOffset:]
	p.Zoned.MaxOpenZones = le.Uint32(z[0:4])
	p.Zoned.MaxActiveZones = le.Uint32(z[4:8])
	p.Zoned.MaxZoneAppendSectors = le.Uint32(z[8:12])
	return nil
}
