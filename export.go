package ublk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// DeviceInfo contains comprehensive information about a ublk device
type DeviceInfo struct {
	ID         uint32      `json:"id"`
	BlockPath  string      `json:"block_path"`
	CharPath   string      `json:"char_path"`
	State      DeviceState `json:"state"`
	NumQueues  int         `json:"num_queues"`
	QueueDepth int         `json:"queue_depth"`
	BlockSize  int         `json:"block_size"`
	MaxIOSize  int         `json:"max_io_size"`
	Size       int64       `json:"size"`
	Flags      uint64      `json:"flags"`
	Running    bool        `json:"running"`
}

// QueueInfo describes one running queue thread.
type QueueInfo struct {
	QID      uint16 `json:"qid"`
	TID      int    `json:"tid"`
	Affinity []int  `json:"affinity"`
}

// Target names what serves the device's requests.
type Target struct {
	Name    string          `json:"name"`
	DevSize int64           `json:"dev_size"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Export is the JSON document written to Options.RunDir while a device runs.
type Export struct {
	Instance string      `json:"instance"`
	PID      int         `json:"pid"`
	Device   DeviceInfo  `json:"device"`
	Target   Target      `json:"target"`
	Queues   []QueueInfo `json:"queues"`
}

// Target describes the handler or backend serving the device. A Handler
// implementing TargetDescriber wins over the Backend.
func (d *Device) Target() Target {
	t := Target{DevSize: d.params.Size}

	var desc TargetDescriber
	if td, ok := d.params.Handler.(TargetDescriber); ok {
		desc = td
	} else if td, ok := d.params.Backend.(TargetDescriber); ok {
		desc = td
	}
	if desc == nil {
		t.Name = "handler"
		if d.params.Backend != nil {
			t.Name = "backend"
		}
		return t
	}

	name, data := desc.TargetInfo()
	t.Name = name
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			d.logger.Warn("target data is not JSON", "target", name, "error", err)
			return t
		}
		t.Data = raw
	}
	return t
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	d.mu.Lock()
	flags := d.info.Flags
	d.mu.Unlock()

	state := d.State()
	return DeviceInfo{
		ID:         d.ID,
		BlockPath:  d.Path,
		CharPath:   d.CharPath,
		State:      state,
		NumQueues:  d.params.NumQueues,
		QueueDepth: d.params.QueueDepth,
		BlockSize:  d.params.LogicalBlockSize,
		MaxIOSize:  d.params.MaxIOSize,
		Size:       d.params.Size,
		Flags:      flags,
		Running:    state == DeviceStateRunning,
	}
}

// Queues describes the queue threads of the current run.
func (d *Device) Queues() []QueueInfo {
	s := d.session()
	if s == nil {
		return nil
	}
	out := make([]QueueInfo, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, QueueInfo{QID: r.QueueID(), TID: r.TID(), Affinity: r.CPUs()})
	}
	return out
}

// ExportPath is where a device's export lives inside dir.
func ExportPath(dir string, devID uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%04d.json", devID))
}

// LoadExport reads the export of devID from dir.
func LoadExport(dir string, devID uint32) (*Export, error) {
	data, err := os.ReadFile(ExportPath(dir, devID))
	if err != nil {
		return nil, err
	}
	var e Export
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ExportPath(dir, devID), err)
	}
	return &e, nil
}

func (d *Device) writeExport() error {
	dir := d.opts.RunDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(Export{
		Instance: d.instance,
		PID:      os.Getpid(),
		Device:   d.Info(),
		Target:   d.Target(),
		Queues:   d.Queues(),
	}, "", "  ")
	if err != nil {
		return err
	}

	path := ExportPath(dir, d.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (d *Device) removeExport() {
	if d.opts.RunDir == "" {
		return
	}
	err := os.Remove(ExportPath(d.opts.RunDir, d.ID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("failed to remove device export", "error", err)
	}
}

// Dump writes the kernel's view of the device to w.
func (d *Device) Dump(ctx context.Context, w io.Writer) error {
	info, err := d.QueryInfo(ctx)
	if err != nil {
		return err
	}
	params, err := d.QueryParams(ctx)
	if err != nil {
		return err
	}

	b := params.Basic
	fmt.Fprintf(w, "dev id %d: nr_hw_queues %d queue_depth %d block size %d dev_capacity %d\n",
		info.DevID, info.NrHwQueues, info.QueueDepth, 1<<b.LogicalBSShift, b.DevSectors)
	fmt.Fprintf(w, "\tmax rq size %d daemon pid %d flags 0x%x state %s\n",
		info.MaxIOBufBytes, info.UblksrvPID, info.Flags, uapi.StateName(info.State))
	if params.HasDevt() {
		fmt.Fprintf(w, "\tublkc: %d:%d ublkb: %d:%d owner: %d:%d\n",
			params.Devt.CharMajor, params.Devt.CharMinor,
			params.Devt.DiskMajor, params.Devt.DiskMinor,
			info.OwnerUID, info.OwnerGID)
	}
	if params.HasDiscard() {
		fmt.Fprintf(w, "\tdiscard: granularity %d alignment %d max sectors %d segments %d\n",
			params.Discard.DiscardGranularity, params.Discard.DiscardAlignment,
			params.Discard.MaxDiscardSectors, params.Discard.MaxDiscardSegments)
	}

	// a handle without queues of its own reports the serving process's
	// export when there is one
	target, queues := d.Target(), d.Queues()
	if len(queues) == 0 && d.opts.RunDir != "" {
		if e, err := LoadExport(d.opts.RunDir, d.ID); err == nil {
			target, queues = e.Target, e.Queues
		}
	}
	dumpTarget(w, target)
	dumpQueues(w, queues)
	return nil
}

// DumpExport writes a device export to w. It needs no access to the
// device, so any process that can read the run directory can use it.
func DumpExport(w io.Writer, e *Export) {
	dev := e.Device
	fmt.Fprintf(w, "dev id %d: nr_hw_queues %d queue_depth %d block size %d dev_capacity %d\n",
		dev.ID, dev.NumQueues, dev.QueueDepth, dev.BlockSize, dev.Size/512)
	fmt.Fprintf(w, "\tmax rq size %d daemon pid %d flags 0x%x state %s\n",
		dev.MaxIOSize, e.PID, dev.Flags, dev.State)
	fmt.Fprintf(w, "\tinstance %s\n", e.Instance)
	dumpTarget(w, e.Target)
	dumpQueues(w, e.Queues)
}

func dumpTarget(w io.Writer, t Target) {
	fmt.Fprintf(w, "\ttarget %s dev_size %d", t.Name, t.DevSize)
	if len(t.Data) > 0 {
		fmt.Fprintf(w, " data %s", t.Data)
	}
	fmt.Fprintln(w)
}

func dumpQueues(w io.Writer, queues []QueueInfo) {
	for _, q := range queues {
		fmt.Fprintf(w, "\tqueue %d: tid %d affinity %v\n", q.QID, q.TID, q.Affinity)
	}
}
