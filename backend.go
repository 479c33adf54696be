// Package ublk serves Linux block devices from userspace through the ublk
// driver. A Device walks the control lifecycle (add, start, stop, delete)
// and runs one queue loop per hardware queue, handing each request to a
// Handler.
package ublk

import (
	"context"
	"errors"
	"io"
	"syscall"

	"github.com/ehrlich-b/ublk-engine/internal/interfaces"
	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// Storage interfaces served by BackendHandler.
type (
	Backend            = interfaces.Backend
	DiscardBackend     = interfaces.DiscardBackend
	WriteZeroesBackend = interfaces.WriteZeroesBackend
	SyncBackend        = interfaces.SyncBackend
	StatBackend        = interfaces.StatBackend
	ResizeBackend      = interfaces.ResizeBackend
)

// BackendHandler serves requests from a Backend.
type BackendHandler struct {
	backend Backend
}

// NewBackendHandler wraps b.
func NewBackendHandler(b Backend) *BackendHandler {
	return &BackendHandler{backend: b}
}

// Handle implements Handler.
func (h *BackendHandler) Handle(ctx context.Context, req *Request) error {
	length := int64(req.Length)

	switch req.Op {
	case uapi.UBLK_IO_OP_READ:
		n, err := h.backend.ReadAt(req.Buf, req.Offset)
		if errors.Is(err, io.EOF) {
			clear(req.Buf[n:])
			return nil
		}
		return err

	case uapi.UBLK_IO_OP_WRITE:
		if _, err := h.backend.WriteAt(req.Buf, req.Offset); err != nil {
			return err
		}
		if req.FUA() {
			if sb, ok := h.backend.(SyncBackend); ok {
				return sb.SyncRange(req.Offset, length)
			}
			return h.backend.Flush()
		}
		return nil

	case uapi.UBLK_IO_OP_FLUSH:
		return h.backend.Flush()

	case uapi.UBLK_IO_OP_DISCARD:
		if db, ok := h.backend.(DiscardBackend); ok {
			return db.Discard(req.Offset, length)
		}
		// discard is advisory
		return nil

	case uapi.UBLK_IO_OP_WRITE_ZEROES:
		if zb, ok := h.backend.(WriteZeroesBackend); ok {
			return zb.WriteZeroes(req.Offset, length)
		}
		return syscall.EOPNOTSUPP

	default:
		return syscall.EOPNOTSUPP
	}
}

var _ Handler = (*BackendHandler)(nil)
