package queue

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// Request is one block I/O surfaced by a fetch completion.
type Request struct {
	Queue  uint16
	Tag    uint16
	Op     uint8  // UBLK_IO_OP_*
	Flags  uint32 // UBLK_IO_F_*
	Offset int64  // bytes
	Length uint32 // bytes

	// Buf is the tag's slice of the queue buffer, Length bytes long for reads
	// and writes and empty otherwise. It is only valid until Handle returns.
	Buf []byte

	result int32
	short  bool
}

// SetResult sets the byte count committed when Handle returns nil, for a
// request that completed short. n must not exceed Length.
func (r *Request) SetResult(n int) {
	if n < 0 {
		n = 0
	}
	if n > int(r.Length) {
		n = int(r.Length)
	}
	r.result = int32(n)
	r.short = true
}

// OpName returns the request's operation name.
func (r *Request) OpName() string {
	return OpName(r.Op)
}

// FUA reports whether the write must reach stable storage before completing.
func (r *Request) FUA() bool {
	return r.Flags&uapi.UBLK_IO_F_FUA != 0
}

// OpName names a UBLK_IO_OP_* value.
func OpName(op uint8) string {
	switch op {
	case uapi.UBLK_IO_OP_READ:
		return "READ"
	case uapi.UBLK_IO_OP_WRITE:
		return "WRITE"
	case uapi.UBLK_IO_OP_FLUSH:
		return "FLUSH"
	case uapi.UBLK_IO_OP_DISCARD:
		return "DISCARD"
	case uapi.UBLK_IO_OP_WRITE_SAME:
		return "WRITE_SAME"
	case uapi.UBLK_IO_OP_WRITE_ZEROES:
		return "WRITE_ZEROES"
	default:
		return fmt.Sprintf("OP_%d", op)
	}
}

// Handler serves requests. A nil error commits Length bytes, or the count
// given to Request.SetResult; a syscall.Errno commits its negation and any
// other error commits -EIO. A panic commits -EIO as well. Handle may block.
// It runs on its own goroutine, concurrently with other tags of the same
// queue, and ctx is cancelled when the queue gives up on the request.
type Handler interface {
	Handle(ctx context.Context, req *Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) error

func (f HandlerFunc) Handle(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// Completion describes one finished request.
type Completion struct {
	Queue   uint16
	Tag     uint16
	Op      uint8
	Offset  int64
	Length  uint32
	Result  int32
	Latency time.Duration
	// Forced is set when the queue committed the request without waiting
	// for the handler.
	Forced bool
}

// resultCode converts a handler return into the commit result.
func resultCode(length uint32, err error) int32 {
	if err == nil {
		return int32(length)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}
