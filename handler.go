package ublk

import (
	"context"

	"github.com/ehrlich-b/ublk-engine/internal/queue"
	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// Request is one block request handed to a Handler. Buf aliases the
// queue's shared buffer and is only valid until Handle returns.
type Request = queue.Request

// Handler serves block requests. It is called on its own goroutine per
// request, so a slow request does not hold up other tags of the queue.
//
// Returning nil completes the request with its full length, or with the
// count passed to Request.SetResult. A syscall.Errno is passed to the block
// layer as is; any other error, or a panic, becomes EIO. ctx is cancelled
// if the device gives up waiting for the request during Stop.
type Handler = queue.Handler

// HandlerFunc adapts a function to Handler.
type HandlerFunc = queue.HandlerFunc

// Block operations found in Request.Op.
const (
	OpRead        = uapi.UBLK_IO_OP_READ
	OpWrite       = uapi.UBLK_IO_OP_WRITE
	OpFlush       = uapi.UBLK_IO_OP_FLUSH
	OpDiscard     = uapi.UBLK_IO_OP_DISCARD
	OpWriteSame   = uapi.UBLK_IO_OP_WRITE_SAME
	OpWriteZeroes = uapi.UBLK_IO_OP_WRITE_ZEROES
)

// TargetDescriber is implemented by handlers and backends that name
// themselves in the device export and Dump. data must marshal to JSON.
type TargetDescriber interface {
	TargetInfo() (name string, data any)
}

// NullHandler completes every request successfully without touching data.
// Reads return whatever the buffer held.
var NullHandler Handler = nullHandler{}

type nullHandler struct{}

func (nullHandler) Handle(context.Context, *Request) error { return nil }

func (nullHandler) TargetInfo() (string, any) { return "null", nil }
