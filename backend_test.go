package ublk

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/ublk-engine/internal/uapi"
)

// plainBackend hides the optional interfaces of the wrapped backend.
type plainBackend struct {
	Backend
}

func handle(t *testing.T, h Handler, req *Request) error {
	t.Helper()
	return h.Handle(context.Background(), req)
}

func TestMockBackend(t *testing.T) {
	backend := NewMockBackend(1024)
	require.Equal(t, int64(1024), backend.Size())

	testData := []byte("hello world")
	n, err := backend.WriteAt(testData, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)

	readBuf := make([]byte, len(testData))
	n, err = backend.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)
	assert.Equal(t, testData, readBuf)

	_, err = backend.WriteAt(make([]byte, 16), 1020)
	assert.ErrorIs(t, err, syscall.ENOSPC)

	require.NoError(t, backend.Flush())
	assert.True(t, backend.IsFlushed())

	backend.FailNext("read", syscall.EIO)
	_, err = backend.ReadAt(readBuf, 0)
	assert.ErrorIs(t, err, syscall.EIO)
	_, err = backend.ReadAt(readBuf, 0)
	assert.NoError(t, err, "failure is consumed")

	counts := backend.CallCounts()
	assert.Equal(t, 3, counts["read"])
	assert.Equal(t, 2, counts["write"])

	require.NoError(t, backend.Close())
	assert.True(t, backend.IsClosed())
	_, err = backend.ReadAt(readBuf, 0)
	assert.ErrorIs(t, err, syscall.ENODEV)
}

func TestBackendHandlerRead(t *testing.T) {
	backend := NewMockBackend(4096)
	_, err := backend.WriteAt([]byte("ublk"), 512)
	require.NoError(t, err)
	h := NewBackendHandler(backend)

	buf := make([]byte, 512)
	req := &Request{Op: OpRead, Offset: 512, Length: 512, Buf: buf}
	require.NoError(t, handle(t, h, req))
	assert.Equal(t, []byte("ublk"), buf[:4])

	// the tail past the end of the backend reads as zeros
	tail := make([]byte, 1024)
	for i := range tail {
		tail[i] = 0xff
	}
	req = &Request{Op: OpRead, Offset: 3584, Length: 1024, Buf: tail}
	require.NoError(t, handle(t, h, req))
	assert.Equal(t, make([]byte, 1024), tail)

	backend.FailNext("read", syscall.EIO)
	assert.ErrorIs(t, handle(t, h, &Request{Op: OpRead, Length: 512, Buf: buf}), syscall.EIO)
}

func TestBackendHandlerWrite(t *testing.T) {
	backend := NewMockBackend(4096)
	h := NewBackendHandler(backend)

	data := []byte("0123456789abcdef")
	require.NoError(t, handle(t, h, &Request{Op: OpWrite, Offset: 1024, Length: 16, Buf: data}))
	assert.Equal(t, data, backend.Bytes()[1024:1040])
	assert.False(t, backend.IsSynced(), "plain write must not sync")
	assert.False(t, backend.IsFlushed())

	fua := &Request{Op: OpWrite, Flags: uapi.UBLK_IO_F_FUA, Offset: 0, Length: 16, Buf: data}
	require.NoError(t, handle(t, h, fua))
	assert.True(t, backend.IsSynced(), "FUA write syncs the range")

	// without SyncBackend a FUA write falls back to Flush
	plain := NewMockBackend(4096)
	require.NoError(t, handle(t, NewBackendHandler(plainBackend{plain}), fua))
	assert.True(t, plain.IsFlushed())
	assert.False(t, plain.IsSynced())

	err := handle(t, h, &Request{Op: OpWrite, Offset: 4090, Length: 16, Buf: data})
	assert.ErrorIs(t, err, syscall.ENOSPC)
}

func TestBackendHandlerOps(t *testing.T) {
	testCases := []struct {
		name    string
		backend func() Backend
		req     *Request
		wantErr error
	}{
		{
			name:    "flush",
			backend: func() Backend { return NewMockBackend(4096) },
			req:     &Request{Op: OpFlush},
		},
		{
			name: "flush error",
			backend: func() Backend {
				b := NewMockBackend(4096)
				b.FailNext("flush", syscall.EIO)
				return b
			},
			req:     &Request{Op: OpFlush},
			wantErr: syscall.EIO,
		},
		{
			name:    "discard",
			backend: func() Backend { return NewMockBackend(4096) },
			req:     &Request{Op: OpDiscard, Offset: 0, Length: 4096},
		},
		{
			name:    "discard unsupported is a no-op",
			backend: func() Backend { return plainBackend{NewMockBackend(4096)} },
			req:     &Request{Op: OpDiscard, Offset: 0, Length: 4096},
		},
		{
			name:    "write zeroes",
			backend: func() Backend { return NewMockBackend(4096) },
			req:     &Request{Op: OpWriteZeroes, Offset: 512, Length: 512},
		},
		{
			name:    "write zeroes unsupported",
			backend: func() Backend { return plainBackend{NewMockBackend(4096)} },
			req:     &Request{Op: OpWriteZeroes, Offset: 512, Length: 512},
			wantErr: syscall.EOPNOTSUPP,
		},
		{
			name:    "write same",
			backend: func() Backend { return NewMockBackend(4096) },
			req:     &Request{Op: OpWriteSame, Offset: 512, Length: 512},
			wantErr: syscall.EOPNOTSUPP,
		},
		{
			name:    "zone append",
			backend: func() Backend { return NewMockBackend(4096) },
			req:     &Request{Op: uapi.UBLK_IO_OP_ZONE_APPEND},
			wantErr: syscall.EOPNOTSUPP,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := handle(t, NewBackendHandler(tc.backend()), tc.req)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestBackendHandlerDiscardClears(t *testing.T) {
	backend := NewMockBackend(4096)
	_, err := backend.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)

	h := NewBackendHandler(backend)
	require.NoError(t, handle(t, h, &Request{Op: OpDiscard, Offset: 0, Length: 512}))
	assert.Equal(t, make([]byte, 11), backend.Bytes()[:11])
	assert.Equal(t, 1, backend.CallCounts()["discard"])
}

func TestStatBackend(t *testing.T) {
	backend := NewMockBackend(1024)
	backend.SetCustomStats(map[string]any{"type": "mock"})
	_, _ = backend.ReadAt(make([]byte, 8), 0)

	statBackend, ok := Backend(backend).(StatBackend)
	require.True(t, ok, "MockBackend should implement StatBackend")

	stats := statBackend.Stats()
	assert.Equal(t, "mock", stats["type"])
	assert.Equal(t, 1, stats["read_calls"])
}

func TestResizeBackend(t *testing.T) {
	backend := NewMockBackend(1024)
	resizeBackend, ok := Backend(backend).(ResizeBackend)
	require.True(t, ok, "MockBackend should implement ResizeBackend")

	require.NoError(t, resizeBackend.Resize(2048))
	assert.Equal(t, int64(2048), backend.Size())

	require.NoError(t, resizeBackend.Resize(512))
	assert.Equal(t, int64(512), backend.Size())

	assert.Error(t, resizeBackend.Resize(-1))
}

func TestDefaultParams(t *testing.T) {
	backend := NewMockBackend(1024)
	params := DefaultParams(backend)

	assert.Equal(t, Backend(backend), params.Backend)
	assert.Equal(t, 128, params.QueueDepth)
	assert.Equal(t, 1, params.NumQueues)
	assert.Equal(t, 512, params.LogicalBlockSize)
	assert.Equal(t, 1<<20, params.MaxIOSize)
	assert.Equal(t, int32(-1), params.DeviceID)

	assert.False(t, params.ReadOnly)
	assert.False(t, params.Rotational)
	assert.False(t, params.EnableZeroCopy)

	filled := params.withDefaults()
	assert.Equal(t, int64(1024), filled.Size)
	assert.IsType(t, &BackendHandler{}, filled.Handler)
	assert.True(t, filled.EnableDiscard, "discard follows the backend")
	require.NoError(t, filled.Validate())
}

func TestValidateParams(t *testing.T) {
	valid := func() DeviceParams {
		return DeviceParams{
			Handler:          NullHandler,
			Size:             1 << 20,
			NumQueues:        2,
			QueueDepth:       4,
			LogicalBlockSize: 512,
			MaxIOSize:        64 << 10,
			DeviceID:         -1,
		}
	}

	testCases := []struct {
		name   string
		modify func(p *DeviceParams)
		code   UblkErrorCode
	}{
		{"no handler", func(p *DeviceParams) { p.Handler = nil }, ErrCodeInvalidParameters},
		{"zero queues", func(p *DeviceParams) { p.NumQueues = 0 }, ErrCodeInvalidParameters},
		{"too many queues", func(p *DeviceParams) { p.NumQueues = uapi.UBLK_MAX_NR_QUEUES + 1 }, ErrCodeInvalidParameters},
		{"zero depth", func(p *DeviceParams) { p.QueueDepth = 0 }, ErrCodeInvalidParameters},
		{"depth too large", func(p *DeviceParams) { p.QueueDepth = uapi.UBLK_MAX_QUEUE_DEPTH + 1 }, ErrCodeInvalidParameters},
		{"block size not power of two", func(p *DeviceParams) { p.LogicalBlockSize = 768 }, ErrCodeInvalidParameters},
		{"block size too large", func(p *DeviceParams) { p.LogicalBlockSize = 8192 }, ErrCodeInvalidParameters},
		{"io size below block", func(p *DeviceParams) { p.MaxIOSize = 256 }, ErrCodeInvalidParameters},
		{"io size unaligned", func(p *DeviceParams) { p.MaxIOSize = 4097 }, ErrCodeInvalidParameters},
		{"unaligned size", func(p *DeviceParams) { p.Size = 1000 }, ErrCodeInvalidParameters},
		{"zero size", func(p *DeviceParams) { p.Size = 0 }, ErrCodeInvalidParameters},
		{"bad device id", func(p *DeviceParams) { p.DeviceID = -2 }, ErrCodeInvalidParameters},
		{"negative cpu", func(p *DeviceParams) { p.CPUAffinity = []int{0, -1} }, ErrCodeInvalidParameters},
		{"zero copy", func(p *DeviceParams) { p.EnableZeroCopy = true }, ErrCodeUnsupported},
		{"user copy", func(p *DeviceParams) { p.EnableUserCopy = true }, ErrCodeUnsupported},
		{"zoned", func(p *DeviceParams) { p.EnableZoned = true }, ErrCodeUnsupported},
		{"reissue without recovery", func(p *DeviceParams) { p.EnableReissue = true }, ErrCodeInvalidParameters},
	}

	p := valid()
	require.NoError(t, p.Validate())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid()
			tc.modify(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestParamFlags(t *testing.T) {
	p := DeviceParams{
		EnableUnprivileged: true,
		EnableNeedGetData:  true,
		EnableUserRecovery: true,
		EnableReissue:      true,
	}
	want := uint64(uapi.UBLK_F_CMD_IOCTL_ENCODE | uapi.UBLK_F_UNPRIVILEGED_DEV |
		uapi.UBLK_F_NEED_GET_DATA | uapi.UBLK_F_USER_RECOVERY | uapi.UBLK_F_USER_RECOVERY_REISSUE)
	assert.Equal(t, want, p.flags())

	cp := (&DeviceParams{Size: 1 << 20, DeviceID: 3, NumQueues: 2, QueueDepth: 8,
		LogicalBlockSize: 4096, MaxIOSize: 1 << 20}).ctrlParams()
	assert.Equal(t, int32(3), cp.DeviceID)
	assert.Equal(t, int64(1<<20), cp.DevSize)
	assert.Equal(t, uint64(uapi.UBLK_F_CMD_IOCTL_ENCODE), cp.Flags)
}

func BenchmarkBackendHandlerRead(b *testing.B) {
	backend := NewMockBackend(1 << 20)
	h := NewBackendHandler(backend)
	buf := make([]byte, 4096)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := Request{Op: OpRead, Offset: int64(i*4096) % (1<<20 - 4096), Length: 4096, Buf: buf}
		if err := h.Handle(ctx, &req); err != nil {
			b.Fatalf("Handle failed: %v", err)
		}
	}
}
