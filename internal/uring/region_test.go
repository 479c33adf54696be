package uring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionSlice(t *testing.T) {
	r := NewRegion(make([]byte, 64), nil)

	s, err := r.Slice(16, 16)
	require.NoError(t, err)
	assert.Len(t, s, 16)
	assert.Equal(t, 16, cap(s), "slice must not reach into the next tag")

	s[0] = 0xAB
	assert.Equal(t, byte(0xAB), r.Bytes()[16])

	_, err = r.Slice(60, 8)
	assert.Error(t, err)
	_, err = r.Slice(-1, 1)
	assert.Error(t, err)
}

func TestRegionUnmapOnce(t *testing.T) {
	calls := 0
	r := NewRegion(make([]byte, 8), func([]byte) error {
		calls++
		return nil
	})

	require.NoError(t, r.Unmap())
	require.NoError(t, r.Unmap())
	assert.Equal(t, 1, calls)
	assert.Nil(t, r.Bytes())
	assert.Zero(t, r.Len())

	_, err := r.Slice(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegionUnmapError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegion(make([]byte, 8), func([]byte) error { return boom })
	assert.ErrorIs(t, r.Unmap(), boom)
	assert.NoError(t, r.Unmap())
}

func TestMapAnonymous(t *testing.T) {
	r, err := MapAnonymous(2 * 4096)
	require.NoError(t, err)
	defer r.Unmap()

	assert.Equal(t, 8192, r.Len())
	assert.NotZero(t, r.Addr(0))
	assert.Equal(t, r.Addr(0)+4096, r.Addr(4096))
	assert.Zero(t, r.Addr(8192))

	b, err := r.Slice(4096, 4096)
	require.NoError(t, err)
	b[4095] = 1
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrClosed))
	assert.True(t, IsFatal(&FatalError{Op: "io_uring_enter", Err: errors.New("x")}))
	assert.False(t, IsFatal(ErrRingFull))
	assert.False(t, IsFatal(nil))
}

func TestOpKind(t *testing.T) {
	assert.Equal(t, "COMMIT_REQ", OpCommit.String())
	assert.Equal(t, OpCommitAndFetch.IONumber(), OpCommit.IONumber())
	assert.Zero(t, OpCtrl.IONumber())
	assert.Equal(t, uint32(4), ringEntries(3))
	assert.Equal(t, uint32(8), ringEntries(4))
}
