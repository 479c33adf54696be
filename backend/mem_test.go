package backend

import (
	"bytes"
	"io"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	tests := []struct {
		size   int64
		shards int
	}{
		{0, 1},
		{1024, 1},
		{shardSize, 1},
		{shardSize + 1, 2},
		{4 * shardSize, 4},
	}
	for _, tt := range tests {
		mem := NewMemory(tt.size)
		assert.Equal(t, tt.size, mem.Size())
		assert.Len(t, mem.shards, tt.shards, "size %d", tt.size)
	}
}

func TestMemoryTargetInfo(t *testing.T) {
	name, data := NewMemory(4 * shardSize).TargetInfo()
	assert.Equal(t, "memory", name)
	assert.Equal(t, map[string]int{"shards": 4, "shard_size": shardSize}, data)
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("Hello, ublk!")
	n, err := mem.WriteAt(testData, 100)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 100)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)
	assert.Equal(t, testData, readBuf)
}

func TestMemoryAcrossShards(t *testing.T) {
	mem := NewMemory(4 * shardSize)

	data := bytes.Repeat([]byte{0xab}, shardSize+8192)
	off := int64(shardSize - 4096)
	_, err := mem.WriteAt(data, off)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = mem.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	start, end := mem.shardRange(off, int64(len(data)))
	assert.Equal(t, 0, start)
	assert.Equal(t, 2, end)
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 20, n)

	_, err = mem.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)

	_, err = mem.WriteAt([]byte("test"), 96)
	assert.NoError(t, err)

	_, err = mem.WriteAt([]byte("test"), 98)
	assert.ErrorIs(t, err, syscall.ENOSPC)

	_, err = mem.WriteAt([]byte("test"), -1)
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestMemoryDiscard(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	testData := []byte("Hello, World!")
	_, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)

	require.NoError(t, mem.Discard(0, 5))
	require.NoError(t, mem.Discard(90, 50), "discard past the end is clamped")

	readBuf := make([]byte, len(testData))
	_, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 5), readBuf[:5])
	assert.Equal(t, testData[5:], readBuf[5:])

	assert.NoError(t, mem.WriteZeroes(5, 8))
	_, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(testData)), readBuf)
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(1024)
	require.NoError(t, mem.Close())

	_, err := mem.ReadAt(make([]byte, 4), 0)
	assert.ErrorIs(t, err, syscall.ENODEV)
	_, err = mem.WriteAt(make([]byte, 4), 0)
	assert.ErrorIs(t, err, syscall.ENODEV)
	assert.ErrorIs(t, mem.Discard(0, 4), syscall.ENODEV)
}

func TestMemoryConcurrent(t *testing.T) {
	mem := NewMemory(16 * shardSize)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			block := bytes.Repeat([]byte{byte(w + 1)}, 4096)
			off := int64(w) * 2 * shardSize
			for i := 0; i < 100; i++ {
				_, _ = mem.WriteAt(block, off)
				got := make([]byte, len(block))
				_, _ = mem.ReadAt(got, off)
				if !bytes.Equal(block, got) {
					t.Errorf("worker %d: read back mismatch", w)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	_, _ = mem.WriteAt([]byte{1}, 0)
	_, _ = mem.ReadAt(make([]byte, 1), 0)

	stats := mem.Stats()
	assert.Equal(t, "memory", stats["type"])
	assert.Equal(t, int64(1024), stats["size"])
	assert.Equal(t, uint64(1), stats["reads"])
	assert.Equal(t, uint64(1), stats["writes"])
}

func BenchmarkMemoryRead(b *testing.B) {
	mem := NewMemory(1024 * 1024)
	buf := make([]byte, 4096)

	b.SetBytes(int64(len(buf)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		_, _ = mem.ReadAt(buf, offset)
	}
}

func BenchmarkMemoryWriteParallel(b *testing.B) {
	mem := NewMemory(64 << 20)
	b.SetBytes(4096)
	b.RunParallel(func(pb *testing.PB) {
		buf := make([]byte, 4096)
		i := 0
		for pb.Next() {
			offset := int64(i*4096) % (64<<20 - 4096)
			_, _ = mem.WriteAt(buf, offset)
			i += 17
		}
	})
}
