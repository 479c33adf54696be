// Package backend provides standard ublk backend implementations
package backend

import (
	"io"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ehrlich-b/ublk-engine/internal/interfaces"
)

// shardSize is the span of the device covered by one lock. Requests from
// different queues only contend when they touch the same 64KB range.
const shardSize = 64 * 1024

// Memory is a RAM-backed device. Locking is sharded so queues can serve
// I/O in parallel.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
	closed atomic.Bool

	reads, writes, discards atomic.Uint64
}

// NewMemory creates a new memory backend of the specified size
func NewMemory(size int64) *Memory {
	if size < 0 {
		size = 0
	}
	n := (size + shardSize - 1) / shardSize
	if n == 0 {
		n = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, n),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

func (m *Memory) lock(off, length int64) func() {
	start, end := m.shardRange(off, length)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	return func() {
		for i := start; i <= end; i++ {
			m.shards[i].Unlock()
		}
	}
}

func (m *Memory) rlock(off, length int64) func() {
	start, end := m.shardRange(off, length)
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	return func() {
		for i := start; i <= end; i++ {
			m.shards[i].RUnlock()
		}
	}
}

// ReadAt implements the Backend interface. Reads past the end return io.EOF.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, syscall.ENODEV
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}
	if off >= m.size {
		return 0, io.EOF
	}
	m.reads.Add(1)

	want := len(p)
	if available := m.size - off; int64(want) > available {
		p = p[:available]
	}
	unlock := m.rlock(off, int64(len(p)))
	n := copy(p, m.data[off:off+int64(len(p))])
	unlock()

	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Backend interface. Writes past the end fail with
// ENOSPC.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, syscall.ENODEV
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}
	if off+int64(len(p)) > m.size {
		return 0, syscall.ENOSPC
	}
	m.writes.Add(1)

	unlock := m.lock(off, int64(len(p)))
	n := copy(m.data[off:], p)
	unlock()
	return n, nil
}

// Size implements the Backend interface
func (m *Memory) Size() int64 {
	return m.size
}

// TargetInfo names the backend in device exports.
func (m *Memory) TargetInfo() (string, any) {
	return "memory", map[string]int{"shards": len(m.shards), "shard_size": shardSize}
}

// Close implements the Backend interface. The buffer is kept until the
// backend is garbage collected because handlers may still be running.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// Flush implements the Backend interface
func (m *Memory) Flush() error {
	// Memory backend doesn't need flushing
	return nil
}

// Discard implements the DiscardBackend interface
func (m *Memory) Discard(offset, length int64) error {
	if m.closed.Load() {
		return syscall.ENODEV
	}
	if offset < 0 || length < 0 {
		return syscall.EINVAL
	}
	if offset >= m.size || length == 0 {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	m.discards.Add(1)

	unlock := m.lock(offset, end-offset)
	clear(m.data[offset:end])
	unlock()
	return nil
}

// WriteZeroes implements the WriteZeroesBackend interface
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// Sync implements the SyncBackend interface
func (m *Memory) Sync() error {
	return nil
}

// SyncRange implements the SyncBackend interface
func (m *Memory) SyncRange(offset, length int64) error {
	return nil
}

// Stats implements the StatBackend interface
func (m *Memory) Stats() map[string]any {
	return map[string]any{
		"type":     "memory",
		"size":     m.size,
		"shards":   len(m.shards),
		"reads":    m.reads.Load(),
		"writes":   m.writes.Load(),
		"discards": m.discards.Load(),
	}
}

// Compile-time interface checks
var (
	_ interfaces.Backend            = (*Memory)(nil)
	_ interfaces.DiscardBackend     = (*Memory)(nil)
	_ interfaces.WriteZeroesBackend = (*Memory)(nil)
	_ interfaces.SyncBackend        = (*Memory)(nil)
	_ interfaces.StatBackend        = (*Memory)(nil)
)
