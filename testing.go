package ublk

import (
	"io"
	"sync"
	"syscall"
)

// MockBackend provides a mock implementation of Backend for testing.
// It implements all optional interfaces, tracks method calls and can be told
// to fail the next calls of an operation.
type MockBackend struct {
	data    []byte
	size    int64
	closed  bool
	flushed bool
	synced  bool
	stats   map[string]any

	// Method call tracking
	mu           sync.RWMutex
	readCalls    int
	writeCalls   int
	flushCalls   int
	syncCalls    int
	discardCalls int

	failures map[string][]error
}

// NewMockBackend creates a new mock backend with the specified size.
// This is useful for unit testing applications that use ublk backends.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data:     make([]byte, size),
		size:     size,
		stats:    make(map[string]any),
		failures: make(map[string][]error),
	}
}

// FailNext makes the next len(errs) calls of op return those errors. op is
// one of "read", "write", "flush", "sync" or "discard".
func (m *MockBackend) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// injected pops a queued failure for op. m.mu must be held.
func (m *MockBackend) injected(op string) error {
	errs := m.failures[op]
	if len(errs) == 0 {
		return nil
	}
	m.failures[op] = errs[1:]
	return errs[0]
}

// ReadAt implements the Backend interface. Reads past the end return
// io.EOF.
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, syscall.ENODEV
	}
	if err := m.injected("read"); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}
	if off >= m.size {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Backend interface
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, syscall.ENODEV
	}
	if err := m.injected("write"); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}
	if off+int64(len(p)) > m.size {
		return 0, syscall.ENOSPC
	}

	n := copy(m.data[off:], p)
	return n, nil
}

// Size implements the Backend interface
func (m *MockBackend) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	// Clear the data to help with GC
	m.data = nil
	return nil
}

// Flush implements the Backend interface
func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	if err := m.injected("flush"); err != nil {
		return err
	}
	m.flushed = true
	return nil
}

// Discard implements the DiscardBackend interface
func (m *MockBackend) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discardCalls++
	if err := m.injected("discard"); err != nil {
		return err
	}
	if offset >= m.size {
		return nil
	}

	end := min(offset+length, m.size)
	clear(m.data[offset:end])
	return nil
}

// WriteZeroes implements the WriteZeroesBackend interface
func (m *MockBackend) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// Sync implements the SyncBackend interface
func (m *MockBackend) Sync() error {
	return m.SyncRange(0, m.Size())
}

// SyncRange implements the SyncBackend interface
func (m *MockBackend) SyncRange(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncCalls++
	if err := m.injected("sync"); err != nil {
		return err
	}
	m.synced = true
	return nil
}

// Stats implements the StatBackend interface
func (m *MockBackend) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]any, len(m.stats)+5)
	for k, v := range m.stats {
		stats[k] = v
	}

	stats["read_calls"] = m.readCalls
	stats["write_calls"] = m.writeCalls
	stats["flush_calls"] = m.flushCalls
	stats["sync_calls"] = m.syncCalls
	stats["discard_calls"] = m.discardCalls

	return stats
}

// Resize implements the ResizeBackend interface
func (m *MockBackend) Resize(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newSize < 0 {
		return syscall.EINVAL
	}

	if newSize > m.size {
		// Expand
		newData := make([]byte, newSize)
		copy(newData, m.data)
		m.data = newData
	} else if newSize < m.size {
		// Truncate
		m.data = m.data[:newSize]
	}

	m.size = newSize
	return nil
}

// Testing utility methods

// Bytes returns a copy of the backing store.
func (m *MockBackend) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if Flush has been called
func (m *MockBackend) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// IsSynced returns true if Sync or SyncRange has been called
func (m *MockBackend) IsSynced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":    m.readCalls,
		"write":   m.writeCalls,
		"flush":   m.flushCalls,
		"sync":    m.syncCalls,
		"discard": m.discardCalls,
	}
}

// Reset resets all call counters, state flags and pending failures
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.syncCalls = 0
	m.discardCalls = 0
	m.flushed = false
	m.synced = false
	m.failures = make(map[string][]error)
}

// SetCustomStats allows setting custom statistics for testing
func (m *MockBackend) SetCustomStats(stats map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]any, len(stats))
	for k, v := range stats {
		m.stats[k] = v
	}
}

// Compile-time interface checks
var (
	_ Backend            = (*MockBackend)(nil)
	_ DiscardBackend     = (*MockBackend)(nil)
	_ WriteZeroesBackend = (*MockBackend)(nil)
	_ SyncBackend        = (*MockBackend)(nil)
	_ StatBackend        = (*MockBackend)(nil)
	_ ResizeBackend      = (*MockBackend)(nil)
)
