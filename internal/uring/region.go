package uring

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a block of memory shared with the kernel. Callers only see
// bounds-checked slices; Unmap releases it exactly once.
type Region struct {
	mu      sync.Mutex
	data    []byte
	release func([]byte) error
}

// NewRegion wraps b. release runs on the first Unmap and may be nil.
func NewRegion(b []byte, release func([]byte) error) *Region {
	return &Region{data: b, release: release}
}

// MapShared maps a window of fd.
func MapShared(fd int, offset int64, size int, prot int) (*Region, error) {
	b, err := unix.Mmap(fd, offset, size, prot, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap fd=%d off=%#x size=%d: %w", fd, offset, size, err)
	}
	return NewRegion(b, unix.Munmap), nil
}

// MapAnonymous allocates page-aligned memory outside the Go heap.
func MapAnonymous(size int) (*Region, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous size=%d: %w", size, err)
	}
	return NewRegion(b, unix.Munmap), nil
}

// Len returns the mapped size, or 0 once unmapped.
func (r *Region) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Bytes returns the whole region, or nil once unmapped.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Slice returns region[off:off+n] with a capped capacity so the slice cannot
// grow into a neighbour.
func (r *Region) Slice(off, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(r.data) {
		return nil, fmt.Errorf("uring: slice [%d:%d] outside region of %d bytes", off, off+n, len(r.data))
	}
	return r.data[off : off+n : off+n], nil
}

// Addr returns the user address of byte off, as passed to the driver.
func (r *Region) Addr(off int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off >= len(r.data) {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&r.data[off])))
}

// Unmap releases the memory. Later calls are no-ops.
func (r *Region) Unmap() error {
	r.mu.Lock()
	b := r.data
	r.data = nil
	release := r.release
	r.release = nil
	r.mu.Unlock()

	if b == nil || release == nil {
		return nil
	}
	return release(b)
}
