package interfaces

// Backend is the storage a BackendHandler serves requests from. It mirrors
// io.ReaderAt and io.WriterAt so files and byte slices adapt easily.
type Backend interface {
	// ReadAt fills p from offset off. A short read at the end of the
	// backend may return io.EOF; the remainder of the request reads as
	// zeros.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes p at offset off and must return a non-nil error when
	// n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes.
	// This determines the size of the block device as seen by the kernel.
	Size() int64

	// Close closes the backend and releases any resources.
	// After Close is called, no other methods should be called.
	Close() error

	// Flush flushes any cached writes to stable storage.
	// This is called when the block layer issues a flush/fsync request.
	Flush() error
}

// DiscardBackend is an optional interface that backends can implement
// to support TRIM/DISCARD operations efficiently.
type DiscardBackend interface {
	Backend

	// Discard discards the data in the given range, making it available for reuse.
	// offset and length are in bytes.
	Discard(offset, length int64) error
}

// WriteZeroesBackend is an optional interface for efficient zero-writing.
type WriteZeroesBackend interface {
	Backend

	// WriteZeroes writes zeros to the given range.
	// offset and length are in bytes.
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional interface for fine-grained sync control.
// A FUA write is followed by SyncRange over the written range.
type SyncBackend interface {
	Backend

	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional interface that provides backend statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific statistics.
	Stats() map[string]any
}

// ResizeBackend is an optional interface for backends that support resizing.
// The kernel keeps the size it was given at SET_PARAMS until the device is
// recreated.
type ResizeBackend interface {
	Backend

	Resize(newSize int64) error
}
