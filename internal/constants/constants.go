package constants

import "time"

// Default configuration constants
const (
	// DefaultQueueDepth is the default I/O queue depth per queue
	DefaultQueueDepth = 128

	// DefaultNumQueues is used when DeviceParams.NumQueues is zero
	DefaultNumQueues = 1

	// DefaultLogicalBlockSize is the default logical block size in bytes
	DefaultLogicalBlockSize = 512

	// DefaultMaxIOSize is the default maximum I/O size in bytes (1MB)
	DefaultMaxIOSize = 1 << 20

	// DefaultDiscardAlignment is the default discard alignment in bytes
	DefaultDiscardAlignment = 4096

	// DefaultDiscardGranularity is the default discard granularity in bytes
	DefaultDiscardGranularity = 4096

	// DefaultMaxDiscardSectors is the default maximum sectors per discard
	DefaultMaxDiscardSectors = 0xffffffff

	// DefaultMaxDiscardSegments is the default maximum segments per discard
	DefaultMaxDiscardSegments = 256

	// AutoAssignDeviceID indicates the kernel should auto-assign a device ID
	AutoAssignDeviceID = -1
)

// Timing constants for device lifecycle
const (
	// DefaultDrainTimeout bounds how long Stop waits for in-flight handlers
	DefaultDrainTimeout = 30 * time.Second

	// RecoveryRetryInterval is the pause between START_USER_RECOVERY
	// attempts while the kernel still reports the device busy
	RecoveryRetryInterval = 100 * time.Millisecond

	// RecoveryTimeout bounds the START_USER_RECOVERY retries
	RecoveryTimeout = 30 * time.Second

	// ForcedTeardownWait bounds each step of a forced delete
	ForcedTeardownWait = 10 * time.Second
)
