package bufferpool

import "github.com/cockroachdb/errors"

var (
	// ErrExceedsDeviceLimit is returned by Acquire when the requested size cannot be satisfied by
	// the device. Every such error also matches exactly one of ErrExceedsMaxBufferSize or
	// ErrExceedsMaxStorageBindingSize.
	ErrExceedsDeviceLimit = errors.New("buffer size exceeds device limit")
	// ErrExceedsMaxBufferSize indicates that the size is too large for any buffer on the device
	ErrExceedsMaxBufferSize = errors.New("buffer size exceeds the maximum buffer size")
	// ErrExceedsMaxStorageBindingSize indicates that the size is too large to be bound as a
	// storage buffer, although it may be usable with other usages
	ErrExceedsMaxStorageBindingSize = errors.New("buffer size exceeds the maximum storage buffer binding size")

	// ErrDoubleRelease is logged, never returned, when a buffer is released that the pool is not
	// tracking as active
	ErrDoubleRelease = errors.New("buffer released twice or not acquired from this pool")
	// ErrDeviceUnavailable is returned when an operation requires a device and none has been set
	ErrDeviceUnavailable = errors.New("no device is available")
	// ErrDestroyed is returned by Acquire after Destroy has been called
	ErrDestroyed = errors.New("buffer pool has been destroyed")
)
