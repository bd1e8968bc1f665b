// Package device defines the boundary between the buffer pool and a GPU device. The shapes
// follow WebGPU: buffers are created with a fixed size and usage, work is submitted to a single
// queue, and completion of submitted work is observed asynchronously.
package device

import (
	"context"

	"github.com/vkngwrapper/substrate/capability"
)

// Limits are the device's buffer size limits
type Limits struct {
	MaxBufferSize               int
	MaxStorageBufferBindingSize int
}

// LimitsFromCapabilities converts probed device limits into Limits
func LimitsFromCapabilities(limits capability.DeviceLimits) Limits {
	return Limits{
		MaxBufferSize:               limits.MaxBufferSize,
		MaxStorageBufferBindingSize: limits.MaxStorageBufferBindingSize,
	}
}

// BufferDescriptor describes a buffer to be created by Device.CreateBuffer
type BufferDescriptor struct {
	Label string
	Size  int
	Usage BufferUsage
}

// Buffer is a GPU-resident allocation
type Buffer interface {
	Size() int
	Usage() BufferUsage
	Label() string

	// MapAsync maps a range of the buffer for host access. It blocks until all previously
	// submitted work using the buffer has completed.
	MapAsync(ctx context.Context, mode MapMode, offset, size int) error
	// MappedRange returns the host view of a mapped range. The slice is only valid until Unmap.
	MappedRange(offset, size int) ([]byte, error)
	Unmap()
	// Destroy frees the buffer's device memory immediately. The caller is responsible for
	// ensuring that no in-flight work still references the buffer.
	Destroy()
}

// Queue submits work to the device
type Queue interface {
	WriteBuffer(buffer Buffer, offset int, data []byte) error
	// CopyBufferToBuffer encodes and submits a single copy command
	CopyBufferToBuffer(src Buffer, srcOffset int, dst Buffer, dstOffset int, size int) error
	// OnSubmittedWorkDone blocks until all work submitted before the call has completed on the
	// device, or the device has been lost
	OnSubmittedWorkDone(ctx context.Context) error
}

// Device creates buffers and owns the queue that work is submitted to
type Device interface {
	CreateBuffer(descriptor BufferDescriptor) (Buffer, error)
	Queue() Queue
	Limits() Limits
}
