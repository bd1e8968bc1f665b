package simulated

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/device"
)

// Buffer is a simulated device buffer
type Buffer struct {
	device *Device
	id     int
	label  string
	size   int
	usage  device.BufferUsage

	data      []byte
	destroyed bool
	lastUse   uint64

	mapped       bool
	mappedOffset int
	mappedSize   int
}

var _ device.Buffer = &Buffer{}

func (b *Buffer) ID() int                   { return b.id }
func (b *Buffer) Size() int                 { return b.size }
func (b *Buffer) Usage() device.BufferUsage { return b.usage }
func (b *Buffer) Label() string             { return b.label }

func (b *Buffer) Destroyed() bool {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	return b.destroyed
}

// backingLocked commits the buffer's host storage on first use
func (b *Buffer) backingLocked() []byte {
	if b.data == nil {
		b.data = make([]byte, b.size)
	}
	return b.data
}

func (b *Buffer) checkRangeLocked(usage device.BufferUsage, offset, size int) error {
	if b.destroyed {
		return errors.Wrapf(ErrBufferDestroyed, "buffer %d (%q)", b.id, b.label)
	}

	if b.usage&usage != usage {
		return errors.Newf("buffer %d has usage %s, which does not include %s", b.id, b.usage, usage)
	}

	if offset < 0 || size < 0 || offset > b.size || size > b.size-offset {
		return errors.Newf("range of %d bytes at offset %d is outside of buffer %d with size %d", size, offset, b.id, b.size)
	}

	if b.mapped {
		return errors.Newf("buffer %d is mapped and cannot be used by the queue", b.id)
	}

	return nil
}

func (b *Buffer) MapAsync(ctx context.Context, mode device.MapMode, offset, size int) error {
	requiredUsage := device.BufferUsageMapRead
	if mode == device.MapModeWrite {
		requiredUsage = device.BufferUsageMapWrite
	}

	b.device.mutex.Lock()
	err := b.checkRangeLocked(requiredUsage, offset, size)
	lastUse := b.lastUse
	b.device.mutex.Unlock()

	if err != nil {
		return err
	}

	err = b.device.waitFor(ctx, lastUse)
	if err != nil {
		return err
	}

	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	if b.destroyed {
		return errors.Wrapf(ErrBufferDestroyed, "buffer %d (%q)", b.id, b.label)
	}

	b.mapped = true
	b.mappedOffset = offset
	b.mappedSize = size
	return nil
}

func (b *Buffer) MappedRange(offset, size int) ([]byte, error) {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	if b.destroyed {
		return nil, errors.Wrapf(ErrBufferDestroyed, "buffer %d (%q)", b.id, b.label)
	}

	if !b.mapped {
		return nil, errors.Newf("buffer %d is not mapped", b.id)
	}

	if offset < b.mappedOffset || size < 0 || offset+size > b.mappedOffset+b.mappedSize {
		return nil, errors.Newf("range of %d bytes at offset %d is outside of the mapped range", size, offset)
	}

	return b.backingLocked()[offset : offset+size : offset+size], nil
}

func (b *Buffer) Unmap() {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	b.mapped = false
}

// Destroy frees the buffer's storage. Destroying a buffer that in-flight work still references
// is recorded as a Hazard.
func (b *Buffer) Destroy() {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	if b.destroyed {
		return
	}

	if b.lastUse > b.device.retired && b.device.lostErr == nil {
		b.device.hazards = append(b.device.hazards, Hazard{
			BufferID:   b.id,
			Label:      b.label,
			Submission: b.lastUse,
		})
	}

	b.destroyed = true
	b.mapped = false
	b.data = nil
	b.device.destroyed++
}
