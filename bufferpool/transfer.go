package bufferpool

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/device"
)

func (p *Pool) currentDevice() device.Device {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	return p.device
}

// UploadData writes data into buffer at offset through the device queue
func (p *Pool) UploadData(buffer device.Buffer, data []byte, offset int) error {
	p.logger.Debug("Pool::UploadData", slog.Int("Size", len(data)), slog.Int("Offset", offset))

	dev := p.currentDevice()
	if dev == nil {
		return ErrDeviceUnavailable
	}

	err := dev.Queue().WriteBuffer(buffer, offset, data)
	if err != nil {
		return errors.Wrapf(err, "failed to upload %d bytes to buffer %q", len(data), buffer.Label())
	}

	return nil
}

// ReadBuffer copies the first size bytes of buffer back to the host. A staging buffer is
// acquired from the pool for the copy and released before returning.
func (p *Pool) ReadBuffer(ctx context.Context, buffer device.Buffer, size int) (data []byte, err error) {
	p.logger.Debug("Pool::ReadBuffer", slog.Int("Size", size))

	dev := p.currentDevice()
	if dev == nil {
		return nil, ErrDeviceUnavailable
	}

	if size < 0 || size > buffer.Size() {
		return nil, errors.Newf("cannot read %d bytes from buffer %q with size %d", size, buffer.Label(), buffer.Size())
	}

	staging, err := p.Acquire(size, device.BufferUsageMapRead|device.BufferUsageCopyDst, "staging:read")
	if err != nil {
		return nil, err
	}
	defer p.Release(staging)

	err = dev.Queue().CopyBufferToBuffer(buffer, 0, staging, 0, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to copy buffer %q to staging", buffer.Label())
	}

	err = staging.MapAsync(ctx, device.MapModeRead, 0, size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map staging buffer")
	}
	defer staging.Unmap()

	mapped, err := staging.MappedRange(0, size)
	if err != nil {
		return nil, err
	}

	data = make([]byte, size)
	copy(data, mapped)
	return data, nil
}
