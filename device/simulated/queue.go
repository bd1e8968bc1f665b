package simulated

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/device"
)

// Queue is the simulated device's only queue
type Queue struct {
	device *Device
}

var _ device.Queue = &Queue{}

func (q *Queue) asBuffer(buffer device.Buffer) (*Buffer, error) {
	simulated, ok := buffer.(*Buffer)
	if !ok || simulated == nil || simulated.device != q.device {
		return nil, errors.New("buffer does not belong to this device")
	}

	return simulated, nil
}

func (q *Queue) WriteBuffer(buffer device.Buffer, offset int, data []byte) error {
	dst, err := q.asBuffer(buffer)
	if err != nil {
		return err
	}

	q.device.mutex.Lock()
	defer q.device.mutex.Unlock()

	if q.device.lostErr != nil {
		return q.device.lostErr
	}

	err = dst.checkRangeLocked(device.BufferUsageCopyDst, offset, len(data))
	if err != nil {
		return err
	}

	copy(dst.backingLocked()[offset:], data)
	q.device.submitLocked(dst)
	return nil
}

func (q *Queue) CopyBufferToBuffer(src device.Buffer, srcOffset int, dst device.Buffer, dstOffset int, size int) error {
	source, err := q.asBuffer(src)
	if err != nil {
		return err
	}

	target, err := q.asBuffer(dst)
	if err != nil {
		return err
	}

	q.device.mutex.Lock()
	defer q.device.mutex.Unlock()

	if q.device.lostErr != nil {
		return q.device.lostErr
	}

	err = source.checkRangeLocked(device.BufferUsageCopySrc, srcOffset, size)
	if err != nil {
		return err
	}

	err = target.checkRangeLocked(device.BufferUsageCopyDst, dstOffset, size)
	if err != nil {
		return err
	}

	copy(target.backingLocked()[dstOffset:dstOffset+size], source.backingLocked()[srcOffset:srcOffset+size])
	q.device.submitLocked(source, target)
	return nil
}

func (q *Queue) OnSubmittedWorkDone(ctx context.Context) error {
	q.device.mutex.Lock()
	q.device.workDoneWaits++
	serial := q.device.submitted
	q.device.mutex.Unlock()

	return q.device.waitFor(ctx, serial)
}
