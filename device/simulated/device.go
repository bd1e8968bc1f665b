// Package simulated is an in-process software implementation of the device boundary. Buffers
// are backed by host memory that is only committed the first time their contents are touched,
// so very large buffers can be created cheaply. Submitted work completes immediately unless
// the device is created with ManualRetire, in which case it completes only when Retire is
// called.
package simulated

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/device"
)

var (
	// ErrDeviceLost is returned by every operation on a device after Lose is called
	ErrDeviceLost = errors.New("device lost")
	// ErrBufferDestroyed is returned when a destroyed buffer is used
	ErrBufferDestroyed = errors.New("buffer used after destroy")
)

// Options configures a simulated Device
type Options struct {
	Limits device.Limits
	// ManualRetire holds every submission in flight until Retire is called
	ManualRetire bool
}

// Hazard records a buffer that was destroyed while work referencing it was still in flight
type Hazard struct {
	BufferID int
	Label    string
	// Submission is the serial of the last in-flight submission that referenced the buffer
	Submission uint64
}

type waiter struct {
	serial uint64
	done   chan error
}

// Device is a simulated GPU device. It is safe for concurrent use.
type Device struct {
	options Options
	queue   *Queue

	mutex     sync.Mutex
	lostErr   error
	submitted uint64
	retired   uint64
	waiters   []*waiter

	nextID        int
	created       int
	destroyed     int
	workDoneWaits int
	hazards       []Hazard
}

var _ device.Device = &Device{}

func New(options Options) *Device {
	d := &Device{options: options}
	d.queue = &Queue{device: d}
	return d
}

func (d *Device) Limits() device.Limits { return d.options.Limits }
func (d *Device) Queue() device.Queue   { return d.queue }

func (d *Device) CreateBuffer(descriptor device.BufferDescriptor) (device.Buffer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lostErr != nil {
		return nil, d.lostErr
	}

	if descriptor.Size < 0 {
		return nil, errors.Newf("buffer size %d may not be negative", descriptor.Size)
	}

	if d.options.Limits.MaxBufferSize > 0 && descriptor.Size > d.options.Limits.MaxBufferSize {
		return nil, errors.Newf("buffer size %d exceeds the device's maximum buffer size of %d", descriptor.Size, d.options.Limits.MaxBufferSize)
	}

	if descriptor.Usage == 0 {
		return nil, errors.New("buffer usage may not be empty")
	}

	if descriptor.Usage&device.BufferUsageMapRead != 0 && descriptor.Usage&^(device.BufferUsageMapRead|device.BufferUsageCopyDst) != 0 {
		return nil, errors.Newf("usage %s: BufferUsageMapRead may only be combined with BufferUsageCopyDst", descriptor.Usage)
	}

	if descriptor.Usage&device.BufferUsageMapWrite != 0 && descriptor.Usage&^(device.BufferUsageMapWrite|device.BufferUsageCopySrc) != 0 {
		return nil, errors.Newf("usage %s: BufferUsageMapWrite may only be combined with BufferUsageCopySrc", descriptor.Usage)
	}

	d.nextID++
	d.created++

	return &Buffer{
		device: d,
		id:     d.nextID,
		label:  descriptor.Label,
		size:   descriptor.Size,
		usage:  descriptor.Usage,
	}, nil
}

// submitLocked registers a new submission that references the provided buffers
func (d *Device) submitLocked(buffers ...*Buffer) {
	d.submitted++
	for _, buffer := range buffers {
		buffer.lastUse = d.submitted
	}

	if !d.options.ManualRetire {
		d.retireLocked()
	}
}

func (d *Device) retireLocked() {
	d.retired = d.submitted

	remaining := d.waiters[:0]
	for _, w := range d.waiters {
		if w.serial <= d.retired {
			w.done <- nil
			continue
		}
		remaining = append(remaining, w)
	}
	d.waiters = remaining
}

// waitFor blocks until the submission with the provided serial has retired
func (d *Device) waitFor(ctx context.Context, serial uint64) error {
	d.mutex.Lock()
	if d.lostErr != nil {
		d.mutex.Unlock()
		return d.lostErr
	}
	if serial <= d.retired {
		d.mutex.Unlock()
		return nil
	}

	w := &waiter{serial: serial, done: make(chan error, 1)}
	d.waiters = append(d.waiters, w)
	d.mutex.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retire completes all work submitted so far
func (d *Device) Retire() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.retireLocked()
}

// Lose simulates device loss. Pending and future waits fail with ErrDeviceLost, as does buffer
// creation.
func (d *Device) Lose() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.lostErr = ErrDeviceLost
	for _, w := range d.waiters {
		w.done <- d.lostErr
	}
	d.waiters = nil
}

func (d *Device) CreatedBuffers() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.created
}

func (d *Device) DestroyedBuffers() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.destroyed
}

func (d *Device) LiveBuffers() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.created - d.destroyed
}

// Submissions is the number of pieces of work submitted to the queue
func (d *Device) Submissions() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.submitted
}

// WorkDoneWaits is the number of times OnSubmittedWorkDone has been called
func (d *Device) WorkDoneWaits() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.workDoneWaits
}

// PendingWaits is the number of callers currently blocked waiting for submitted work
func (d *Device) PendingWaits() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.waiters)
}

// Hazards returns every buffer destroyed while in-flight work still referenced it
func (d *Device) Hazards() []Hazard {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]Hazard(nil), d.hazards...)
}
