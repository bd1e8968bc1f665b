// Package bufferpool hands out, reuses and safely destroys GPU buffers.
//
// Every buffer the pool knows about is in exactly one of three states: active (held by a
// caller), pooled (idle and available for reuse), or pending destruction (released and waiting
// for all previously submitted GPU work to retire before it is destroyed). Buffers are never
// destroyed while work submitted before their release might still reference them, except by
// ClearPool and Destroy, which are meant for full teardown.
package bufferpool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/vkngwrapper/substrate/device"
	"github.com/vkngwrapper/substrate/internal/utils"
	"github.com/vkngwrapper/substrate/memutils"
)

type activeBuffer struct {
	key           bucketKey
	requestedSize int
	label         string
	acquiredAt    time.Time
	// site is the acquisition call site, only captured in debug mode
	site error
}

type pooledBuffer struct {
	buffer     device.Buffer
	key        bucketKey
	releasedAt time.Time
	// sequence orders releases, and breaks ties between equal timestamps
	sequence uint64
}

// evictionLess orders pooled buffers largest bucket first, then least recently released
func evictionLess(a, b *pooledBuffer) bool {
	if a.key.size != b.key.size {
		return a.key.size > b.key.size
	}
	return a.sequence < b.sequence
}

type labelCounters struct {
	activeBuffers  int
	activeBytes    int
	requestedBytes int
	acquisitions   int
}

// Pool is a device buffer pool
type Pool struct {
	logger *slog.Logger
	now    func() time.Time

	stateMutex utils.OptionalMutex
	device     device.Device
	config     Config
	destroyed  bool

	active          *swiss.Map[device.Buffer, *activeBuffer]
	pooled          map[bucketKey][]*pooledBuffer
	pooledCount     int
	pooledBytes     int
	eviction        *btree.BTreeG[*pooledBuffer]
	releaseSequence uint64
	labels          map[string]*labelCounters

	allocations int
	reuses      int

	bytesAllocated memutils.UsageCounter
	bytesRequested memutils.UsageCounter
	destructions   atomic.Int64

	reclaimMutex sync.Mutex
	// pending is the open reclamation epoch: buffers released since the in-flight wait was issued
	pending []device.Buffer
	// inFlight is the closed epoch whose wait has been issued but has not resolved
	inFlight     []device.Buffer
	pendingBytes int
	draining     bool
	idle         chan struct{}
}

// New creates a pool. The device may be nil, in which case Acquire fails with
// ErrDeviceUnavailable until SetDevice is called.
func New(logger *slog.Logger, dev device.Device, config Config, options CreateOptions) (*Pool, error) {
	if logger == nil {
		return nil, errors.New("logger may not be nil")
	}

	config = config.withDefaults()
	err := config.Validate()
	if err != nil {
		return nil, err
	}

	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Pool{
		logger: logger,
		now:    now,
		stateMutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		device:   dev,
		config:   config,
		active:   swiss.NewMap[device.Buffer, *activeBuffer](64),
		pooled:   make(map[bucketKey][]*pooledBuffer),
		eviction: btree.NewG[*pooledBuffer](32, evictionLess),
		labels:   make(map[string]*labelCounters),
	}, nil
}

// SetDevice replaces the device used for new buffers and deferred destruction. Buffers created
// from a previous device are still tracked and will be destroyed through their own handles.
func (p *Pool) SetDevice(dev device.Device) {
	p.logger.Debug("Pool::SetDevice")

	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	p.device = dev
}

// Config returns the pool's current configuration
func (p *Pool) Config() Config {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	return p.config
}

// Acquire returns a buffer of at least size bytes with exactly the provided usage. A pooled
// buffer from the same (usage, bucket) is reused if one is available; otherwise a new buffer is
// created at the bucket size.
func (p *Pool) Acquire(size int, usage device.BufferUsage, label string) (device.Buffer, error) {
	p.logger.Debug("Pool::Acquire",
		slog.Int("Size", size),
		slog.String("Usage", usage.String()),
		slog.String("Label", label),
	)

	if size < 0 {
		return nil, errors.Newf("buffer size %d may not be negative", size)
	}

	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	if p.destroyed {
		return nil, ErrDestroyed
	}

	if p.device == nil {
		return nil, ErrDeviceUnavailable
	}

	_, bucket, err := bucketSize(p.config, p.device.Limits(), size, usage)
	if err != nil {
		return nil, err
	}

	key := bucketKey{usage: usage, size: bucket}
	if pooled := p.takePooled(key); pooled != nil {
		p.reuses++
		p.activate(pooled.buffer, key, size, label)
		return pooled.buffer, nil
	}

	buffer, err := p.device.CreateBuffer(device.BufferDescriptor{
		Label: label,
		Size:  bucket,
		Usage: usage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %d byte buffer %q", bucket, label)
	}

	p.allocations++
	p.bytesAllocated.Add(bucket)
	p.activate(buffer, key, size, label)

	return buffer, nil
}

func (p *Pool) activate(buffer device.Buffer, key bucketKey, requestedSize int, label string) {
	entry := &activeBuffer{
		key:           key,
		requestedSize: requestedSize,
		label:         label,
		acquiredAt:    p.now(),
	}

	if p.config.DebugMode {
		// Skip activate and Acquire so the trace starts at the caller
		entry.site = errors.NewWithDepthf(2, "buffer %q acquired", label)
	}

	p.active.Put(buffer, entry)
	p.bytesRequested.Add(requestedSize)

	counters, ok := p.labels[label]
	if !ok {
		counters = &labelCounters{}
		p.labels[label] = counters
	}
	counters.activeBuffers++
	counters.activeBytes += key.size
	counters.requestedBytes += requestedSize
	counters.acquisitions++
}

// deactivate removes a buffer from the active set
func (p *Pool) deactivate(buffer device.Buffer, entry *activeBuffer) {
	p.active.Delete(buffer)
	p.bytesRequested.Remove(entry.requestedSize)

	counters := p.labels[entry.label]
	counters.activeBuffers--
	counters.activeBytes -= entry.key.size
	counters.requestedBytes -= entry.requestedSize
}

func (p *Pool) takePooled(key bucketKey) *pooledBuffer {
	list := p.pooled[key]
	if len(list) == 0 {
		return nil
	}

	// Most recently released first, so the coldest buffers are the ones left for eviction
	pooled := list[len(list)-1]
	p.removePooled(pooled)
	return pooled
}

func (p *Pool) removePooled(pooled *pooledBuffer) {
	list := p.pooled[pooled.key]
	for i, candidate := range list {
		if candidate == pooled {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(p.pooled, pooled.key)
	} else {
		p.pooled[pooled.key] = list
	}

	p.eviction.Delete(pooled)
	p.pooledCount--
	p.pooledBytes -= pooled.key.size
}

func (p *Pool) addPooled(buffer device.Buffer, key bucketKey) {
	p.releaseSequence++
	pooled := &pooledBuffer{
		buffer:     buffer,
		key:        key,
		releasedAt: p.now(),
		sequence:   p.releaseSequence,
	}

	p.pooled[key] = append(p.pooled[key], pooled)
	p.eviction.ReplaceOrInsert(pooled)
	p.pooledCount++
	p.pooledBytes += key.size
}

// Release returns a buffer to the pool. If the buffer's bucket has room and the pool is under its
// global ceiling, the buffer is kept for reuse; otherwise it is destroyed once all work
// submitted so far has retired. Releasing a buffer the pool is not tracking logs a warning and
// does nothing.
func (p *Pool) Release(buffer device.Buffer) {
	p.logger.Debug("Pool::Release")

	p.stateMutex.Lock()

	entry, ok := p.active.Get(buffer)
	if !ok {
		p.stateMutex.Unlock()

		label := ""
		if buffer != nil {
			label = buffer.Label()
		}
		p.logger.Warn("ignoring release of untracked buffer",
			slog.String("Label", label),
			slog.Any("Error", ErrDoubleRelease),
		)
		return
	}

	p.deactivate(buffer, entry)

	if p.config.EnablePooling &&
		len(p.pooled[entry.key]) < p.config.MaxPoolSizePerBucket &&
		p.pooledCount < p.config.MaxTotalPooledBuffers {

		p.addPooled(buffer, entry.key)
		p.stateMutex.Unlock()
		return
	}

	dev := p.device
	p.stateMutex.Unlock()

	p.deferDestruction(dev, buffer)
}

// IsActiveBuffer reports whether the buffer is currently held by a caller
func (p *Pool) IsActiveBuffer(buffer device.Buffer) bool {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	_, ok := p.active.Get(buffer)
	return ok
}

// RequestedSize returns the size the caller asked for when acquiring an active buffer, which may
// be smaller than the buffer's actual size. It returns 0 for buffers that are not active.
func (p *Pool) RequestedSize(buffer device.Buffer) int {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	entry, ok := p.active.Get(buffer)
	if !ok {
		return 0
	}
	return entry.requestedSize
}

// ClearPool synchronously destroys every pooled buffer and every buffer awaiting deferred
// destruction without waiting for in-flight work. It is intended for teardown.
func (p *Pool) ClearPool() {
	p.logger.Debug("Pool::ClearPool")

	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	p.clearPoolLocked()
}

func (p *Pool) clearPoolLocked() {
	var buffers []device.Buffer
	p.eviction.Ascend(func(pooled *pooledBuffer) bool {
		buffers = append(buffers, pooled.buffer)
		return true
	})

	p.pooled = make(map[bucketKey][]*pooledBuffer)
	p.eviction.Clear(false)
	p.pooledCount = 0
	p.pooledBytes = 0

	p.destroyBuffers(buffers)
	p.destroyBuffers(p.takeAllPending())
}

// Destroy destroys every buffer the pool knows about, including active ones, without waiting for
// in-flight work. After Destroy, Acquire fails with ErrDestroyed.
func (p *Pool) Destroy() {
	p.logger.Debug("Pool::Destroy")

	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	p.clearPoolLocked()

	var buffers []device.Buffer
	p.active.Iter(func(buffer device.Buffer, entry *activeBuffer) bool {
		buffers = append(buffers, buffer)
		return false
	})

	for _, buffer := range buffers {
		entry, _ := p.active.Get(buffer)
		p.deactivate(buffer, entry)
	}
	p.destroyBuffers(buffers)

	p.destroyed = true
}
