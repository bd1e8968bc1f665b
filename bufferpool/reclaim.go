package bufferpool

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/device"
)

// deferDestruction queues buffers for destruction once all work submitted up to now has retired.
//
// Destruction proceeds in epochs. At most one OnSubmittedWorkDone wait is in flight at a time,
// and it covers the epoch that was open when it was issued. Buffers released while the wait is
// outstanding accumulate in the next epoch, which receives a single wait of its own once the
// current one resolves.
func (p *Pool) deferDestruction(dev device.Device, buffers ...device.Buffer) {
	if len(buffers) == 0 {
		return
	}

	if dev == nil {
		p.logger.Debug("no device available, destroying released buffers immediately", slog.Int("BufferCount", len(buffers)))
		p.destroyBuffers(buffers)
		return
	}

	p.reclaimMutex.Lock()
	defer p.reclaimMutex.Unlock()

	p.pending = append(p.pending, buffers...)
	for _, buffer := range buffers {
		p.pendingBytes += buffer.Size()
	}

	if !p.draining {
		p.draining = true
		p.idle = make(chan struct{})
		p.closeEpochLocked(dev)
	}
}

// closeEpochLocked moves the open epoch in flight and issues its wait
func (p *Pool) closeEpochLocked(dev device.Device) {
	p.inFlight = p.pending
	p.pending = nil

	go p.drain(dev)
}

func (p *Pool) drain(dev device.Device) {
	err := dev.Queue().OnSubmittedWorkDone(context.Background())
	if err != nil {
		p.logger.Warn("failed waiting for submitted work, destroying pending buffers anyway", slog.Any("Error", err))
	}

	p.reclaimMutex.Lock()
	defer p.reclaimMutex.Unlock()

	// ClearPool may have taken the batch while the wait was outstanding
	p.destroyPendingLocked(p.inFlight)
	p.inFlight = nil

	if len(p.pending) > 0 {
		p.closeEpochLocked(dev)
		return
	}

	p.draining = false
	close(p.idle)
}

// destroyPendingLocked destroys a batch that was counted in pendingBytes. The byte count and the
// allocated total change under the same lock so that projectedAllocated never sees one without
// the other.
func (p *Pool) destroyPendingLocked(buffers []device.Buffer) {
	p.destroyBuffers(buffers)
	for _, buffer := range buffers {
		p.pendingBytes -= buffer.Size()
	}
}

// takeAllPending removes every buffer awaiting destruction, including the in-flight epoch, so
// that the caller can destroy them without waiting. The drain goroutine finds an empty batch
// when its wait resolves.
func (p *Pool) takeAllPending() []device.Buffer {
	p.reclaimMutex.Lock()
	defer p.reclaimMutex.Unlock()

	buffers := append(p.inFlight, p.pending...)
	p.inFlight = nil
	p.pending = nil
	p.pendingBytes = 0

	return buffers
}

func (p *Pool) destroyBuffers(buffers []device.Buffer) {
	for _, buffer := range buffers {
		buffer.Destroy()
		p.bytesAllocated.Remove(buffer.Size())
		p.destructions.Add(1)
	}
}

func (p *Pool) pendingState() (count int, bytes int) {
	p.reclaimMutex.Lock()
	defer p.reclaimMutex.Unlock()

	return len(p.pending) + len(p.inFlight), p.pendingBytes
}

// projectedAllocated is the allocated byte count once every pending destruction has completed
func (p *Pool) projectedAllocated() int {
	p.reclaimMutex.Lock()
	defer p.reclaimMutex.Unlock()

	return p.bytesAllocated.Current() - p.pendingBytes
}

// FlushPendingDestruction blocks until every buffer awaiting deferred destruction has been
// destroyed, or ctx is done
func (p *Pool) FlushPendingDestruction(ctx context.Context) error {
	p.logger.Debug("Pool::FlushPendingDestruction")

	for {
		p.reclaimMutex.Lock()
		if !p.draining {
			p.reclaimMutex.Unlock()
			return nil
		}
		idle := p.idle
		p.reclaimMutex.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReclaimResult describes the outcome of ForceReclaim
type ReclaimResult struct {
	EvictedBuffers int
	EvictedBytes   int
	// TargetBytes is targetRatio multiplied by the budget
	TargetBytes int
	// ProjectedBytes is the allocated byte count once every pending destruction has completed
	ProjectedBytes int
}

func (p *Pool) budgetLocked() int {
	if p.config.BudgetBytes > 0 {
		return p.config.BudgetBytes
	}

	if p.device == nil {
		return 0
	}
	return 2 * p.device.Limits().MaxBufferSize
}

// ForceReclaim evicts pooled buffers until the allocated byte count, less buffers already
// awaiting destruction, is at or below targetRatio of the budget. Active buffers are never
// touched. Buffers in the largest buckets are evicted first, and within a bucket the least
// recently released go first. Evicted buffers are destroyed once in-flight work has retired.
func (p *Pool) ForceReclaim(targetRatio float64) ReclaimResult {
	p.logger.Debug("Pool::ForceReclaim", slog.Float64("TargetRatio", targetRatio))

	p.stateMutex.Lock()

	result := ReclaimResult{
		TargetBytes:    int(targetRatio * float64(p.budgetLocked())),
		ProjectedBytes: p.projectedAllocated(),
	}

	var evicted []*pooledBuffer
	p.eviction.Ascend(func(pooled *pooledBuffer) bool {
		if result.ProjectedBytes <= result.TargetBytes {
			return false
		}

		evicted = append(evicted, pooled)
		result.ProjectedBytes -= pooled.key.size
		result.EvictedBuffers++
		result.EvictedBytes += pooled.key.size
		return true
	})

	buffers := p.evictLocked(evicted)
	dev := p.device
	p.stateMutex.Unlock()

	p.deferDestruction(dev, buffers...)

	if result.EvictedBuffers > 0 {
		p.logger.Info("reclaimed pooled buffers",
			slog.Int("EvictedBuffers", result.EvictedBuffers),
			slog.Int("EvictedBytes", result.EvictedBytes),
			slog.Int("TargetBytes", result.TargetBytes),
		)
	}

	return result
}

func (p *Pool) evictLocked(evicted []*pooledBuffer) []device.Buffer {
	buffers := make([]device.Buffer, 0, len(evicted))
	for _, pooled := range evicted {
		p.removePooled(pooled)
		buffers = append(buffers, pooled.buffer)
	}

	return buffers
}

// Configure applies a partial configuration update. Lowering the pool ceilings or disabling
// pooling evicts the excess pooled buffers through deferred destruction.
func (p *Pool) Configure(update ConfigUpdate) error {
	p.logger.Debug("Pool::Configure")

	p.stateMutex.Lock()

	if update.DebugMode != nil && *update.DebugMode && !p.config.DebugMode {
		p.stateMutex.Unlock()
		return errors.New("DebugMode can only be enabled when the pool is created")
	}

	config := update.apply(p.config).withDefaults()
	err := config.Validate()
	if err != nil {
		p.stateMutex.Unlock()
		return err
	}
	p.config = config

	var evicted []*pooledBuffer
	if !config.EnablePooling {
		p.eviction.Ascend(func(pooled *pooledBuffer) bool {
			evicted = append(evicted, pooled)
			return true
		})
	} else {
		for _, list := range p.pooled {
			// Lists are ordered oldest release first
			excess := len(list) - config.MaxPoolSizePerBucket
			if excess > 0 {
				evicted = append(evicted, list[:excess]...)
			}
		}
	}
	buffers := p.evictLocked(evicted)

	var overflow []*pooledBuffer
	excess := p.pooledCount - config.MaxTotalPooledBuffers
	if excess > 0 {
		p.eviction.Ascend(func(pooled *pooledBuffer) bool {
			overflow = append(overflow, pooled)
			return len(overflow) < excess
		})
	}
	buffers = append(buffers, p.evictLocked(overflow)...)

	dev := p.device
	p.stateMutex.Unlock()

	p.deferDestruction(dev, buffers...)
	return nil
}
