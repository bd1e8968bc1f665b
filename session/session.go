// Package session ties the heap manager and the buffer pool together for one model-loading
// lifetime. Callers own the Session; there is no package-level state.
package session

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/bufferpool"
	"github.com/vkngwrapper/substrate/capability"
	"github.com/vkngwrapper/substrate/config"
	"github.com/vkngwrapper/substrate/device"
	"github.com/vkngwrapper/substrate/heap"
	"github.com/vkngwrapper/substrate/memutils"
)

// WeightsUsage is the usage every buffer produced by StageWeights is created with
const WeightsUsage = device.BufferUsageStorage | device.BufferUsageCopyDst | device.BufferUsageCopySrc

// Session owns an initialized heap manager and a buffer pool bound to one device
type Session struct {
	logger *slog.Logger
	heap   *heap.Manager
	pool   *bufferpool.Pool
}

// Open validates cfg, creates and initializes the heap manager, and creates the buffer pool. dev
// may be nil, in which case the pool refuses acquisitions until a device is attached with
// Pool().SetDevice.
func Open(ctx context.Context, logger *slog.Logger, probe capability.Probe, dev device.Device, cfg config.Config) (*Session, error) {
	if logger == nil {
		return nil, errors.New("logger may not be nil")
	}

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	manager, err := heap.New(logger, probe, cfg.HeapOptions())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create heap manager")
	}

	err = manager.Init(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize heap manager")
	}

	pool, err := bufferpool.New(logger, dev, cfg.PoolConfig(), cfg.PoolOptions())
	if err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "failed to create buffer pool"), manager.Destroy())
	}

	logger.Debug("Session::Open", slog.String("Strategy", manager.Strategy().String()))

	return &Session{
		logger: logger,
		heap:   manager,
		pool:   pool,
	}, nil
}

func (s *Session) Heap() *heap.Manager {
	return s.heap
}

func (s *Session) Pool() *bufferpool.Pool {
	return s.pool
}

// Statistics summarizes host and device memory held by a Session
type Statistics struct {
	Heap  memutils.Statistics
	Pool  memutils.Statistics
	Total memutils.Statistics
}

func (s *Session) Statistics() Statistics {
	var stats Statistics
	s.heap.AddStatistics(&stats.Heap)
	s.pool.AddStatistics(&stats.Pool)

	stats.Total.AddStatistics(&stats.Heap)
	stats.Total.AddStatistics(&stats.Pool)
	return stats
}

// StageWeights copies data into the host heap, then uploads the heap's copy into a pooled device
// buffer labeled with label. The returned buffer belongs to the caller, who hands it back with
// Pool().Release. The host copy stays resident until the heap is reset.
func (s *Session) StageWeights(ctx context.Context, data []byte, label string) (device.Buffer, error) {
	s.logger.Debug("Session::StageWeights", slog.Int("Size", len(data)), slog.String("Label", label))

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, errors.New("cannot stage empty weights")
	}

	allocation, err := s.heap.Allocate(len(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate host memory for %s", label)
	}

	err = s.heap.Write(allocation.VirtualAddress, data)
	if err != nil {
		return nil, err
	}

	staged, err := s.heap.BufferSlice(allocation.VirtualAddress, allocation.Size)
	if err != nil {
		return nil, err
	}

	buffer, err := s.pool.Acquire(len(staged), WeightsUsage, label)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire device buffer for %s", label)
	}

	err = s.pool.UploadData(buffer, staged, 0)
	if err != nil {
		s.pool.Release(buffer)
		return nil, errors.Wrapf(err, "failed to upload %s", label)
	}

	return buffer, nil
}

// Close waits for deferred buffer destruction to finish, then destroys the pool and the heap.
// The pool and heap are destroyed even if ctx ends first.
func (s *Session) Close(ctx context.Context) error {
	s.logger.Debug("Session::Close")

	flushErr := s.pool.FlushPendingDestruction(ctx)
	s.pool.Destroy()
	return errors.CombineErrors(flushErr, s.heap.Destroy())
}
