package bufferpool_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/substrate/bufferpool"
	"github.com/vkngwrapper/substrate/device"
	"github.com/vkngwrapper/substrate/device/simulated"
	"github.com/vkngwrapper/substrate/memutils"
)

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

const storageUsage = device.BufferUsageStorage | device.BufferUsageCopyDst | device.BufferUsageCopySrc

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func gpuLimits() device.Limits {
	return device.Limits{MaxBufferSize: gib, MaxStorageBufferBindingSize: 512 * mib}
}

func newPool(t *testing.T, dev device.Device, config bufferpool.Config) *bufferpool.Pool {
	pool, err := bufferpool.New(testLogger(), dev, config, bufferpool.CreateOptions{})
	require.NoError(t, err)
	return pool
}

func flush(t *testing.T, pool *bufferpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, pool.FlushPendingDestruction(ctx))
}

func TestNew_InvalidConfig(t *testing.T) {
	config := bufferpool.DefaultConfig()
	config.Alignment = 300

	_, err := bufferpool.New(testLogger(), nil, config, bufferpool.CreateOptions{})
	require.Error(t, err)

	config = bufferpool.DefaultConfig()
	config.LargeBufferStep = 1000
	_, err = bufferpool.New(testLogger(), nil, config, bufferpool.CreateOptions{})
	require.Error(t, err)

	_, err = bufferpool.New(nil, nil, bufferpool.DefaultConfig(), bufferpool.CreateOptions{})
	require.Error(t, err)
}

func TestAcquire_ReusePath(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	first, err := pool.Acquire(1000, device.BufferUsageStorage, "activations")
	require.NoError(t, err)
	require.Equal(t, 1024, first.Size())
	require.True(t, pool.IsActiveBuffer(first))
	require.Equal(t, 1000, pool.RequestedSize(first))

	pool.Release(first)
	require.False(t, pool.IsActiveBuffer(first))
	require.Equal(t, 0, pool.RequestedSize(first))

	second, err := pool.Acquire(900, device.BufferUsageStorage, "activations")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 900, pool.RequestedSize(second))

	stats := pool.Stats()
	require.Equal(t, 1, stats.Allocations)
	require.Equal(t, 1, stats.Reuses)
	require.Equal(t, 1, dev.CreatedBuffers())
	require.Equal(t, 1024, stats.BytesAllocated.Current)
	require.Equal(t, 1024, stats.BytesAllocated.Peak)
	require.Equal(t, 900, stats.BytesRequested.Current)
	require.Equal(t, 1000, stats.BytesRequested.Peak)
	require.Equal(t, 1900, stats.BytesRequested.Total)

	// A different usage never shares a bucket
	third, err := pool.Acquire(900, device.BufferUsageUniform, "activations")
	require.NoError(t, err)
	require.NotSame(t, first, third)
	require.Equal(t, 2, pool.Stats().Allocations)
}

func TestAcquire_NoDevice(t *testing.T) {
	pool := newPool(t, nil, bufferpool.DefaultConfig())

	_, err := pool.Acquire(1024, device.BufferUsageStorage, "weights")
	require.ErrorIs(t, err, bufferpool.ErrDeviceUnavailable)
	require.ErrorIs(t, pool.UploadData(nil, []byte{1}, 0), bufferpool.ErrDeviceUnavailable)

	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool.SetDevice(dev)

	buffer, err := pool.Acquire(1024, device.BufferUsageStorage, "weights")
	require.NoError(t, err)
	require.NotNil(t, buffer)
}

func TestAcquire_LimitFailureCreatesNothing(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	for _, size := range []int{2 * gib, math.MaxInt - 10, math.MaxInt} {
		_, err := pool.Acquire(size, device.BufferUsageStorage, "too-big")
		require.True(t, errors.Is(err, bufferpool.ErrExceedsDeviceLimit))
		require.True(t, errors.Is(err, bufferpool.ErrExceedsMaxBufferSize))
	}

	require.Equal(t, 0, dev.CreatedBuffers())
	stats := pool.Stats()
	require.Equal(t, 0, stats.Allocations)
	require.Equal(t, 0, stats.BytesAllocated.Total)
	require.Equal(t, 0, stats.BytesRequested.Total)
	require.Equal(t, 0, stats.ActiveBuffers)
	require.Empty(t, pool.LabelStats())
}

func TestAcquire_StorageBindingScenario(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	_, err := pool.Acquire(600_000_000, device.BufferUsageStorage, "ffn")
	require.True(t, errors.Is(err, bufferpool.ErrExceedsDeviceLimit))
	require.True(t, errors.Is(err, bufferpool.ErrExceedsMaxStorageBindingSize))
	require.False(t, errors.Is(err, bufferpool.ErrExceedsMaxBufferSize))
	require.Equal(t, 0, dev.CreatedBuffers())

	buffer, err := pool.Acquire(600_000_000, device.BufferUsageUniform, "ffn")
	require.NoError(t, err)
	require.GreaterOrEqual(t, buffer.Size(), 600_000_000)
	require.LessOrEqual(t, buffer.Size(), gib)
	require.Equal(t, 600_000_000, pool.RequestedSize(buffer))
	require.Equal(t, 1, dev.CreatedBuffers())
}

func TestRelease_DoubleRelease(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	buffer, err := pool.Acquire(4096, device.BufferUsageStorage, "kv")
	require.NoError(t, err)
	other, err := pool.Acquire(4096, device.BufferUsageStorage, "kv")
	require.NoError(t, err)

	pool.Release(buffer)
	require.NotPanics(t, func() { pool.Release(buffer) })
	require.NotPanics(t, func() { pool.Release(nil) })

	stats := pool.Stats()
	require.Equal(t, 1, stats.ActiveBuffers)
	require.Equal(t, 1, stats.PooledBuffers)
	require.Equal(t, 4096, stats.BytesRequested.Current)
	require.True(t, pool.IsActiveBuffer(other))
	require.Equal(t, 1, pool.LabelStats()["kv"].ActiveBuffers)
}

func TestRelease_PoolCeilings(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	config := bufferpool.DefaultConfig()
	config.MaxPoolSizePerBucket = 2
	config.MaxTotalPooledBuffers = 3
	pool := newPool(t, dev, config)

	var buffers []device.Buffer
	for i := 0; i < 3; i++ {
		buffer, err := pool.Acquire(1024, device.BufferUsageStorage, "a")
		require.NoError(t, err)
		buffers = append(buffers, buffer)
	}
	for i := 0; i < 2; i++ {
		buffer, err := pool.Acquire(4096, device.BufferUsageStorage, "b")
		require.NoError(t, err)
		buffers = append(buffers, buffer)
	}

	for _, buffer := range buffers {
		pool.Release(buffer)
	}
	flush(t, pool)

	// Two of bucket a fit, the third exceeds the per-bucket ceiling. One of bucket b fits before
	// the global ceiling is reached.
	stats := pool.Stats()
	require.Equal(t, 3, stats.PooledBuffers)
	require.Equal(t, 2*1024+4096, stats.PooledBytes)
	require.Equal(t, 2, stats.Destructions)
	require.Equal(t, 2, dev.DestroyedBuffers())
	require.Equal(t, 3, dev.LiveBuffers())
	require.Equal(t, 2*1024+4096, stats.BytesAllocated.Current)
	require.Equal(t, 0, stats.BytesRequested.Current)
	require.Empty(t, dev.Hazards())
}

func TestDeferredDestruction_WaitsForSubmittedWork(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits(), ManualRetire: true})
	config := bufferpool.DefaultConfig()
	config.EnablePooling = false
	pool := newPool(t, dev, config)

	var buffers []device.Buffer
	for i := 0; i < 4; i++ {
		buffer, err := pool.Acquire(1024, storageUsage, "scratch")
		require.NoError(t, err)
		require.NoError(t, pool.UploadData(buffer, []byte{1, 2, 3, 4}, 0))
		buffers = append(buffers, buffer)
	}

	pool.Release(buffers[0])
	require.Eventually(t, func() bool { return dev.PendingWaits() == 1 }, time.Second, time.Millisecond)

	// Released while the first wait is outstanding: these share the next epoch's single wait
	pool.Release(buffers[1])
	pool.Release(buffers[2])
	pool.Release(buffers[3])

	stats := pool.Stats()
	require.Equal(t, 4, stats.PendingBuffers)
	require.Equal(t, 4096, stats.PendingBytes)
	require.Equal(t, 4096, stats.BytesAllocated.Current)
	require.Equal(t, 0, stats.BytesRequested.Current)
	require.Equal(t, 0, dev.DestroyedBuffers())
	require.Equal(t, 1, dev.WorkDoneWaits())

	dev.Retire()
	flush(t, pool)

	require.Equal(t, 4, dev.DestroyedBuffers())
	require.Equal(t, 2, dev.WorkDoneWaits())
	require.Empty(t, dev.Hazards())

	stats = pool.Stats()
	require.Equal(t, 0, stats.PendingBuffers)
	require.Equal(t, 0, stats.PendingBytes)
	require.Equal(t, 0, stats.BytesAllocated.Current)
	require.Equal(t, 4, stats.Destructions)
}

func TestDeferredDestruction_DeviceLost(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits(), ManualRetire: true})
	config := bufferpool.DefaultConfig()
	config.EnablePooling = false
	pool := newPool(t, dev, config)

	buffer, err := pool.Acquire(1024, storageUsage, "scratch")
	require.NoError(t, err)
	require.NoError(t, pool.UploadData(buffer, []byte{1}, 0))

	pool.Release(buffer)
	require.Eventually(t, func() bool { return dev.PendingWaits() == 1 }, time.Second, time.Millisecond)

	dev.Lose()
	flush(t, pool)

	require.Equal(t, 1, dev.DestroyedBuffers())
	require.Equal(t, 0, pool.Stats().PendingBuffers)
	require.Equal(t, 0, pool.Stats().BytesAllocated.Current)
}

func TestDeferredDestruction_NoDevice(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	config := bufferpool.DefaultConfig()
	config.EnablePooling = false
	pool := newPool(t, dev, config)

	buffer, err := pool.Acquire(1024, device.BufferUsageStorage, "scratch")
	require.NoError(t, err)

	pool.SetDevice(nil)
	pool.Release(buffer)

	require.Equal(t, 1, dev.DestroyedBuffers())
	require.Equal(t, 0, dev.WorkDoneWaits())
	require.Equal(t, 0, pool.Stats().BytesAllocated.Current)
}

func TestForceReclaim_TrimsPooledBuffersOnly(t *testing.T) {
	limits := device.Limits{MaxBufferSize: gib, MaxStorageBufferBindingSize: gib}
	dev := simulated.New(simulated.Options{Limits: limits})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	pooledSizes := []int{512 * mib, 256 * mib, 128 * mib, 64 * mib, 64 * mib}
	var toRelease []device.Buffer
	for _, size := range pooledSizes {
		buffer, err := pool.Acquire(size, device.BufferUsageStorage, "weights")
		require.NoError(t, err)
		require.Equal(t, size, buffer.Size())
		toRelease = append(toRelease, buffer)
	}

	active, err := pool.Acquire(208*mib, device.BufferUsageStorage, "kv-cache")
	require.NoError(t, err)

	for _, buffer := range toRelease {
		pool.Release(buffer)
	}

	stats := pool.Stats()
	require.Equal(t, 2*gib, stats.BudgetBytes)
	require.Equal(t, gib, stats.PooledBytes)
	require.Equal(t, gib+208*mib, stats.BytesAllocated.Current)

	result := pool.ForceReclaim(0.5)
	require.Equal(t, gib, result.TargetBytes)
	require.Equal(t, 1, result.EvictedBuffers)
	require.Equal(t, 512*mib, result.EvictedBytes)
	require.LessOrEqual(t, result.ProjectedBytes, result.TargetBytes)

	flush(t, pool)

	stats = pool.Stats()
	require.LessOrEqual(t, stats.BytesAllocated.Current, gib)
	require.Equal(t, 4, stats.PooledBuffers)
	require.Equal(t, 1, stats.ActiveBuffers)
	require.True(t, pool.IsActiveBuffer(active))
	require.Equal(t, 208*mib, pool.RequestedSize(active))

	// Already under target
	result = pool.ForceReclaim(0.5)
	require.Equal(t, 0, result.EvictedBuffers)

	// Never evicts active buffers, even when the target cannot be reached
	result = pool.ForceReclaim(0)
	require.Equal(t, 4, result.EvictedBuffers)
	flush(t, pool)
	require.Equal(t, 208*mib, pool.Stats().BytesAllocated.Current)
	require.True(t, pool.IsActiveBuffer(active))
}

func TestForceReclaim_LeastRecentlyReleasedFirst(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	config := bufferpool.DefaultConfig()
	config.BudgetBytes = 4 * mib
	pool := newPool(t, dev, config)

	older, err := pool.Acquire(mib, device.BufferUsageStorage, "a")
	require.NoError(t, err)
	newer, err := pool.Acquire(mib, device.BufferUsageStorage, "a")
	require.NoError(t, err)
	small, err := pool.Acquire(1024, device.BufferUsageStorage, "a")
	require.NoError(t, err)

	pool.Release(older)
	pool.Release(small)
	pool.Release(newer)

	// 2MiB + 1KiB allocated, target is 1.5MiB: one large buffer must go
	result := pool.ForceReclaim(0.375)
	require.Equal(t, 1, result.EvictedBuffers)
	flush(t, pool)

	remaining, err := pool.Acquire(mib, device.BufferUsageStorage, "a")
	require.NoError(t, err)
	require.Same(t, newer, remaining)

	cached, err := pool.Acquire(1000, device.BufferUsageStorage, "a")
	require.NoError(t, err)
	require.Same(t, small, cached)
}

func TestConfigure(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	var buffers []device.Buffer
	for i := 0; i < 4; i++ {
		buffer, err := pool.Acquire(2048, device.BufferUsageStorage, "tmp")
		require.NoError(t, err)
		buffers = append(buffers, buffer)
	}
	for _, buffer := range buffers {
		pool.Release(buffer)
	}
	require.Equal(t, 4, pool.Stats().PooledBuffers)

	two := 2
	require.NoError(t, pool.Configure(bufferpool.ConfigUpdate{MaxPoolSizePerBucket: &two}))
	flush(t, pool)
	require.Equal(t, 2, pool.Stats().PooledBuffers)
	require.Equal(t, 2, dev.DestroyedBuffers())
	require.Equal(t, 2, pool.Config().MaxPoolSizePerBucket)

	// The two most recently released survive
	reused, err := pool.Acquire(2048, device.BufferUsageStorage, "tmp")
	require.NoError(t, err)
	require.Same(t, buffers[3], reused)
	pool.Release(reused)

	badAlignment := 300
	require.Error(t, pool.Configure(bufferpool.ConfigUpdate{Alignment: &badAlignment}))
	require.Equal(t, bufferpool.DefaultAlignment, pool.Config().Alignment)

	disabled := false
	require.NoError(t, pool.Configure(bufferpool.ConfigUpdate{EnablePooling: &disabled}))
	flush(t, pool)
	require.Equal(t, 0, pool.Stats().PooledBuffers)
	require.Equal(t, 4, dev.DestroyedBuffers())

	buffer, err := pool.Acquire(2048, device.BufferUsageStorage, "tmp")
	require.NoError(t, err)
	pool.Release(buffer)
	flush(t, pool)
	require.Equal(t, 0, pool.Stats().PooledBuffers)
	require.Equal(t, 5, dev.DestroyedBuffers())
}

func TestConfigure_GlobalCeiling(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	sizes := []int{1024, 4096, 16384}
	var buffers []device.Buffer
	for _, size := range sizes {
		buffer, err := pool.Acquire(size, device.BufferUsageStorage, "tmp")
		require.NoError(t, err)
		buffers = append(buffers, buffer)
	}
	for _, buffer := range buffers {
		pool.Release(buffer)
	}

	one := 1
	require.NoError(t, pool.Configure(bufferpool.ConfigUpdate{MaxTotalPooledBuffers: &one}))
	flush(t, pool)

	// The largest buckets are evicted first
	stats := pool.Stats()
	require.Equal(t, 1, stats.PooledBuffers)
	require.Equal(t, 1024, stats.PooledBytes)
}

func TestReadBufferAndUpload(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	buffer, err := pool.Acquire(1024, storageUsage, "weights")
	require.NoError(t, err)

	payload := []byte("substrate weights payload")
	require.NoError(t, pool.UploadData(buffer, payload, 16))

	data, err := pool.ReadBuffer(context.Background(), buffer, 16+len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, data[16:])

	_, err = pool.ReadBuffer(context.Background(), buffer, 4096)
	require.Error(t, err)

	// The staging buffer was returned to the pool and is reused
	stats := pool.Stats()
	require.Equal(t, 1, stats.PooledBuffers)
	require.Equal(t, 1, stats.ActiveBuffers)

	_, err = pool.ReadBuffer(context.Background(), buffer, 8)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Stats().Reuses)
	require.Equal(t, 2, pool.LabelStats()["staging:read"].Acquisitions)
}

func TestDetectLeaks(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	config := bufferpool.DefaultConfig()
	config.DebugMode = true
	pool, err := bufferpool.New(testLogger(), dev, config, bufferpool.CreateOptions{Now: clock.Now})
	require.NoError(t, err)

	leaked, err := pool.Acquire(4096, device.BufferUsageStorage, "forgotten")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	_, err = pool.Acquire(4096, device.BufferUsageStorage, "fresh")
	require.NoError(t, err)

	leaks := pool.DetectLeaks(5 * time.Second)
	require.Len(t, leaks, 1)
	require.Equal(t, "forgotten", leaks[0].Label)
	require.Equal(t, 4096, leaks[0].Size)
	require.Equal(t, 10*time.Second, leaks[0].Age)
	require.Contains(t, leaks[0].Stack, "TestDetectLeaks")

	pool.Release(leaked)
	require.Empty(t, pool.DetectLeaks(5*time.Second))
}

func TestDetectLeaks_RequiresDebugMode(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	pool, err := bufferpool.New(testLogger(), dev, bufferpool.DefaultConfig(), bufferpool.CreateOptions{Now: clock.Now})
	require.NoError(t, err)

	_, err = pool.Acquire(4096, device.BufferUsageStorage, "forgotten")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	require.Empty(t, pool.DetectLeaks(time.Second))
}

func TestClearPool(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits(), ManualRetire: true})
	config := bufferpool.DefaultConfig()
	config.MaxPoolSizePerBucket = 1
	pool := newPool(t, dev, config)

	var buffers []device.Buffer
	for i := 0; i < 3; i++ {
		buffer, err := pool.Acquire(1024, storageUsage, "tmp")
		require.NoError(t, err)
		require.NoError(t, pool.UploadData(buffer, []byte{1}, 0))
		buffers = append(buffers, buffer)
	}
	active, err := pool.Acquire(1024, device.BufferUsageUniform, "kept")
	require.NoError(t, err)

	for _, buffer := range buffers {
		pool.Release(buffer)
	}
	require.Equal(t, 1, pool.Stats().PooledBuffers)
	require.Equal(t, 2, pool.Stats().PendingBuffers)

	pool.ClearPool()
	require.Equal(t, 3, dev.DestroyedBuffers())

	stats := pool.Stats()
	require.Equal(t, 0, stats.PooledBuffers)
	require.Equal(t, 0, stats.PendingBuffers)
	require.Equal(t, 1024, stats.BytesAllocated.Current)
	require.True(t, pool.IsActiveBuffer(active))

	dev.Retire()
	flush(t, pool)
	require.Equal(t, 3, dev.DestroyedBuffers())
}

func TestDestroy(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	pooled, err := pool.Acquire(1024, device.BufferUsageStorage, "tmp")
	require.NoError(t, err)
	_, err = pool.Acquire(2048, device.BufferUsageStorage, "kept")
	require.NoError(t, err)
	pool.Release(pooled)

	pool.Destroy()
	require.Equal(t, 0, dev.LiveBuffers())

	stats := pool.Stats()
	require.Equal(t, 0, stats.ActiveBuffers)
	require.Equal(t, 0, stats.PooledBuffers)
	require.Equal(t, 0, stats.BytesAllocated.Current)
	require.Equal(t, 0, stats.BytesRequested.Current)

	_, err = pool.Acquire(1024, device.BufferUsageStorage, "tmp")
	require.ErrorIs(t, err, bufferpool.ErrDestroyed)
}

func TestLabelStats(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	a, err := pool.Acquire(1000, device.BufferUsageStorage, "attention")
	require.NoError(t, err)
	_, err = pool.Acquire(3000, device.BufferUsageStorage, "attention")
	require.NoError(t, err)
	_, err = pool.Acquire(100, device.BufferUsageUniform, "params")
	require.NoError(t, err)
	pool.Release(a)

	labels := pool.LabelStats()
	require.Equal(t, bufferpool.LabelStats{
		ActiveBuffers:  1,
		ActiveBytes:    4096,
		RequestedBytes: 3000,
		Acquisitions:   2,
	}, labels["attention"])
	require.Equal(t, bufferpool.LabelStats{
		ActiveBuffers:  1,
		ActiveBytes:    256,
		RequestedBytes: 100,
		Acquisitions:   1,
	}, labels["params"])
}

func TestBuildStatsString(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	a, err := pool.Acquire(1000, device.BufferUsageStorage, "attention")
	require.NoError(t, err)
	_, err = pool.Acquire(100, device.BufferUsageUniform, "params")
	require.NoError(t, err)
	pool.Release(a)

	var summary struct {
		Total struct {
			BytesAllocated struct{ Current, Peak, Total int }
			Allocations    int
			PooledBuffers  int
		}
		Buckets []struct{ Usage string }
	}
	require.NoError(t, json.Unmarshal([]byte(pool.BuildStatsString(false)), &summary))
	require.Equal(t, 2, summary.Total.Allocations)
	require.Equal(t, 1024+256, summary.Total.BytesAllocated.Current)
	require.Equal(t, 1, summary.Total.PooledBuffers)
	require.Empty(t, summary.Buckets)

	var detailed struct {
		Buckets []struct {
			Usage         string
			Size          int
			PooledBuffers int
		}
		Labels map[string]struct{ Acquisitions int }
	}
	require.NoError(t, json.Unmarshal([]byte(pool.BuildStatsString(true)), &detailed))
	require.Len(t, detailed.Buckets, 1)
	require.Equal(t, "BufferUsageStorage", detailed.Buckets[0].Usage)
	require.Equal(t, 1024, detailed.Buckets[0].Size)
	require.Equal(t, 1, detailed.Labels["params"].Acquisitions)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				buffer, err := pool.Acquire(256*(1+(worker+i)%8), device.BufferUsageStorage, "parallel")
				if err != nil {
					t.Error(err)
					return
				}
				pool.Release(buffer)
			}
		}(worker)
	}
	wg.Wait()
	flush(t, pool)

	stats := pool.Stats()
	require.Equal(t, 0, stats.ActiveBuffers)
	require.Equal(t, 800, stats.Allocations+stats.Reuses)
	require.Equal(t, 0, stats.BytesRequested.Current)
	require.Equal(t, dev.LiveBuffers(), stats.PooledBuffers)
}

// blockingHandler parks the goroutine logging a matching warning until release is closed
type blockingHandler struct {
	slog.Handler
	message string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *blockingHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level == slog.LevelWarn && strings.HasPrefix(record.Message, h.message) {
		h.once.Do(func() { close(h.entered) })
		<-h.release
	}
	return h.Handler.Handle(ctx, record)
}

func TestDeferredDestruction_ClearPoolDuringFailedWait(t *testing.T) {
	handler := &blockingHandler{
		Handler: slog.NewJSONHandler(io.Discard, nil),
		message: "failed waiting for submitted work",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	dev := simulated.New(simulated.Options{Limits: gpuLimits(), ManualRetire: true})
	config := bufferpool.DefaultConfig()
	config.EnablePooling = false
	pool, err := bufferpool.New(slog.New(handler), dev, config, bufferpool.CreateOptions{})
	require.NoError(t, err)

	buffer, err := pool.Acquire(1024, storageUsage, "scratch")
	require.NoError(t, err)
	require.NoError(t, pool.UploadData(buffer, []byte{1}, 0))

	pool.Release(buffer)
	require.Eventually(t, func() bool { return dev.PendingWaits() == 1 }, time.Second, time.Millisecond)

	dev.Lose()
	<-handler.entered

	pool.ClearPool()
	require.Equal(t, 1, dev.DestroyedBuffers())

	close(handler.release)
	flush(t, pool)

	stats := pool.Stats()
	require.Equal(t, 1, dev.DestroyedBuffers())
	require.Equal(t, 0, stats.PendingBuffers)
	require.Equal(t, 0, stats.PendingBytes)
	require.Equal(t, 0, stats.BytesAllocated.Current)
	require.Equal(t, 1, stats.Destructions)
}

func TestConfigure_ZeroRestoresDefaults(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.Config{EnablePooling: true})
	require.Equal(t, bufferpool.DefaultMaxPoolSizePerBucket, pool.Config().MaxPoolSizePerBucket)

	zero := 0
	require.NoError(t, pool.Configure(bufferpool.ConfigUpdate{MaxPoolSizePerBucket: &zero, Alignment: &zero}))
	require.Equal(t, bufferpool.DefaultMaxPoolSizePerBucket, pool.Config().MaxPoolSizePerBucket)
	require.Equal(t, bufferpool.DefaultAlignment, pool.Config().Alignment)
}

func TestConfigure_DebugMode(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	enabled := true
	disabled := false

	pool := newPool(t, dev, bufferpool.DefaultConfig())
	require.Error(t, pool.Configure(bufferpool.ConfigUpdate{DebugMode: &enabled}))
	require.False(t, pool.Config().DebugMode)

	config := bufferpool.DefaultConfig()
	config.DebugMode = true
	debugPool := newPool(t, dev, config)
	require.NoError(t, debugPool.Configure(bufferpool.ConfigUpdate{DebugMode: &enabled}))
	require.NoError(t, debugPool.Configure(bufferpool.ConfigUpdate{DebugMode: &disabled}))
	require.False(t, debugPool.Config().DebugMode)
}

func TestAddStatistics(t *testing.T) {
	dev := simulated.New(simulated.Options{Limits: gpuLimits()})
	pool := newPool(t, dev, bufferpool.DefaultConfig())

	active, err := pool.Acquire(1000, storageUsage, "active")
	require.NoError(t, err)
	pooled, err := pool.Acquire(3000, storageUsage, "pooled")
	require.NoError(t, err)
	pool.Release(pooled)

	stats := memutils.Statistics{BlockCount: 1, BlockBytes: 10}
	pool.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      3,
		AllocationCount: 1,
		BlockBytes:      10 + 1024 + 4096,
		AllocationBytes: 1000,
	}, stats)

	pool.Release(active)
}
