// Package metrics exposes heap manager and buffer pool statistics as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/substrate/bufferpool"
	"github.com/vkngwrapper/substrate/heap"
)

// HeapSource is implemented by *heap.Manager
type HeapSource interface {
	Stats() heap.Stats
}

// PoolSource is implemented by *bufferpool.Pool
type PoolSource interface {
	Stats() bufferpool.Stats
}

// Collector is a prometheus.Collector that reads a snapshot from its sources on every scrape.
// Either source may be nil, in which case its metrics are not described or collected.
type Collector struct {
	heap HeapSource
	pool PoolSource

	poolBytesAllocated     *prometheus.Desc
	poolBytesAllocatedPeak *prometheus.Desc
	poolBytesRequested     *prometheus.Desc
	poolBytesRequestedPeak *prometheus.Desc
	poolBuffers            *prometheus.Desc
	poolPooledBytes        *prometheus.Desc
	poolPendingBytes       *prometheus.Desc
	poolBudgetBytes        *prometheus.Desc
	poolAllocations        *prometheus.Desc
	poolReuses             *prometheus.Desc
	poolDestructions       *prometheus.Desc

	heapAllocatedBytes *prometheus.Desc
	heapAllocations    *prometheus.Desc
	heapSegments       *prometheus.Desc
	heapCapacityBytes  *prometheus.Desc
	heapStrategy       *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector whose metrics are prefixed with namespace
func NewCollector(namespace string, heapSource HeapSource, poolSource PoolSource) *Collector {
	poolDesc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, labels, nil)
	}
	heapDesc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "heap", name), help, labels, nil)
	}

	return &Collector{
		heap: heapSource,
		pool: poolSource,

		poolBytesAllocated:     poolDesc("bytes_allocated", "Device bytes held by pool buffers, measured at bucket size"),
		poolBytesAllocatedPeak: poolDesc("bytes_allocated_peak", "Peak device bytes held by pool buffers"),
		poolBytesRequested:     poolDesc("bytes_requested", "Bytes requested by callers across active buffers"),
		poolBytesRequestedPeak: poolDesc("bytes_requested_peak", "Peak bytes requested by callers across active buffers"),
		poolBuffers:            poolDesc("buffers", "Buffers tracked by the pool", "state"),
		poolPooledBytes:        poolDesc("pooled_bytes", "Bytes held by buffers waiting for reuse"),
		poolPendingBytes:       poolDesc("pending_bytes", "Bytes held by buffers waiting for deferred destruction"),
		poolBudgetBytes:        poolDesc("budget_bytes", "Memory budget used by forced reclamation"),
		poolAllocations:        poolDesc("allocations_total", "Buffers created on the device"),
		poolReuses:             poolDesc("reuses_total", "Acquisitions served from the pool"),
		poolDestructions:       poolDesc("destructions_total", "Buffers destroyed on the device"),

		heapAllocatedBytes: heapDesc("allocated_bytes", "Bytes handed out by the heap manager"),
		heapAllocations:    heapDesc("allocations", "Live heap allocations"),
		heapSegments:       heapDesc("segments", "Segments created by the segmented strategy"),
		heapCapacityBytes:  heapDesc("capacity_bytes", "Host bytes committed by the heap manager"),
		heapStrategy:       heapDesc("strategy", "Active heap strategy", "strategy"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	if c.pool != nil {
		ch <- c.poolBytesAllocated
		ch <- c.poolBytesAllocatedPeak
		ch <- c.poolBytesRequested
		ch <- c.poolBytesRequestedPeak
		ch <- c.poolBuffers
		ch <- c.poolPooledBytes
		ch <- c.poolPendingBytes
		ch <- c.poolBudgetBytes
		ch <- c.poolAllocations
		ch <- c.poolReuses
		ch <- c.poolDestructions
	}

	if c.heap != nil {
		ch <- c.heapAllocatedBytes
		ch <- c.heapAllocations
		ch <- c.heapSegments
		ch <- c.heapCapacityBytes
		ch <- c.heapStrategy
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		c.collectPool(ch, c.pool.Stats())
	}

	if c.heap != nil {
		c.collectHeap(ch, c.heap.Stats())
	}
}

func gauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, value int, labels ...string) {
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value), labels...)
}

func counter(ch chan<- prometheus.Metric, desc *prometheus.Desc, value int) {
	ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
}

func (c *Collector) collectPool(ch chan<- prometheus.Metric, stats bufferpool.Stats) {
	gauge(ch, c.poolBytesAllocated, stats.BytesAllocated.Current)
	gauge(ch, c.poolBytesAllocatedPeak, stats.BytesAllocated.Peak)
	gauge(ch, c.poolBytesRequested, stats.BytesRequested.Current)
	gauge(ch, c.poolBytesRequestedPeak, stats.BytesRequested.Peak)

	gauge(ch, c.poolBuffers, stats.ActiveBuffers, "active")
	gauge(ch, c.poolBuffers, stats.PooledBuffers, "pooled")
	gauge(ch, c.poolBuffers, stats.PendingBuffers, "pending")

	gauge(ch, c.poolPooledBytes, stats.PooledBytes)
	gauge(ch, c.poolPendingBytes, stats.PendingBytes)
	gauge(ch, c.poolBudgetBytes, stats.BudgetBytes)

	counter(ch, c.poolAllocations, stats.Allocations)
	counter(ch, c.poolReuses, stats.Reuses)
	counter(ch, c.poolDestructions, stats.Destructions)
}

func (c *Collector) collectHeap(ch chan<- prometheus.Metric, stats heap.Stats) {
	gauge(ch, c.heapAllocatedBytes, stats.TotalAllocated)
	gauge(ch, c.heapAllocations, stats.AllocationCount)
	gauge(ch, c.heapSegments, stats.SegmentCount)
	gauge(ch, c.heapCapacityBytes, stats.RegionCapacity)
	gauge(ch, c.heapStrategy, 1, stats.Strategy.String())
}
