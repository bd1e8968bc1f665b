package memutils

import (
	"sync/atomic"
)

// Statistics is a point-in-time summary of a memory pool or heap: how many backing blocks exist,
// how many allocations have been handed out of them, and the byte counts of both.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// Usage is a snapshot of a UsageCounter
type Usage struct {
	Current int
	Peak    int
	Total   int
}

// UsageCounter tracks the current, peak, and cumulative value of a byte count. It is safe to
// update from multiple goroutines.
type UsageCounter struct {
	current atomic.Int64
	peak    atomic.Int64
	total   atomic.Int64
}

func (c *UsageCounter) Add(size int) {
	c.total.Add(int64(size))
	newVal := c.current.Add(int64(size))

	for {
		peak := c.peak.Load()
		if newVal <= peak {
			return
		}

		if c.peak.CompareAndSwap(peak, newVal) {
			return
		}
	}
}

// Remove subtracts size from the current value. It panics if the current value would go negative,
// since that indicates a bookkeeping error.
func (c *UsageCounter) Remove(size int) {
	newVal := c.current.Add(int64(-size))
	if newVal < 0 {
		panic("usage counter went negative")
	}
}

func (c *UsageCounter) Current() int {
	return int(c.current.Load())
}

func (c *UsageCounter) Snapshot() Usage {
	return Usage{
		Current: int(c.current.Load()),
		Peak:    int(c.peak.Load()),
		Total:   int(c.total.Load()),
	}
}
