package bufferpool

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/memutils"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Stats is a snapshot of the pool's usage
type Stats struct {
	// BytesAllocated is device memory held by the pool's buffers, measured at bucket size. Pooled
	// and pending buffers count until they are destroyed.
	BytesAllocated memutils.Usage
	// BytesRequested is the sum of the sizes callers asked for across active buffers
	BytesRequested memutils.Usage

	// Allocations is the number of buffers created on the device
	Allocations int
	// Reuses is the number of acquisitions served from the pool
	Reuses int
	// Destructions is the number of buffers destroyed on the device
	Destructions int

	ActiveBuffers  int
	PooledBuffers  int
	PooledBytes    int
	PendingBuffers int
	PendingBytes   int
	BudgetBytes    int
}

// LabelStats summarizes the active buffers acquired with one label
type LabelStats struct {
	ActiveBuffers  int
	ActiveBytes    int
	RequestedBytes int
	// Acquisitions is the number of times a buffer has been acquired with the label
	Acquisitions int
}

func (p *Pool) Stats() Stats {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	pendingCount, pendingBytes := p.pendingState()

	return Stats{
		BytesAllocated: p.bytesAllocated.Snapshot(),
		BytesRequested: p.bytesRequested.Snapshot(),
		Allocations:    p.allocations,
		Reuses:         p.reuses,
		Destructions:   int(p.destructions.Load()),
		ActiveBuffers:  p.active.Count(),
		PooledBuffers:  p.pooledCount,
		PooledBytes:    p.pooledBytes,
		PendingBuffers: pendingCount,
		PendingBytes:   pendingBytes,
		BudgetBytes:    p.budgetLocked(),
	}
}

// LabelStats returns usage grouped by the label each buffer was acquired with
func (p *Pool) LabelStats() map[string]LabelStats {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	result := make(map[string]LabelStats, len(p.labels))
	for label, counters := range p.labels {
		result[label] = LabelStats{
			ActiveBuffers:  counters.activeBuffers,
			ActiveBytes:    counters.activeBytes,
			RequestedBytes: counters.requestedBytes,
			Acquisitions:   counters.acquisitions,
		}
	}

	return result
}

// AddStatistics accumulates the pool's usage into stats. Every live buffer counts as a block,
// and active buffers also count as allocations.
func (p *Pool) AddStatistics(stats *memutils.Statistics) {
	poolStats := p.Stats()

	stats.BlockCount += poolStats.ActiveBuffers + poolStats.PooledBuffers + poolStats.PendingBuffers
	stats.BlockBytes += poolStats.BytesAllocated.Current
	stats.AllocationCount += poolStats.ActiveBuffers
	stats.AllocationBytes += poolStats.BytesRequested.Current
}

func printUsage(json *jwriter.ObjectState, name string, usage memutils.Usage) {
	obj := json.Name(name).Object()
	obj.Name("Current").Int(usage.Current)
	obj.Name("Peak").Int(usage.Peak)
	obj.Name("Total").Int(usage.Total)
	obj.End()
}

// BuildStatsString returns a JSON document describing the pool. When detailed is true, the
// document also lists every pooled bucket and every label.
func (p *Pool) BuildStatsString(detailed bool) string {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	stats := p.statsLocked()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	totalObj := obj.Name("Total").Object()
	printUsage(&totalObj, "BytesAllocated", stats.BytesAllocated)
	printUsage(&totalObj, "BytesRequested", stats.BytesRequested)
	totalObj.Name("Allocations").Int(stats.Allocations)
	totalObj.Name("Reuses").Int(stats.Reuses)
	totalObj.Name("Destructions").Int(stats.Destructions)
	totalObj.Name("ActiveBuffers").Int(stats.ActiveBuffers)
	totalObj.Name("PooledBuffers").Int(stats.PooledBuffers)
	totalObj.Name("PooledBytes").Int(stats.PooledBytes)
	totalObj.Name("PendingBuffers").Int(stats.PendingBuffers)
	totalObj.Name("PendingBytes").Int(stats.PendingBytes)
	totalObj.Name("BudgetBytes").Int(stats.BudgetBytes)
	totalObj.End()

	configObj := obj.Name("Config").Object()
	configObj.Name("EnablePooling").Bool(p.config.EnablePooling)
	configObj.Name("MaxPoolSizePerBucket").Int(p.config.MaxPoolSizePerBucket)
	configObj.Name("MaxTotalPooledBuffers").Int(p.config.MaxTotalPooledBuffers)
	configObj.Name("Alignment").Int(p.config.Alignment)
	configObj.Name("DebugMode").Bool(p.config.DebugMode)
	configObj.End()

	if detailed {
		keys := maps.Keys(p.pooled)
		slices.SortFunc(keys, func(a, b bucketKey) bool {
			if a.usage != b.usage {
				return a.usage < b.usage
			}
			return a.size < b.size
		})

		bucketsArr := obj.Name("Buckets").Array()
		for _, key := range keys {
			bucketObj := bucketsArr.Object()
			bucketObj.Name("Usage").String(key.usage.String())
			bucketObj.Name("Size").Int(key.size)
			bucketObj.Name("PooledBuffers").Int(len(p.pooled[key]))
			bucketObj.End()
		}
		bucketsArr.End()

		labels := maps.Keys(p.labels)
		slices.Sort(labels)

		labelsObj := obj.Name("Labels").Object()
		for _, label := range labels {
			counters := p.labels[label]

			labelObj := labelsObj.Name(label).Object()
			labelObj.Name("ActiveBuffers").Int(counters.activeBuffers)
			labelObj.Name("ActiveBytes").Int(counters.activeBytes)
			labelObj.Name("RequestedBytes").Int(counters.requestedBytes)
			labelObj.Name("Acquisitions").Int(counters.acquisitions)
			labelObj.End()
		}
		labelsObj.End()
	}

	obj.End()
	return string(writer.Bytes())
}
