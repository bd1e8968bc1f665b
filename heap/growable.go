package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/addrtable"
	"github.com/vkngwrapper/substrate/memutils"
)

type growableStrategy struct {
	region    Region
	pageSize  int
	alignment int

	offset          int
	allocatedBytes  int
	allocationCount int
}

func (s *growableStrategy) kind() StrategyKind { return StrategyGrowable }

func (s *growableStrategy) allocate(size int) (*Allocation, error) {
	memutils.DebugCheckPow2(s.alignment, "Alignment")

	start := memutils.AlignUp(s.offset, s.alignment)
	maxCapacity := s.region.MaxCapacity()

	if start > maxCapacity || size > maxCapacity-start {
		return nil, errors.Wrapf(ErrOutOfMemory, "allocation of %d bytes at offset %d exceeds the maximum region size of %d", size, start, maxCapacity)
	}

	end := start + size
	if end > s.region.Capacity() {
		newCapacity := min(memutils.AlignUp(end, s.pageSize), maxCapacity)

		err := s.region.Grow(newCapacity)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to grow region to %d bytes for an allocation of %d bytes", newCapacity, size), ErrOutOfMemory)
		}
	}

	s.offset = end
	s.allocatedBytes += size
	s.allocationCount++

	return &Allocation{
		VirtualAddress: addrtable.VirtualAddress(start),
		Size:           size,
		Strategy:       StrategyGrowable,
		SegmentIndex:   -1,
		SegmentOffset:  start,
	}, nil
}

func (s *growableStrategy) view(address addrtable.VirtualAddress, length int) ([]byte, error) {
	if length < 0 || address > addrtable.VirtualAddress(s.offset) || length > s.offset-int(address) {
		return nil, errors.Wrapf(ErrInvalidRange, "range of %d bytes at address %d is outside of the %d allocated bytes", length, address, s.offset)
	}

	start := int(address)
	end := start + length
	return s.region.Bytes()[start:end:end], nil
}

// reset rewinds the bump pointer. The region keeps its capacity, since shrinking a committed
// region is not supported.
func (s *growableStrategy) reset() error {
	s.offset = 0
	s.allocatedBytes = 0
	s.allocationCount = 0
	return nil
}

func (s *growableStrategy) free() error {
	return s.region.Free()
}

func (s *growableStrategy) addStatistics(stats *Stats) {
	stats.TotalAllocated += s.allocatedBytes
	stats.AllocationCount += s.allocationCount
	stats.RegionCapacity += s.region.Capacity()
}

func (s *growableStrategy) printDetailedMap(json *jwriter.ObjectState) {
	regionObj := json.Name("Region").Object()
	defer regionObj.End()

	regionObj.Name("Capacity").Int(s.region.Capacity())
	regionObj.Name("MaxCapacity").Int(s.region.MaxCapacity())
	regionObj.Name("Offset").Int(s.offset)
	regionObj.Name("AllocationCount").Int(s.allocationCount)
	regionObj.Name("AllocatedBytes").Int(s.allocatedBytes)
}

func (s *growableStrategy) Validate() error {
	if s.offset > s.region.Capacity() {
		return errors.Newf("bump offset %d is beyond the region capacity %d", s.offset, s.region.Capacity())
	}

	if s.region.Capacity() > s.region.MaxCapacity() {
		return errors.Newf("region capacity %d is beyond the maximum capacity %d", s.region.Capacity(), s.region.MaxCapacity())
	}

	if s.allocatedBytes > s.offset {
		return errors.Newf("allocated byte count %d is beyond the bump offset %d", s.allocatedBytes, s.offset)
	}

	return nil
}
