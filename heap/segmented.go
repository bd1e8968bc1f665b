package heap

import (
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/addrtable"
	"github.com/vkngwrapper/substrate/memutils"
)

type segment struct {
	index           int
	block           Block
	used            int
	allocatedBytes  int
	allocationCount int
}

func (s *segment) capacity() int { return s.block.Size() }

type segmentedStrategy struct {
	logger *slog.Logger

	table         *addrtable.Table
	segmentSize   int
	fallbackSizes []int
	alignment     int
	maxSegments   int
	recommended   int
	allocateBlock BlockAllocator

	segments []*segment
}

func (s *segmentedStrategy) kind() StrategyKind { return StrategySegmented }

func (s *segmentedStrategy) allocate(size int) (*Allocation, error) {
	var target *segment
	var start int

	for _, seg := range s.segments {
		alignedOffset := memutils.AlignUp(seg.used, s.alignment)
		if alignedOffset < seg.capacity() && seg.capacity()-alignedOffset >= size {
			target = seg
			start = alignedOffset
			break
		}
	}

	if target == nil {
		var err error
		target, err = s.addSegment(size)
		if err != nil {
			return nil, err
		}
		start = 0
	}

	address, err := s.table.Encode(target.index, start)
	if err != nil {
		return nil, err
	}

	target.used = start + size
	target.allocatedBytes += size
	target.allocationCount++

	return &Allocation{
		VirtualAddress: address,
		Size:           size,
		Strategy:       StrategySegmented,
		SegmentIndex:   target.index,
		SegmentOffset:  start,
	}, nil
}

// candidateSizes lists the segment sizes to attempt for a segment that must hold at least
// minSize bytes, largest first
func (s *segmentedStrategy) candidateSizes(minSize int) []int {
	var candidates []int
	if s.segmentSize >= minSize {
		candidates = append(candidates, s.segmentSize)
	}

	for _, size := range s.fallbackSizes {
		if size < s.segmentSize && size >= minSize && size > 0 {
			candidates = append(candidates, size)
		}
	}

	return candidates
}

func (s *segmentedStrategy) addSegment(minSize int) (*segment, error) {
	if len(s.segments) >= s.maxSegments {
		return nil, errors.Wrapf(ErrOutOfMemory, "cannot allocate %d bytes: all %d segments are in use", minSize, s.maxSegments)
	}

	candidates := s.candidateSizes(minSize)
	if len(candidates) == 0 {
		return nil, errors.Wrapf(ErrOutOfMemory, "allocation of %d bytes exceeds the segment size of %d", minSize, s.segmentSize)
	}

	var lastErr error
	for _, size := range candidates {
		block, err := s.allocateBlock(size)
		if err != nil {
			s.logger.Debug("failed to allocate segment", slog.Int("Size", size), slog.Any("Error", err))
			lastErr = err
			continue
		}

		if size != s.segmentSize {
			s.lowerSegmentSize(size)
		}

		seg := &segment{
			index: len(s.segments),
			block: block,
		}
		s.segments = append(s.segments, seg)

		if s.recommended > 0 && len(s.segments) > s.recommended {
			s.logger.Warn("segment count exceeds the platform recommendation",
				slog.Int("SegmentCount", len(s.segments)),
				slog.Int("RecommendedSegments", s.recommended),
			)
		}

		return seg, nil
	}

	return nil, errors.Mark(
		errors.Wrapf(lastErr, "failed to allocate a segment of at least %d bytes, smallest attempt was %d bytes", minSize, candidates[len(candidates)-1]),
		ErrOutOfMemory,
	)
}

// lowerSegmentSize permanently reduces the size of new segments. The address table only shrinks
// along with it when no existing segment would fall outside the new table.
func (s *segmentedStrategy) lowerSegmentSize(size int) {
	s.logger.Warn("lowering heap segment size", slog.Int("From", s.segmentSize), slog.Int("To", size))
	s.segmentSize = size

	for _, seg := range s.segments {
		if seg.capacity() > size {
			return
		}
	}

	table, err := addrtable.New(size)
	if err != nil {
		return
	}
	s.table = table
}

func (s *segmentedStrategy) view(address addrtable.VirtualAddress, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.Wrapf(ErrInvalidRange, "length %d may not be negative", length)
	}

	segmentIndex, offset, err := s.table.Decode(address)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidRange)
	}

	if segmentIndex >= len(s.segments) {
		return nil, errors.Wrapf(ErrInvalidRange, "address %d refers to segment %d but only %d segments exist", address, segmentIndex, len(s.segments))
	}

	if s.table.SpansSegments(address, length) {
		return nil, errors.Wrapf(ErrInvalidRange, "range of %d bytes at address %d crosses a segment boundary", length, address)
	}

	seg := s.segments[segmentIndex]
	if length > seg.used-offset {
		return nil, errors.Wrapf(ErrInvalidRange, "range of %d bytes at offset %d is outside of the %d bytes allocated from segment %d", length, offset, seg.used, segmentIndex)
	}

	end := offset + length
	return seg.block.Bytes()[offset:end:end], nil
}

func (s *segmentedStrategy) freeSegments() error {
	var err error
	for _, seg := range s.segments {
		err = errors.CombineErrors(err, seg.block.Free())
	}
	s.segments = nil

	return err
}

// reset discards every segment and allocates one new, empty segment
func (s *segmentedStrategy) reset() error {
	err := s.freeSegments()
	if err != nil {
		s.logger.Warn("failed to free segments during reset", slog.Any("Error", err))
	}

	table, err := addrtable.New(s.segmentSize)
	if err != nil {
		return err
	}
	s.table = table

	_, err = s.addSegment(0)
	return err
}

func (s *segmentedStrategy) free() error {
	return s.freeSegments()
}

func (s *segmentedStrategy) addStatistics(stats *Stats) {
	stats.SegmentCount += len(s.segments)
	stats.SegmentSize = s.segmentSize

	for _, seg := range s.segments {
		stats.TotalAllocated += seg.allocatedBytes
		stats.AllocationCount += seg.allocationCount
		stats.RegionCapacity += seg.capacity()
	}
}

func (s *segmentedStrategy) printDetailedMap(json *jwriter.ObjectState) {
	segmentsObj := json.Name("Segments").Object()
	defer segmentsObj.End()

	for _, seg := range s.segments {
		segObj := segmentsObj.Name(strconv.Itoa(seg.index)).Object()
		segObj.Name("Capacity").Int(seg.capacity())
		segObj.Name("Used").Int(seg.used)
		segObj.Name("AllocationCount").Int(seg.allocationCount)
		segObj.Name("AllocatedBytes").Int(seg.allocatedBytes)
		segObj.End()
	}
}

func (s *segmentedStrategy) Validate() error {
	if len(s.segments) > s.maxSegments {
		return errors.Newf("segment count %d is beyond the maximum %d", len(s.segments), s.maxSegments)
	}

	for i, seg := range s.segments {
		if seg.index != i {
			return errors.Newf("segment at position %d has index %d", i, seg.index)
		}

		if seg.used > seg.capacity() {
			return errors.Newf("segment %d has used %d bytes but only has capacity %d", i, seg.used, seg.capacity())
		}

		if seg.capacity() > s.table.SegmentSize() {
			return errors.Newf("segment %d has capacity %d which cannot be addressed by a table with segment size %d", i, seg.capacity(), s.table.SegmentSize())
		}

		if seg.allocatedBytes > seg.used {
			return errors.Newf("segment %d has allocated %d bytes but its bump offset is %d", i, seg.allocatedBytes, seg.used)
		}
	}

	return nil
}
