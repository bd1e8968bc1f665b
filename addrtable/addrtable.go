// Package addrtable translates between (segment index, offset) pairs and flat virtual addresses.
//
// A virtual address packs an 8-bit segment index above a 45-bit offset, which keeps every address
// inside the 53-bit range that an IEEE-754 double can represent exactly. Consumers that pass
// addresses through a float64 (JavaScript bridges, JSON) will never lose precision.
package addrtable

import (
	"github.com/cockroachdb/errors"
)

const (
	// SegmentBits is the number of high bits used to store the segment index
	SegmentBits = 8
	// OffsetBits is the number of low bits used to store the in-segment offset
	OffsetBits = 45

	// MaxSegments is the number of distinct segment indices a VirtualAddress can carry
	MaxSegments = 1 << SegmentBits
	// MaxOffset is the largest offset a VirtualAddress can carry, and therefore the largest
	// permitted segment size
	MaxOffset = 1<<OffsetBits - 1
	// MaxSafeAddress is the largest integer exactly representable as a float64
	MaxSafeAddress = 1<<(SegmentBits+OffsetBits) - 1

	segmentStride = MaxOffset + 1
)

// ErrOutOfRange is returned when a segment index, offset, or address cannot be encoded
var ErrOutOfRange = errors.New("address out of range")

// VirtualAddress is an opaque handle encoding a segment index and an in-segment offset
type VirtualAddress uint64

// Chunk is one per-segment piece of a byte range produced by Table.SplitRange
type Chunk struct {
	SegmentIndex   int
	Offset         int
	Length         int
	VirtualAddress VirtualAddress
}

// Table encodes and decodes virtual addresses for segments of a fixed size. It holds no state
// other than the segment size and is safe for concurrent use.
type Table struct {
	segmentSize int
}

// New creates a Table for segments of segmentSize bytes
func New(segmentSize int) (*Table, error) {
	if segmentSize <= 0 || segmentSize > MaxOffset {
		return nil, errors.Wrapf(ErrOutOfRange, "segment size %d must be in the range (0, %d]", segmentSize, MaxOffset)
	}

	return &Table{segmentSize: segmentSize}, nil
}

func (t *Table) SegmentSize() int { return t.segmentSize }

// Encode packs segmentIndex and offset into a single VirtualAddress
func (t *Table) Encode(segmentIndex, offset int) (VirtualAddress, error) {
	if segmentIndex < 0 || segmentIndex >= MaxSegments {
		return 0, errors.Wrapf(ErrOutOfRange, "segment index %d must be in the range [0, %d)", segmentIndex, MaxSegments)
	}

	if offset < 0 || offset >= t.segmentSize {
		return 0, errors.Wrapf(ErrOutOfRange, "offset %d must be in the range [0, %d)", offset, t.segmentSize)
	}

	return VirtualAddress(uint64(segmentIndex)*segmentStride + uint64(offset)), nil
}

// Decode is the exact inverse of Encode
func (t *Table) Decode(address VirtualAddress) (segmentIndex int, offset int, err error) {
	if address > MaxSafeAddress {
		return 0, 0, errors.Wrapf(ErrOutOfRange, "address %d is above the maximum address %d", address, uint64(MaxSafeAddress))
	}

	segmentIndex = int(uint64(address) / segmentStride)
	offset = int(uint64(address) % segmentStride)

	if offset >= t.segmentSize {
		return 0, 0, errors.Wrapf(ErrOutOfRange, "address %d decodes to offset %d, beyond the segment size %d", address, offset, t.segmentSize)
	}

	return segmentIndex, offset, nil
}

// SpansSegments reports whether the byte range [address, address+length) crosses a segment
// boundary. Empty ranges never span.
func (t *Table) SpansSegments(address VirtualAddress, length int) bool {
	if length <= 0 {
		return false
	}

	firstSegment := uint64(address) / segmentStride
	firstOffset := uint64(address) % segmentStride

	// The range leaves its segment as soon as it runs past the end of the segment's storage
	return firstOffset+uint64(length) > uint64(t.segmentSize) ||
		(uint64(address)+uint64(length)-1)/segmentStride != firstSegment
}

// SplitRange decomposes [address, address+length) into ordered, contiguous, per-segment chunks,
// each of which lies entirely inside one segment
func (t *Table) SplitRange(address VirtualAddress, length int) ([]Chunk, error) {
	if length < 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "length %d must not be negative", length)
	}

	segmentIndex, offset, err := t.Decode(address)
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	remaining := length
	for remaining > 0 {
		chunkAddress, err := t.Encode(segmentIndex, offset)
		if err != nil {
			return nil, errors.Wrapf(err, "range of %d bytes starting at %d runs past the last segment", length, address)
		}

		chunkLength := t.segmentSize - offset
		if chunkLength > remaining {
			chunkLength = remaining
		}

		chunks = append(chunks, Chunk{
			SegmentIndex:   segmentIndex,
			Offset:         offset,
			Length:         chunkLength,
			VirtualAddress: chunkAddress,
		})

		remaining -= chunkLength
		segmentIndex++
		offset = 0
	}

	return chunks, nil
}
