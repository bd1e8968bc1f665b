package heap

import (
	"github.com/cockroachdb/errors"
)

// Block is a fixed-capacity run of raw host memory backing a single segment
type Block interface {
	// Bytes returns the block's full storage. The slice is only valid until Free is called.
	Bytes() []byte
	Size() int
	Free() error
}

// BlockAllocator obtains a Block of exactly size bytes from the host
type BlockAllocator func(size int) (Block, error)

// Region is a single linear memory region that can grow in place. Growing never moves bytes that
// were already committed, so views handed out before a Grow remain valid.
type Region interface {
	// Bytes returns the committed portion of the region, which is exactly Capacity() bytes long
	Bytes() []byte
	Capacity() int
	// MaxCapacity is the largest capacity Grow will accept
	MaxCapacity() int
	Grow(newCapacity int) error
	Free() error
}

// RegionFactory constructs a Region with initial committed bytes that may grow up to maxSize. A
// maxSize of 0 indicates that the caller does not know the platform limit.
type RegionFactory func(initial, maxSize int) (Region, error)

type sliceBlock struct {
	data []byte
}

func (b *sliceBlock) Bytes() []byte { return b.data }
func (b *sliceBlock) Size() int     { return len(b.data) }

func (b *sliceBlock) Free() error {
	b.data = nil
	return nil
}

// SliceBlockAllocator is a BlockAllocator backed by ordinary Go slices
func SliceBlockAllocator(size int) (Block, error) {
	if size <= 0 {
		return nil, errors.Newf("block size %d must be positive", size)
	}

	return &sliceBlock{data: make([]byte, size)}, nil
}

// sliceRegion reserves its maximum capacity up front so that the backing array never moves
type sliceRegion struct {
	data     []byte
	capacity int
}

func (r *sliceRegion) Bytes() []byte    { return r.data[:r.capacity] }
func (r *sliceRegion) Capacity() int    { return r.capacity }
func (r *sliceRegion) MaxCapacity() int { return len(r.data) }

func (r *sliceRegion) Grow(newCapacity int) error {
	if newCapacity > len(r.data) {
		return errors.Newf("cannot grow region to %d bytes, maximum is %d", newCapacity, len(r.data))
	}

	if newCapacity > r.capacity {
		r.capacity = newCapacity
	}
	return nil
}

func (r *sliceRegion) Free() error {
	r.data = nil
	r.capacity = 0
	return nil
}

// SliceRegionFactory is a RegionFactory backed by a single Go slice. Because Go slices cannot be
// grown in place, the whole maximum size is allocated immediately, so a maxSize must be known.
func SliceRegionFactory(initial, maxSize int) (Region, error) {
	if maxSize <= 0 {
		return nil, errors.New("a slice-backed region requires a known maximum size")
	}
	if initial < 0 || initial > maxSize {
		return nil, errors.Newf("initial region size %d is outside of [0, %d]", initial, maxSize)
	}

	return &sliceRegion{
		data:     make([]byte, maxSize),
		capacity: initial,
	}, nil
}
