//go:build unix

package heap

import (
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// defaultRegionReservation is the address space reserved for a growable region when the platform
// did not report a maximum region size
const defaultRegionReservation = 4 * 1024 * mib

type mmapBlock struct {
	data []byte
}

func (b *mmapBlock) Bytes() []byte { return b.data }
func (b *mmapBlock) Size() int     { return len(b.data) }

func (b *mmapBlock) Free() error {
	if b.data == nil {
		return nil
	}

	err := unix.Munmap(b.data)
	b.data = nil
	return errors.Wrap(err, "failed to unmap segment")
}

// MmapBlockAllocator allocates each block as a private anonymous mapping
func MmapBlockAllocator(size int) (Block, error) {
	if size <= 0 {
		return nil, errors.Newf("block size %d must be positive", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes", size)
	}

	return &mmapBlock{data: data}, nil
}

// mmapRegion reserves its maximum size as inaccessible address space and commits pages by
// changing their protection as the region grows
type mmapRegion struct {
	reserved []byte
	capacity int
}

func (r *mmapRegion) Bytes() []byte    { return r.reserved[:r.capacity] }
func (r *mmapRegion) Capacity() int    { return r.capacity }
func (r *mmapRegion) MaxCapacity() int { return len(r.reserved) }

func (r *mmapRegion) Grow(newCapacity int) error {
	if newCapacity > len(r.reserved) {
		return errors.Newf("cannot grow region to %d bytes, maximum is %d", newCapacity, len(r.reserved))
	}
	if newCapacity <= r.capacity {
		return nil
	}

	err := unix.Mprotect(r.reserved[r.capacity:newCapacity], unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return errors.Wrapf(err, "failed to commit region bytes %d-%d", r.capacity, newCapacity)
	}

	r.capacity = newCapacity
	return nil
}

func (r *mmapRegion) Free() error {
	if r.reserved == nil {
		return nil
	}

	err := unix.Munmap(r.reserved)
	r.reserved = nil
	r.capacity = 0
	return errors.Wrap(err, "failed to unmap region")
}

// MmapRegionFactory reserves maxSize bytes of address space and commits the first initial bytes
func MmapRegionFactory(initial, maxSize int) (Region, error) {
	if maxSize <= 0 {
		maxSize = int(min(uint64(defaultRegionReservation), uint64(math.MaxInt)/2))
	}
	if initial < 0 || initial > maxSize {
		return nil, errors.Newf("initial region size %d is outside of [0, %d]", initial, maxSize)
	}

	reserved, err := unix.Mmap(-1, 0, maxSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space", maxSize)
	}

	region := &mmapRegion{reserved: reserved}
	err = region.Grow(initial)
	if err != nil {
		_ = unix.Munmap(reserved)
		return nil, err
	}

	return region, nil
}

func defaultBlockAllocator() BlockAllocator { return MmapBlockAllocator }
func defaultRegionFactory() RegionFactory   { return MmapRegionFactory }
