//go:build unix

package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/substrate/heap"
)

func TestMmapRegion_GrowKeepsCommittedBytes(t *testing.T) {
	region, err := heap.MmapRegionFactory(4*kib, 64*kib)
	require.NoError(t, err)
	defer func() { require.NoError(t, region.Free()) }()

	require.Equal(t, 4*kib, region.Capacity())
	require.Equal(t, 64*kib, region.MaxCapacity())

	before := region.Bytes()
	before[100] = 42

	require.NoError(t, region.Grow(32*kib))
	after := region.Bytes()
	require.Len(t, after, 32*kib)
	require.Equal(t, byte(42), after[100])
	require.Equal(t, &before[0], &after[0])

	after[32*kib-1] = 7
	require.Error(t, region.Grow(128*kib))
}

func TestMmapBlockAllocator(t *testing.T) {
	block, err := heap.MmapBlockAllocator(16 * kib)
	require.NoError(t, err)
	require.Equal(t, 16*kib, block.Size())

	block.Bytes()[16*kib-1] = 9
	require.NoError(t, block.Free())
	require.NoError(t, block.Free())

	_, err = heap.MmapBlockAllocator(0)
	require.Error(t, err)
}
