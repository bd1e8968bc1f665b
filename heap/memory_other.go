//go:build !unix

package heap

func defaultBlockAllocator() BlockAllocator { return SliceBlockAllocator }

func defaultRegionFactory() RegionFactory {
	return func(initial, maxSize int) (Region, error) {
		if maxSize <= 0 {
			maxSize = 1024 * mib
		}
		return SliceRegionFactory(initial, maxSize)
	}
}
