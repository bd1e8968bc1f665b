package bufferpool

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/substrate/device"
	"github.com/vkngwrapper/substrate/memutils"
)

type bucketKey struct {
	usage device.BufferUsage
	size  int
}

// bucketSize computes the aligned size and the bucket size for a request. Below the large
// buffer threshold, buckets are powers of two. Above it they are multiples of the large buffer
// step. If the bucket would exceed the applicable device limit, the aligned size is used as the
// bucket instead.
func bucketSize(config Config, limits device.Limits, size int, usage device.BufferUsage) (aligned int, bucket int, err error) {
	memutils.DebugCheckPow2(config.Alignment, "Alignment")

	limit := limits.MaxBufferSize
	if size > math.MaxInt-config.Alignment+1 {
		return 0, 0, errors.Mark(
			errors.Wrapf(ErrExceedsMaxBufferSize, "requested %d bytes cannot be aligned to %d", size, config.Alignment),
			ErrExceedsDeviceLimit,
		)
	}

	aligned = max(memutils.AlignUp(size, config.Alignment), config.Alignment)
	if limit > 0 && aligned > limit {
		return 0, 0, errors.Mark(
			errors.Wrapf(ErrExceedsMaxBufferSize, "requested %d bytes (%d aligned), maximum buffer size is %d", size, aligned, limit),
			ErrExceedsDeviceLimit,
		)
	}

	storageLimit := limits.MaxStorageBufferBindingSize
	if usage&device.BufferUsageStorage != 0 && storageLimit > 0 {
		if aligned > storageLimit {
			return 0, 0, errors.Mark(
				errors.Wrapf(ErrExceedsMaxStorageBindingSize, "requested %d bytes (%d aligned) with usage %s, maximum storage buffer binding size is %d", size, aligned, usage, storageLimit),
				ErrExceedsDeviceLimit,
			)
		}

		if limit <= 0 || storageLimit < limit {
			limit = storageLimit
		}
	}

	if aligned <= config.LargeBufferThreshold {
		bucket = memutils.NextPow2(aligned)
	} else {
		bucket = memutils.AlignUpAny(aligned, config.LargeBufferStep)
	}

	if bucket < aligned || (limit > 0 && bucket > limit) {
		bucket = aligned
	}

	return aligned, bucket, nil
}
