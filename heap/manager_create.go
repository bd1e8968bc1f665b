package heap

import (
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific heap manager behaviors to activate or deactivate
type CreateFlags int32

var managerCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	managerCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return managerCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the manager will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

const (
	mib = 1024 * 1024

	// DefaultSegmentSize is the segment size used when the growable region cannot be constructed
	// and the manager falls back to the segmented strategy. It is equal to 256MiB.
	DefaultSegmentSize int = 256 * mib
	// DefaultPageSize is the increment by which the growable region is extended
	DefaultPageSize int = 64 * 1024
	// DefaultAlignment is the alignment of every offset handed out by Allocate
	DefaultAlignment int = 16
)

// DefaultFallbackSegmentSizes are the segment sizes attempted, in order, when a segment could not
// be allocated at the configured size
var DefaultFallbackSegmentSizes = []int{1024 * mib, 512 * mib, 256 * mib, 128 * mib, 64 * mib}

// CreateOptions contains optional settings when creating a heap manager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags
	// SegmentSize overrides the probe-reported segment size for the segmented strategy
	SegmentSize int
	// FallbackSegmentSizes are smaller segment sizes to retry, largest first, when a segment
	// could not be allocated at the configured size. Defaults to DefaultFallbackSegmentSizes.
	FallbackSegmentSizes []int
	// PageSize is the increment by which the growable region is extended. Must be a power of two.
	PageSize int
	// Alignment is the alignment of every allocation's offset. Must be a power of two.
	Alignment int
	// MaxSegments caps the number of segments the segmented strategy may create. Defaults to
	// addrtable.MaxSegments and may not exceed it.
	MaxSegments int

	// RegionFactory constructs the growable region. Defaults to an mmap-backed region on unix
	// platforms and a slice-backed region elsewhere.
	RegionFactory RegionFactory
	// BlockAllocator allocates the raw memory behind each segment. Defaults to mmap on unix
	// platforms and Go slices elsewhere.
	BlockAllocator BlockAllocator
}
