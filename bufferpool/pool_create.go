package bufferpool

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/substrate/memutils"
)

// CreateFlags indicate specific pool behaviors to activate or deactivate
type CreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the pool's bookkeeping will not be synchronized
	// internally. The consumer must guarantee that Acquire, Release and the other public methods
	// are called from only one goroutine at a time. Deferred destruction is always synchronized.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

const (
	mib = 1024 * 1024

	DefaultMaxPoolSizePerBucket  = 8
	DefaultMaxTotalPooledBuffers = 64
	// DefaultAlignment is the granularity every buffer size is rounded up to before bucketing
	DefaultAlignment = 256
	// DefaultLargeBufferThreshold is the size above which buckets are fixed-step multiples
	// rather than powers of two. It is equal to 32MiB.
	DefaultLargeBufferThreshold = 32 * mib
	// DefaultLargeBufferStep is the bucket granularity above DefaultLargeBufferThreshold. It is
	// equal to 16MiB.
	DefaultLargeBufferStep = 16 * mib
)

// Config holds the pool's tunable behavior. Zero numeric values are replaced with their defaults
// by New.
type Config struct {
	// EnablePooling allows released buffers to be kept for reuse. When false, every released
	// buffer is destroyed once in-flight work has retired.
	EnablePooling bool
	// MaxPoolSizePerBucket is the most idle buffers kept for any single (usage, size) bucket
	MaxPoolSizePerBucket int
	// MaxTotalPooledBuffers is the most idle buffers kept across all buckets
	MaxTotalPooledBuffers int
	// BudgetBytes is the device memory budget ForceReclaim trims against. 0 means twice the
	// device's maximum buffer size.
	BudgetBytes int
	// Alignment is the granularity buffer sizes are rounded up to. Must be a power of two.
	Alignment int
	// LargeBufferThreshold is the largest size that is bucketed to a power of two
	LargeBufferThreshold int
	// LargeBufferStep is the bucket granularity for sizes above LargeBufferThreshold
	LargeBufferStep int
	// DebugMode captures the acquisition site of every buffer so that DetectLeaks can report it.
	// Capturing stacks has a performance cost.
	DebugMode bool
}

// DefaultConfig returns the configuration used when none is specified
func DefaultConfig() Config {
	return Config{
		EnablePooling:         true,
		MaxPoolSizePerBucket:  DefaultMaxPoolSizePerBucket,
		MaxTotalPooledBuffers: DefaultMaxTotalPooledBuffers,
		Alignment:             DefaultAlignment,
		LargeBufferThreshold:  DefaultLargeBufferThreshold,
		LargeBufferStep:       DefaultLargeBufferStep,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxPoolSizePerBucket == 0 {
		c.MaxPoolSizePerBucket = DefaultMaxPoolSizePerBucket
	}
	if c.MaxTotalPooledBuffers == 0 {
		c.MaxTotalPooledBuffers = DefaultMaxTotalPooledBuffers
	}
	if c.Alignment == 0 {
		c.Alignment = DefaultAlignment
	}
	if c.LargeBufferThreshold == 0 {
		c.LargeBufferThreshold = DefaultLargeBufferThreshold
	}
	if c.LargeBufferStep == 0 {
		c.LargeBufferStep = DefaultLargeBufferStep
	}
	return c
}

func (c Config) Validate() error {
	err := memutils.CheckPow2(c.Alignment, "Alignment")
	if err != nil {
		return err
	}

	if c.MaxPoolSizePerBucket < 0 {
		return errors.Newf("MaxPoolSizePerBucket %d may not be negative", c.MaxPoolSizePerBucket)
	}
	if c.MaxTotalPooledBuffers < 0 {
		return errors.Newf("MaxTotalPooledBuffers %d may not be negative", c.MaxTotalPooledBuffers)
	}
	if c.BudgetBytes < 0 {
		return errors.Newf("BudgetBytes %d may not be negative", c.BudgetBytes)
	}
	if c.LargeBufferThreshold <= 0 {
		return errors.Newf("LargeBufferThreshold %d must be positive", c.LargeBufferThreshold)
	}
	if c.LargeBufferStep <= 0 {
		return errors.Newf("LargeBufferStep %d must be positive", c.LargeBufferStep)
	}
	if c.LargeBufferStep%c.Alignment != 0 {
		return errors.Newf("LargeBufferStep %d must be a multiple of Alignment %d", c.LargeBufferStep, c.Alignment)
	}

	return nil
}

// ConfigUpdate is a partial Config. Nil fields are left unchanged by Pool.Configure. As with New,
// zero numeric values are replaced with their defaults. DebugMode may be turned off but not on,
// since buffers acquired before it was enabled would have no acquisition site.
type ConfigUpdate struct {
	EnablePooling         *bool
	MaxPoolSizePerBucket  *int
	MaxTotalPooledBuffers *int
	BudgetBytes           *int
	Alignment             *int
	LargeBufferThreshold  *int
	LargeBufferStep       *int
	DebugMode             *bool
}

func (u ConfigUpdate) apply(c Config) Config {
	if u.EnablePooling != nil {
		c.EnablePooling = *u.EnablePooling
	}
	if u.MaxPoolSizePerBucket != nil {
		c.MaxPoolSizePerBucket = *u.MaxPoolSizePerBucket
	}
	if u.MaxTotalPooledBuffers != nil {
		c.MaxTotalPooledBuffers = *u.MaxTotalPooledBuffers
	}
	if u.BudgetBytes != nil {
		c.BudgetBytes = *u.BudgetBytes
	}
	if u.Alignment != nil {
		c.Alignment = *u.Alignment
	}
	if u.LargeBufferThreshold != nil {
		c.LargeBufferThreshold = *u.LargeBufferThreshold
	}
	if u.LargeBufferStep != nil {
		c.LargeBufferStep = *u.LargeBufferStep
	}
	if u.DebugMode != nil {
		c.DebugMode = *u.DebugMode
	}
	return c
}

// CreateOptions contains optional settings when creating a pool
type CreateOptions struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags CreateFlags
	// Now is the clock used to timestamp acquisitions and releases. Defaults to time.Now.
	Now func() time.Time
}
