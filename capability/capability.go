// Package capability describes what the host runtime and the GPU device allow: which heap
// addressing strategy is usable and the size limits that apply to it.
package capability

import (
	"context"
	"math"
	"runtime"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
)

//go:generate mockgen -source capability.go -destination ./mocks/probe.go -package mock_capability

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

// SegmentedLimits are the limits on the segmented heap strategy
type SegmentedLimits struct {
	// MaxSegmentSize is the largest single raw memory segment the platform will allocate
	MaxSegmentSize int
	// RecommendedSegments is the number of segments the platform expects to be able to hold
	// at once. Exceeding it is permitted but may fail.
	RecommendedSegments int
}

// DeviceLimits are the buffer size limits reported by the GPU device
type DeviceLimits struct {
	MaxBufferSize               int
	MaxStorageBufferBindingSize int
}

// Capabilities is the result of probing the runtime environment
type Capabilities struct {
	// HasGrowableRegion indicates that a single growable linear memory region can be used
	HasGrowableRegion bool
	// MaxRegionSize is the largest size the growable region may grow to. 0 indicates that the
	// limit is unknown.
	MaxRegionSize int
	// Segmented carries the limits for the segmented strategy, or nil if the platform does not
	// support raw memory segments
	Segmented *SegmentedLimits
	Device    DeviceLimits
}

func (c Capabilities) Validate() error {
	if c.MaxRegionSize < 0 {
		return errors.Newf("max region size %d may not be negative", c.MaxRegionSize)
	}

	if !c.HasGrowableRegion && c.Segmented == nil {
		return errors.New("capabilities report neither a growable region nor segmented limits")
	}

	if c.Segmented != nil {
		if c.Segmented.MaxSegmentSize <= 0 {
			return errors.Newf("max segment size %d must be positive", c.Segmented.MaxSegmentSize)
		}
		if c.Segmented.RecommendedSegments < 0 {
			return errors.Newf("recommended segment count %d may not be negative", c.Segmented.RecommendedSegments)
		}
	}

	if c.Device.MaxBufferSize < 0 || c.Device.MaxStorageBufferBindingSize < 0 {
		return errors.New("device limits may not be negative")
	}

	return nil
}

// Probe reports the capabilities of the runtime environment
type Probe interface {
	Probe(ctx context.Context) (Capabilities, error)
}

type staticProbe struct {
	capabilities Capabilities
}

func (p staticProbe) Probe(ctx context.Context) (Capabilities, error) {
	return p.capabilities, p.capabilities.Validate()
}

// Static returns a Probe that always reports the provided capabilities
func Static(capabilities Capabilities) Probe {
	return staticProbe{capabilities: capabilities}
}

type onceProbe struct {
	inner Probe

	mutex        sync.Mutex
	done         bool
	capabilities Capabilities
}

// Once wraps a Probe so that the underlying probe is only queried until it first succeeds; every
// later call returns the cached result
func Once(inner Probe) Probe {
	return &onceProbe{inner: inner}
}

func (p *onceProbe) Probe(ctx context.Context) (Capabilities, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.done {
		return p.capabilities, nil
	}

	capabilities, err := p.inner.Probe(ctx)
	if err != nil {
		return Capabilities{}, err
	}

	p.capabilities = capabilities
	p.done = true
	return capabilities, nil
}

// Detect returns conservative capabilities for the process's own platform. Hosts with 32-bit
// pointers and wasm are limited to a 4GiB linear region, and 64-bit hosts are given a 16GiB
// region alongside 1GiB segments.
func Detect() Capabilities {
	maxRegion := int64(16 * gib)
	segmentSize := int64(gib)
	if strconv.IntSize == 32 || runtime.GOARCH == "wasm" {
		maxRegion = 4*gib - 64*1024
		segmentSize = 256 * mib
	}

	return Capabilities{
		HasGrowableRegion: true,
		MaxRegionSize:     int(min(maxRegion, math.MaxInt)),
		Segmented: &SegmentedLimits{
			MaxSegmentSize:      int(segmentSize),
			RecommendedSegments: 8,
		},
		Device: DeviceLimits{
			MaxBufferSize:               256 * mib,
			MaxStorageBufferBindingSize: 128 * mib,
		},
	}
}
