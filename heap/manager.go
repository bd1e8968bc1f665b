// Package heap is the host-side memory manager for model data. A Manager presents a uniform
// virtual address view over either a single growable linear region or a list of fixed-size
// segments, choosing between them once during Init based on what the capability probe reports.
//
// Allocation is bump-pointer only. Individual allocations are never freed; the whole heap is
// released in bulk by Reset or Destroy.
package heap

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/addrtable"
	"github.com/vkngwrapper/substrate/capability"
	"github.com/vkngwrapper/substrate/internal/utils"
	"github.com/vkngwrapper/substrate/memutils"
)

// Allocation is the result of a single Manager.Allocate call
type Allocation struct {
	VirtualAddress addrtable.VirtualAddress
	Size           int
	Strategy       StrategyKind
	// SegmentIndex is the segment the allocation lives in, or -1 for the growable strategy
	SegmentIndex int
	// SegmentOffset is the allocation's offset within its segment, or within the region for the
	// growable strategy
	SegmentOffset int

	manager *Manager
}

// View returns a zero-copy window onto the allocation's storage. The slice is borrowed from the
// Manager and is only valid until the Manager is Reset or Destroyed; afterward View returns nil.
func (a *Allocation) View() []byte {
	view, err := a.manager.Read(a.VirtualAddress, a.Size)
	if err != nil {
		return nil
	}

	return view
}

// Stats is a diagnostic summary of a Manager
type Stats struct {
	Strategy StrategyKind
	// TotalAllocated is the sum of the sizes of all live allocations
	TotalAllocated int
	SegmentCount   int
	// RegionCapacity is the number of host bytes currently committed, across all segments for
	// the segmented strategy
	RegionCapacity  int
	AllocationCount int
	// SegmentSize is the size that will be used for the next segment. It is 0 for the growable
	// strategy.
	SegmentSize int
}

// Manager is the host heap. It must be initialized with Init before any other method is called.
type Manager struct {
	logger  *slog.Logger
	probe   capability.Probe
	options CreateOptions

	mutex    utils.OptionalRWMutex
	strategy strategy
}

// New creates an uninitialized Manager. The probe is not consulted until Init.
func New(logger *slog.Logger, probe capability.Probe, options CreateOptions) (*Manager, error) {
	if logger == nil {
		return nil, errors.New("logger may not be nil")
	}
	if probe == nil {
		return nil, errors.New("capability probe may not be nil")
	}

	if options.PageSize == 0 {
		options.PageSize = DefaultPageSize
	}
	if options.Alignment == 0 {
		options.Alignment = DefaultAlignment
	}
	if options.MaxSegments == 0 {
		options.MaxSegments = addrtable.MaxSegments
	}
	if options.FallbackSegmentSizes == nil {
		options.FallbackSegmentSizes = DefaultFallbackSegmentSizes
	}
	if options.RegionFactory == nil {
		options.RegionFactory = defaultRegionFactory()
	}
	if options.BlockAllocator == nil {
		options.BlockAllocator = defaultBlockAllocator()
	}

	err := memutils.CheckPow2(options.PageSize, "PageSize")
	if err != nil {
		return nil, err
	}

	err = memutils.CheckPow2(options.Alignment, "Alignment")
	if err != nil {
		return nil, err
	}

	if options.MaxSegments < 0 || options.MaxSegments > addrtable.MaxSegments {
		return nil, errors.Newf("MaxSegments %d must be in the range [1, %d]", options.MaxSegments, addrtable.MaxSegments)
	}

	if options.SegmentSize < 0 || options.SegmentSize > addrtable.MaxOffset {
		return nil, errors.Newf("SegmentSize %d must be in the range [0, %d]", options.SegmentSize, addrtable.MaxOffset)
	}

	for i := 1; i < len(options.FallbackSegmentSizes); i++ {
		if options.FallbackSegmentSizes[i] >= options.FallbackSegmentSizes[i-1] {
			return nil, errors.New("FallbackSegmentSizes must be in descending order")
		}
	}

	return &Manager{
		logger:  logger,
		probe:   probe,
		options: options,
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
	}, nil
}

// Init queries the capability probe and selects a strategy. The growable strategy is used if the
// platform supports it and the region can be constructed; otherwise the segmented strategy is
// used, and its first segment is allocated immediately. Calling Init on an initialized Manager
// does nothing.
func (m *Manager) Init(ctx context.Context) error {
	m.logger.Debug("Manager::Init")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.strategy != nil {
		return nil
	}

	caps, err := m.probe.Probe(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to probe host capabilities")
	}

	if caps.HasGrowableRegion {
		region, err := m.options.RegionFactory(m.options.PageSize, caps.MaxRegionSize)
		if err == nil {
			m.strategy = &growableStrategy{
				region:    region,
				pageSize:  m.options.PageSize,
				alignment: m.options.Alignment,
			}
			m.logger.Debug("selected heap strategy",
				slog.String("Strategy", StrategyGrowable.String()),
				slog.Int("MaxRegionSize", region.MaxCapacity()),
			)
			return nil
		}

		m.logger.Warn("failed to construct growable region, falling back to segmented heap",
			slog.Int("MaxRegionSize", caps.MaxRegionSize),
			slog.Any("Error", err),
		)

		recommended := 0
		if caps.Segmented != nil {
			recommended = caps.Segmented.RecommendedSegments
		}
		return m.initSegmented(DefaultSegmentSize, recommended)
	}

	if caps.Segmented == nil {
		return errors.New("host supports neither a growable region nor segmented memory")
	}

	return m.initSegmented(caps.Segmented.MaxSegmentSize, caps.Segmented.RecommendedSegments)
}

func (m *Manager) initSegmented(segmentSize int, recommended int) error {
	if m.options.SegmentSize > 0 {
		segmentSize = m.options.SegmentSize
	}
	segmentSize = min(segmentSize, addrtable.MaxOffset)

	table, err := addrtable.New(segmentSize)
	if err != nil {
		return err
	}

	segmented := &segmentedStrategy{
		logger:        m.logger,
		table:         table,
		segmentSize:   segmentSize,
		fallbackSizes: m.options.FallbackSegmentSizes,
		alignment:     m.options.Alignment,
		maxSegments:   m.options.MaxSegments,
		recommended:   recommended,
		allocateBlock: m.options.BlockAllocator,
	}

	_, err = segmented.addSegment(0)
	if err != nil {
		return err
	}

	m.strategy = segmented
	m.logger.Debug("selected heap strategy",
		slog.String("Strategy", StrategySegmented.String()),
		slog.Int("SegmentSize", segmented.segmentSize),
	)
	return nil
}

// Strategy reports the strategy selected by Init, or StrategyNone
func (m *Manager) Strategy() StrategyKind {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.strategy == nil {
		return StrategyNone
	}
	return m.strategy.kind()
}

// Allocate reserves size bytes of host memory. Allocations never cross a segment boundary.
func (m *Manager) Allocate(size int) (*Allocation, error) {
	m.logger.Debug("Manager::Allocate", slog.Int("Size", size))

	if size <= 0 {
		return nil, errors.Newf("allocation size %d must be positive", size)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.strategy == nil {
		return nil, ErrNotInitialized
	}

	alloc, err := m.strategy.allocate(size)
	if err != nil {
		return nil, err
	}
	alloc.manager = m

	memutils.DebugValidate(m.strategy)
	return alloc, nil
}

// Read returns a zero-copy view of length bytes at address. The view is only valid until the
// Manager is Reset or Destroyed.
func (m *Manager) Read(address addrtable.VirtualAddress, length int) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.strategy == nil {
		return nil, ErrNotInitialized
	}

	return m.strategy.view(address, length)
}

// Write copies data into the heap at address
func (m *Manager) Write(address addrtable.VirtualAddress, data []byte) error {
	m.logger.Debug("Manager::Write", slog.Uint64("Address", uint64(address)), slog.Int("Size", len(data)))

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.strategy == nil {
		return ErrNotInitialized
	}

	view, err := m.strategy.view(address, len(data))
	if err != nil {
		return err
	}

	copy(view, data)
	return nil
}

// BufferSlice returns an owned copy of length bytes at address, suitable for handing to a device
// upload
func (m *Manager) BufferSlice(address addrtable.VirtualAddress, length int) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.strategy == nil {
		return nil, ErrNotInitialized
	}

	view, err := m.strategy.view(address, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, view)
	return out, nil
}

func (m *Manager) Stats() Stats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.strategy == nil {
		return Stats{Strategy: StrategyNone}
	}

	stats := Stats{Strategy: m.strategy.kind()}
	m.strategy.addStatistics(&stats)
	return stats
}

// AddStatistics accumulates the Manager's usage into stats. Segments (or the growable region)
// are counted as blocks.
func (m *Manager) AddStatistics(stats *memutils.Statistics) {
	heapStats := m.Stats()

	blockCount := heapStats.SegmentCount
	if heapStats.Strategy == StrategyGrowable {
		blockCount = 1
	}

	stats.BlockCount += blockCount
	stats.BlockBytes += heapStats.RegionCapacity
	stats.AllocationCount += heapStats.AllocationCount
	stats.AllocationBytes += heapStats.TotalAllocated
}

// BuildStatsString returns a JSON document describing the Manager's strategy and per-segment
// usage
func (m *Manager) BuildStatsString() string {
	stats := m.Stats()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Strategy").String(stats.Strategy.String())

	totalObj := obj.Name("Total").Object()
	totalObj.Name("AllocationCount").Int(stats.AllocationCount)
	totalObj.Name("AllocationBytes").Int(stats.TotalAllocated)
	totalObj.Name("CapacityBytes").Int(stats.RegionCapacity)
	totalObj.Name("SegmentCount").Int(stats.SegmentCount)
	totalObj.Name("SegmentSize").Int(stats.SegmentSize)
	totalObj.End()

	if m.strategy != nil {
		m.strategy.printDetailedMap(&obj)
	}

	obj.End()
	return string(writer.Bytes())
}

// Reset discards every allocation. The segmented strategy frees all of its segments and
// allocates one fresh segment. The growable strategy only rewinds its bump pointer: the region
// is never shrunk, so Reset does not return host memory in that case.
func (m *Manager) Reset() error {
	m.logger.Debug("Manager::Reset")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.strategy == nil {
		return ErrNotInitialized
	}

	return m.strategy.reset()
}

// Destroy frees all host memory owned by the Manager and returns it to the uninitialized state
func (m *Manager) Destroy() error {
	m.logger.Debug("Manager::Destroy")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.strategy == nil {
		return nil
	}

	err := m.strategy.free()
	m.strategy = nil
	return err
}

func (m *Manager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.strategy == nil {
		return nil
	}

	return m.strategy.Validate()
}
