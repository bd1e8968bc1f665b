package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/addrtable"
)

// StrategyKind identifies which addressing strategy a Manager settled on during Init
type StrategyKind int

const (
	// StrategyNone is reported by a Manager that has not been initialized
	StrategyNone StrategyKind = iota
	// StrategyGrowable backs every allocation with one linear region that grows in pages
	StrategyGrowable
	// StrategySegmented backs allocations with a list of fixed-size segments
	StrategySegmented
)

var strategyKindMapping = map[StrategyKind]string{
	StrategyNone:      "StrategyNone",
	StrategyGrowable:  "StrategyGrowable",
	StrategySegmented: "StrategySegmented",
}

func (k StrategyKind) String() string {
	str, ok := strategyKindMapping[k]
	if !ok {
		return "unknown StrategyKind"
	}

	return str
}

// strategy is implemented only by growableStrategy and segmentedStrategy. The strategy is chosen
// once during Init and never revisited.
type strategy interface {
	kind() StrategyKind
	allocate(size int) (*Allocation, error)
	view(address addrtable.VirtualAddress, length int) ([]byte, error)
	reset() error
	free() error

	addStatistics(stats *Stats)
	printDetailedMap(json *jwriter.ObjectState)
	Validate() error
}
