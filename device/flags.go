package device

import "github.com/vkngwrapper/core/v2/common"

// BufferUsage is a bitmask describing the ways a buffer may be used. The values match WebGPU's
// GPUBufferUsage.
type BufferUsage uint32

var bufferUsageMapping = common.NewFlagStringMapping[BufferUsage]()

func (f BufferUsage) Register(str string) {
	bufferUsageMapping.Register(f, str)
}
func (f BufferUsage) String() string {
	return bufferUsageMapping.FlagsToString(f)
}

const (
	BufferUsageMapRead      BufferUsage = 0x0001
	BufferUsageMapWrite     BufferUsage = 0x0002
	BufferUsageCopySrc      BufferUsage = 0x0004
	BufferUsageCopyDst      BufferUsage = 0x0008
	BufferUsageIndex        BufferUsage = 0x0010
	BufferUsageVertex       BufferUsage = 0x0020
	BufferUsageUniform      BufferUsage = 0x0040
	BufferUsageStorage      BufferUsage = 0x0080
	BufferUsageIndirect     BufferUsage = 0x0100
	BufferUsageQueryResolve BufferUsage = 0x0200
)

func init() {
	BufferUsageMapRead.Register("BufferUsageMapRead")
	BufferUsageMapWrite.Register("BufferUsageMapWrite")
	BufferUsageCopySrc.Register("BufferUsageCopySrc")
	BufferUsageCopyDst.Register("BufferUsageCopyDst")
	BufferUsageIndex.Register("BufferUsageIndex")
	BufferUsageVertex.Register("BufferUsageVertex")
	BufferUsageUniform.Register("BufferUsageUniform")
	BufferUsageStorage.Register("BufferUsageStorage")
	BufferUsageIndirect.Register("BufferUsageIndirect")
	BufferUsageQueryResolve.Register("BufferUsageQueryResolve")

	MapModeRead.Register("MapModeRead")
	MapModeWrite.Register("MapModeWrite")
}

// MapMode indicates whether a buffer is mapped for reading or writing
type MapMode uint32

var mapModeMapping = common.NewFlagStringMapping[MapMode]()

func (f MapMode) Register(str string) {
	mapModeMapping.Register(f, str)
}
func (f MapMode) String() string {
	return mapModeMapping.FlagsToString(f)
}

const (
	MapModeRead MapMode = 1 << iota
	MapModeWrite
)
