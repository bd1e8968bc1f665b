package heap

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned when host memory could not be obtained for an allocation, even after
// every fallback has been attempted
var ErrOutOfMemory = errors.New("out of host memory")

// ErrInvalidRange is returned when a read or write addresses bytes that are outside of any
// allocated range, or crosses a segment boundary
var ErrInvalidRange = errors.New("invalid heap range")

// ErrNotInitialized is returned by every Manager operation that is attempted before Init
var ErrNotInitialized = errors.New("heap manager is not initialized")
