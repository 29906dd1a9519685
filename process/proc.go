package process

import "errors"

// ErrUnsupported is returned by StartTime on platforms where the start time
// of an arbitrary process cannot be read.
var ErrUnsupported = errors.New("process start time not supported on this platform")
