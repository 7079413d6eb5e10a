// Package sink holds the output destinations a consumer drains into.
package sink

import (
	"errors"
	"io"
)

// ErrStalled wraps the error of a sink that failed twice in a row and gave up.
var ErrStalled = errors.New("sink stalled")

// Sink is an output destination. Write returns the bytes accepted; Close
// is idempotent. Written reports the bytes accepted since the sink opened.
type Sink interface {
	io.Writer
	Close() error
	Written() int64
	Target() string
}

// Switcher is implemented by sinks that can retarget to a new upload on the
// same remote session.
type Switcher interface {
	Switch(filename string, uploadID int, bufferSize int64) error
}

// Remote is implemented by sinks whose server does the container work. The
// server decides when output has started and how large the file is.
type Remote interface {
	Initialized() (bool, error)
	RemoteSize() (int64, error)
}
