package sink

import "sync/atomic"

// NullSink discards everything but still counts it.
type NullSink struct {
	written atomic.Int64
}

// Write discards p.
func (s *NullSink) Write(p []byte) (int, error) {
	s.written.Add(int64(len(p)))
	return len(p), nil
}

func (s *NullSink) Close() error   { return nil }
func (s *NullSink) Written() int64 { return s.written.Load() }
func (s *NullSink) Target() string { return "null" }
