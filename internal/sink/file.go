package sink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/metrics"
)

// DefaultCheckInterval is how many bytes pass between checks that the file still exists.
const DefaultCheckInterval = 1 << 20

// FileSink writes directly to a local file. With a record buffer size the
// on-disk offset wraps to 0 once the bound is reached.
type FileSink struct {
	path          string
	limit         int64
	checkInterval int64
	logger        *zap.Logger

	f          *os.File
	pos        int64
	sinceCheck int64
	closed     bool
	written    atomic.Int64
}

// OpenFile creates or truncates path. recordBufferSize 0 disables wrapping.
func OpenFile(path string, recordBufferSize int64, logger *zap.Logger) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &FileSink{
		path:          path,
		limit:         recordBufferSize,
		checkInterval: DefaultCheckInterval,
		logger:        logger.With(zap.String("file", path)),
		f:             f,
	}, nil
}

// SetCheckInterval changes how often the sink looks for out-of-band deletion.
func (s *FileSink) SetCheckInterval(n int64) {
	s.checkInterval = n
}

// Target returns the file path.
func (s *FileSink) Target() string { return s.path }

// Written returns the bytes accepted, including those overwritten by wrapping.
func (s *FileSink) Written() int64 { return s.written.Load() }

// Position returns the current on-disk write offset.
func (s *FileSink) Position() int64 { return s.pos }

// Write writes p at the current offset. A missing file or a failed write
// re-creates the file and retries once; a second failure returns ErrStalled.
// A re-created file starts empty, so the retry writes all of p again.
func (s *FileSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fs.ErrClosed
	}

	if s.checkInterval > 0 && s.sinceCheck >= s.checkInterval {
		s.sinceCheck = 0
		if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("recording file removed, re-creating")
			if err := s.reopen(); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrStalled, err)
			}
		}
	}

	n, err := s.writeWrapped(p)
	if err != nil {
		s.logger.Warn("file write failed, re-creating", zap.Error(err))
		if rerr := s.reopen(); rerr != nil {
			return n, fmt.Errorf("%w: write: %v, reopen: %v", ErrStalled, err, rerr)
		}
		s.written.Add(-int64(n))
		n, err = s.writeWrapped(p)
		if err != nil {
			return n, fmt.Errorf("%w: %v", ErrStalled, err)
		}
	}
	return n, nil
}

func (s *FileSink) writeWrapped(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if s.limit > 0 {
			if s.pos >= s.limit {
				s.pos = 0
			}
			if room := s.limit - s.pos; int64(len(chunk)) > room {
				chunk = chunk[:room]
			}
		}
		n, err := s.f.WriteAt(chunk, s.pos)
		s.pos += int64(n)
		s.sinceCheck += int64(n)
		s.written.Add(int64(n))
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

func (s *FileSink) reopen() error {
	metrics.SinkReopensTotal.Inc()
	s.f.Close()
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.pos = 0
	return nil
}

// Close syncs and closes the file. Idempotent.
func (s *FileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.f.Sync()
	return s.f.Close()
}
