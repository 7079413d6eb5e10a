package sink

import (
	"context"
	"fmt"
	"io/fs"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/upload"
)

// UploadSink pushes bytes to a media server upload. With a buffer size the
// remote offset wraps like a circular file.
type UploadSink struct {
	client   *upload.Client
	limit    int64
	filename string
	id       int
	closed   bool
	written  atomic.Int64
}

// OpenUpload connects to addr and opens filename under uploadID.
func OpenUpload(ctx context.Context, addr, filename string, uploadID int, bufferSize int64, logger *zap.Logger) (*UploadSink, error) {
	client, err := upload.Dial(ctx, addr, logger)
	if err != nil {
		return nil, err
	}
	if err := client.StartUpload(filename, uploadID); err != nil {
		client.EndUpload()
		return nil, err
	}
	return &UploadSink{client: client, limit: bufferSize, filename: filename, id: uploadID}, nil
}

// Target returns the remote file name and upload id.
func (s *UploadSink) Target() string {
	return fmt.Sprintf("%s#%d@%s", s.filename, s.id, s.client.Addr())
}

// Written returns the bytes accepted since the sink opened or last switched.
func (s *UploadSink) Written() int64 { return s.written.Load() }

// Write uploads p at the auto-increment or auto-wrap offset.
func (s *UploadSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fs.ErrClosed
	}
	var err error
	if s.limit > 0 {
		err = s.client.UploadAutoBuffered(s.limit, p)
	} else {
		err = s.client.UploadAutoIncrement(p)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStalled, err)
	}
	s.written.Add(int64(len(p)))
	return len(p), nil
}

// Switch closes the current upload and opens filename on the same connection.
func (s *UploadSink) Switch(filename string, uploadID int, bufferSize int64) error {
	if err := s.client.SwitchUpload(filename, uploadID); err != nil {
		return err
	}
	s.filename = filename
	s.id = uploadID
	s.limit = bufferSize
	s.written.Store(0)
	return nil
}

// Close ends the upload session. Idempotent.
func (s *UploadSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.EndUpload()
}
