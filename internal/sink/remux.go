package sink

import (
	"context"
	"fmt"
	"io/fs"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/upload"
)

// RemuxSink uploads raw transport stream bytes for the media server to remux
// itself. Circular buffering and switching happen on the server.
type RemuxSink struct {
	client      *upload.Client
	logger      *zap.Logger
	filename    string
	id          int
	closed      bool
	initialized atomic.Bool
	written     atomic.Int64
}

// OpenRemux opens filename under uploadID and enables server side remuxing
// to a transport stream.
func OpenRemux(ctx context.Context, addr, filename string, uploadID int, bufferSize int64, isTV bool, logger *zap.Logger) (*RemuxSink, error) {
	client, err := upload.Dial(ctx, addr, logger)
	if err != nil {
		return nil, err
	}
	s := &RemuxSink{client: client, logger: logger, filename: filename, id: uploadID}
	if err := s.setup(bufferSize, isTV); err != nil {
		client.EndUpload()
		return nil, err
	}
	return s, nil
}

func (s *RemuxSink) setup(bufferSize int64, isTV bool) error {
	if err := s.client.StartUpload(s.filename, s.id); err != nil {
		return err
	}
	if err := s.client.SetupRemux("TS", isTV); err != nil {
		return err
	}
	if bufferSize > 0 {
		return s.client.SetRemuxBuffer(bufferSize)
	}
	return nil
}

// Target returns the remote file name and upload id.
func (s *RemuxSink) Target() string {
	return fmt.Sprintf("%s#%d@%s", s.filename, s.id, s.client.Addr())
}

// Written returns the bytes accepted since the sink opened or last switched.
func (s *RemuxSink) Written() int64 { return s.written.Load() }

// Write uploads p at the auto-increment offset.
func (s *RemuxSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fs.ErrClosed
	}
	if err := s.client.UploadAutoIncrement(p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStalled, err)
	}
	s.written.Add(int64(len(p)))
	return len(p), nil
}

// Switch tells the server the next file is filename.
func (s *RemuxSink) Switch(filename string, uploadID int, bufferSize int64) error {
	if err := s.client.SwitchRemux(filename, uploadID); err != nil {
		return err
	}
	if bufferSize > 0 {
		if err := s.client.SetRemuxBuffer(bufferSize); err != nil {
			return err
		}
	}
	s.filename = filename
	s.id = uploadID
	s.written.Store(0)
	return nil
}

// Initialized reports whether the server has detected the stream and started
// remuxing. Once true the server is not asked again.
func (s *RemuxSink) Initialized() (bool, error) {
	if s.initialized.Load() {
		return true, nil
	}
	ok, err := s.client.IsRemuxInitialized()
	if err != nil || !ok {
		return false, err
	}
	s.initialized.Store(true)
	if format, err := s.client.Format(); err != nil {
		s.logger.Warn("remote remux format unknown", zap.Error(err))
	} else {
		s.logger.Info("remote remux initialized", zap.String("format", format))
	}
	return true, nil
}

// RemoteSize returns the file size the server reports.
func (s *RemuxSink) RemoteSize() (int64, error) {
	return s.client.Size()
}

// Close ends the upload session. Idempotent.
func (s *RemuxSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.EndUpload()
}
