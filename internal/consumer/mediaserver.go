package consumer

import (
	"context"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/sink"
)

// MediaServer passes the stream through to a remux session on the media
// server, which does the container work itself. It only accepts upload
// targets.
type MediaServer struct {
	*base
}

// NewMediaServer returns a remote-remux consumer.
func NewMediaServer(opts Options, logger *zap.Logger) *MediaServer {
	c := &MediaServer{base: newBase(VariantMediaServer, opts, logger)}
	c.openUpload = func(ctx context.Context, addr, filename string, id int, size int64) (sink.Sink, error) {
		return sink.OpenRemux(ctx, addr, filename, id, size, true, c.log())
	}
	return c
}

func (c *MediaServer) Run(ctx context.Context) error {
	return c.run(ctx, c.passthrough)
}

func (c *MediaServer) AcceptsFilename() bool { return false }

func (c *MediaServer) ConsumeToFilename(string) error { return ErrUnsupported }

func (c *MediaServer) SwitchStreamToFilename(string, int64) error { return ErrUnsupported }
