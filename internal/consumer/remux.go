package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/metrics"
	"github.com/RenatoCabral2022/tsbridge/internal/mpegts"
	"github.com/RenatoCabral2022/tsbridge/internal/remux"
)

var errTranscoderExited = errors.New("transcoder exited")

// Remux probes the stream, keeps only the selected program and drops
// frames whose decode timestamp does not advance. With transcoding enabled
// the filtered stream is piped through ffmpeg before it reaches the relay.
type Remux struct {
	*base
	transcode bool

	// newTranscoder builds the external stage for the current quality.
	newTranscoder func(quality string) *remux.Transcoder
}

// NewRemux returns the native remux consumer.
func NewRemux(opts Options, logger *zap.Logger) *Remux {
	return newRemux(VariantRemux, false, opts, logger)
}

// NewTranscode returns a remux consumer followed by an ffmpeg stage.
func NewTranscode(opts Options, logger *zap.Logger) *Remux {
	return newRemux(VariantTranscode, true, opts, logger)
}

func newRemux(variant string, transcode bool, opts Options, logger *zap.Logger) *Remux {
	c := &Remux{base: newBase(variant, opts, logger), transcode: transcode}
	c.newTranscoder = func(quality string) *remux.Transcoder {
		return remux.NewFFmpeg(c.opts.FFmpegPath, quality, c.opts.Profiles, c.log())
	}
	return c
}

func (c *Remux) Run(ctx context.Context) error {
	return c.run(ctx, func(r *relay) error {
		res, err := c.detect()
		if err != nil {
			return err
		}
		f := remux.NewFilter(res)
		r.videoPID = res.Video.PID
		if res.Fallback {
			c.log().Warn("program not found, using first program",
				zap.Int("wanted", c.Program()),
				zap.Int("program", res.Program))
		}
		c.log().Info("stream detected",
			zap.Int("program", res.Program),
			zap.Int("videoPID", res.Video.PID),
			zap.Int("audioStreams", len(res.Audio)))

		if c.transcode {
			return c.transcodeLoop(ctx, r, f)
		}
		r.header = f.Header
		if err := r.write(f.Header()); err != nil {
			return err
		}
		return c.filterLoop(f, r.write, r.switching)
	})
}

// detect probes a growing window from the point detection started. The
// buffer holds the window in no-wrap mode so every attempt rescans the same
// bytes, and the relay starts from the beginning of the window afterwards.
func (c *Remux) detect() (*mpegts.ProbeResult, error) {
	opts := c.opts
	c.setState(StateDetecting, "Detecting stream format...")

	c.buf.SetNoWrap(true)
	mark := c.buf.Mark()
	window := make([]byte, opts.MaxProbeSize)
	size := opts.MinProbeSize
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if _, err := c.buf.Seek(mark, io.SeekStart); err != nil {
			c.buf.SetNoWrap(false)
			return nil, err
		}
		if _, err := io.ReadFull(c.buf, window[:size]); err != nil {
			c.buf.SetNoWrap(false)
			return nil, err
		}

		res, err := mpegts.Probe(window[:size], c.Program())
		if err == nil {
			metrics.ProbeAttempts.Observe(float64(attempt))
			if _, err := c.buf.Seek(mark, io.SeekStart); err != nil {
				c.buf.SetNoWrap(false)
				return nil, err
			}
			c.buf.SetNoWrap(false)
			return res, nil
		}

		elapsed := time.Since(start)
		if size >= opts.MaxProbeSize || elapsed >= opts.MaxAnalyze {
			c.buf.SetNoWrap(false)
			metrics.ProbeAttempts.Observe(float64(attempt))
			return nil, stall("probe", "Stream detection failed", err)
		}

		available := int(c.buf.Written() - mark)
		next := max(2*size, available+mpegts.PacketSize)
		size = min(next, opts.MaxProbeSize)
		c.log().Debug("probe failed, widening window",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("window", size),
			zap.Duration("elapsed", elapsed))
		c.setState(StateDetecting, fmt.Sprintf("Detecting stream format (%v)...", err))
	}
}

// filterLoop reads packets from the buffer, resyncing on lost alignment,
// and emits the filtered output in batches of at least MinTransferSize.
// switching may be nil when the emitter is not the relay itself.
func (c *Remux) filterLoop(f *remux.Filter, emit func([]byte) error, switching func() bool) error {
	in := make([]byte, c.opts.MaxTransferSize)
	out := make([]byte, 0, c.opts.MaxTransferSize)
	fill := 0

	for {
		n, err := c.buf.Read(in[fill:])
		fill += n

		i := 0
		for i+mpegts.PacketSize <= fill {
			if in[i] != mpegts.SyncByte {
				skip := mpegts.FindSync(in[i:fill])
				if skip < 0 {
					i = fill - mpegts.PacketSize + 1
					break
				}
				i += skip
				continue
			}
			out = f.Append(out, in[i:i+mpegts.PacketSize])
			i += mpegts.PacketSize
		}
		fill = copy(in, in[i:fill])

		flush := len(out) >= c.opts.MinTransferSize || err != nil || switching != nil && switching()
		if flush && len(out) > 0 {
			if werr := emit(out); werr != nil {
				return werr
			}
			out = out[:0]
		}
		if err != nil {
			return err
		}
	}
}

// transcodeLoop feeds the filtered stream to the transcoder over a pipe.
// The transcoder's stdout copier is the only caller of the relay.
func (c *Remux) transcodeLoop(ctx context.Context, r *relay, f *remux.Filter) error {
	tr := c.newTranscoder(c.EncodingQuality())
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		err := tr.Run(ctx, pr, relayWriter{r})
		pr.CloseWithError(errTranscoderExited)
		done <- err
	}()

	err := c.filterLoop(f, func(p []byte) error {
		_, err := pw.Write(p)
		return err
	}, nil)
	pw.Close()
	terr := <-done

	switch {
	case terr != nil && !c.buf.Closed():
		return stall("transcode", "Transcoder failed", terr)
	case errors.Is(err, errTranscoderExited):
		return stall("transcode", "Transcoder failed", err)
	}
	return err
}
