package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/mpegts"
	"github.com/RenatoCabral2022/tsbridge/internal/ringbuffer"
)

// State constants for the producer lifecycle.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateError    = "error"
)

// chunkSize is a whole number of transport stream packets, just under 64 KiB.
const chunkSize = 348 * mpegts.PacketSize

// ProducerStatus describes the current state of a producer.
type ProducerStatus struct {
	State     string `json:"state"`
	SourceURL string `json:"sourceUrl"`
	BytesRead int64  `json:"bytesRead"`
	LastError string `json:"lastError,omitempty"`
}

// HTTPProducer streams an HTTP response body into a consumer.
type HTTPProducer struct {
	url    string
	client *http.Client
	dst    io.Writer
	logger *zap.Logger

	mu        sync.Mutex
	state     string
	lastError string
	cancel    context.CancelFunc

	bytesRead atomic.Int64
}

// NewHTTPProducer creates a producer that copies url into dst.
func NewHTTPProducer(url string, client *http.Client, dst io.Writer, logger *zap.Logger) *HTTPProducer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProducer{
		url:    url,
		client: client,
		dst:    dst,
		logger: logger.With(zap.String("streamURL", url)),
		state:  StateStopped,
	}
}

// Start requests the stream and copies it. Blocks until the stream ends,
// ctx is cancelled, Stop is called or the consumer stops accepting bytes.
func (p *HTTPProducer) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateRunning || p.state == StateStarting {
		p.mu.Unlock()
		return fmt.Errorf("producer already running")
	}
	p.state = StateStarting
	p.lastError = ""
	p.bytesRead.Store(0)

	streamCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, p.url, nil)
	if err != nil {
		p.setError(fmt.Sprintf("request: %v", err))
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if streamCtx.Err() != nil {
			p.setState(StateStopped)
			return nil
		}
		p.setError(fmt.Sprintf("get: %v", err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("stream returned %s", resp.Status)
		p.setError(err.Error())
		return err
	}

	p.setState(StateRunning)
	p.logger.Info("producer started")

	readErr := p.readLoop(streamCtx, resp.Body)

	p.mu.Lock()
	defer p.mu.Unlock()

	if streamCtx.Err() != nil || errors.Is(readErr, ringbuffer.ErrClosed) {
		p.state = StateStopped
		p.logger.Info("producer stopped", zap.Int64("bytesRead", p.bytesRead.Load()))
		return nil
	}
	if readErr != nil {
		p.state = StateError
		p.lastError = readErr.Error()
		p.logger.Warn("producer error", zap.Error(readErr))
		return fmt.Errorf("producer failed: %w", readErr)
	}

	p.state = StateStopped
	p.logger.Info("producer completed (stream ended)", zap.Int64("bytesRead", p.bytesRead.Load()))
	return nil
}

func (p *HTTPProducer) readLoop(ctx context.Context, r io.Reader) error {
	buf := make([]byte, chunkSize)
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := p.dst.Write(buf[:n]); werr != nil {
				return werr
			}
			p.bytesRead.Add(int64(n))

			if time.Since(lastLog) >= 5*time.Second {
				p.logger.Debug("producer progress", zap.Int64("bytesRead", p.bytesRead.Load()))
				lastLog = time.Now()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Stop terminates the stream. Idempotent.
func (p *HTTPProducer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Status returns a snapshot of the producer state.
func (p *HTTPProducer) Status() ProducerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProducerStatus{
		State:     p.state,
		SourceURL: p.url,
		BytesRead: p.bytesRead.Load(),
		LastError: p.lastError,
	}
}

func (p *HTTPProducer) setState(state string) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *HTTPProducer) setError(msg string) {
	p.mu.Lock()
	p.state = StateError
	p.lastError = msg
	p.mu.Unlock()
}
