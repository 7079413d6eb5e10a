package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/consumer"
)

// channelToken is replaced by the channel number in URL templates.
const channelToken = "%c%"

// DefaultOfflineTimeout bounds how long an offline scan waits for a channel
// to start streaming.
const DefaultOfflineTimeout = 8 * time.Second

// HTTPConfig describes a tuner that serves each channel over HTTP.
type HTTPConfig struct {
	Name      string
	StreamURL string
	// TuneURL, when set, is requested before the stream is opened.
	TuneURL string
	// PadChannel zero-pads numeric channels to this many digits.
	PadChannel int
	// Consumer is the variant used when a request does not name one.
	Consumer       string
	OfflineTimeout time.Duration
}

// HTTPDevice is a capture device backed by HTTP stream URLs.
type HTTPDevice struct {
	cfg     HTTPConfig
	factory *consumer.Factory
	client  *http.Client
	logger  *zap.Logger

	mu       sync.Mutex
	locked   bool
	current  consumer.Consumer
	producer *HTTPProducer
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ Device = (*HTTPDevice)(nil)

// NewHTTPDevice validates cfg and returns an idle device.
func NewHTTPDevice(cfg HTTPConfig, factory *consumer.Factory, client *http.Client, logger *zap.Logger) (*HTTPDevice, error) {
	if cfg.Name == "" {
		return nil, errors.New("capture device needs a name")
	}
	if err := ValidateURL(cfg.StreamURL); err != nil {
		return nil, fmt.Errorf("device %s stream URL: %w", cfg.Name, err)
	}
	if cfg.TuneURL != "" {
		if err := ValidateURL(cfg.TuneURL); err != nil {
			return nil, fmt.Errorf("device %s tune URL: %w", cfg.Name, err)
		}
	}
	if cfg.Consumer == "" {
		cfg.Consumer = consumer.VariantDynamic
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = DefaultOfflineTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDevice{
		cfg:     cfg,
		factory: factory,
		client:  client,
		logger:  logger.With(zap.String("device", cfg.Name)),
	}, nil
}

func (d *HTTPDevice) Name() string { return d.cfg.Name }

func (d *HTTPDevice) IsLocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// Consumer returns the consumer of the running recording, or nil.
func (d *HTTPDevice) Consumer() consumer.Consumer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Producer returns the producer of the running recording, or nil.
func (d *HTTPDevice) Producer() *HTTPProducer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.producer
}

// url substitutes the channel into a template.
func (d *HTTPDevice) url(template, channel string) string {
	if d.cfg.PadChannel > 0 {
		if n, err := strconv.Atoi(channel); err == nil {
			channel = fmt.Sprintf("%0*d", d.cfg.PadChannel, n)
		}
	}
	return strings.ReplaceAll(template, channelToken, channel)
}

func (d *HTTPDevice) StartEncoding(ctx context.Context, req Request) (consumer.Consumer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return nil, ErrLocked
	}

	variant := req.Consumer
	if variant == "" {
		variant = d.cfg.Consumer
	}
	c, err := d.factory.New(variant)
	if err != nil {
		return nil, err
	}
	c.SetChannel(req.Channel)
	c.SetProgram(req.Program)
	c.SetEncodingQuality(req.Quality)
	c.SetRecordBufferSize(req.BufferSize)

	switch {
	case req.UploadID > 0 && req.Address != "" && c.AcceptsUploadID():
		err = c.ConsumeToUploadID(req.Filename, req.UploadID, req.Address)
	case req.Filename != "" && c.AcceptsFilename():
		err = c.ConsumeToFilename(req.Filename)
	case req.Filename == "" && req.UploadID == 0:
		c.ConsumeToNull(true)
	default:
		err = consumer.ErrUnsupported
	}
	if err != nil {
		return nil, fmt.Errorf("%s target: %w", c.Name(), err)
	}

	if err := d.tune(ctx, req.Channel); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	producer := NewHTTPProducer(d.url(d.cfg.StreamURL, req.Channel), d.client, c, d.logger)
	logger := d.logger.With(zap.String("channel", req.Channel))

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		defer cancel()
		if err := c.Run(runCtx); err != nil {
			logger.Warn("consumer ended", zap.Error(err))
		}
	}()
	go func() {
		defer d.wg.Done()
		if err := producer.Start(runCtx); err != nil {
			logger.Warn("producer ended", zap.Error(err))
		}
		c.Stop()
	}()

	d.locked = true
	d.current = c
	d.producer = producer
	d.cancel = cancel
	logger.Info("encoding started", zap.String("consumer", c.Name()))
	return c, nil
}

// tune requests the tune URL, if any, and discards the body.
func (d *HTTPDevice) tune(ctx context.Context, channel string) error {
	if d.cfg.TuneURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url(d.cfg.TuneURL, channel), nil)
	if err != nil {
		return fmt.Errorf("tune request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("tune %s: %w", channel, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("tune %s: %s", channel, resp.Status)
	}
	return nil
}

func (d *HTTPDevice) StopEncoding() {
	d.mu.Lock()
	c, producer, cancel := d.current, d.producer, d.cancel
	d.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	producer.Stop()
	c.Stop()
	d.wg.Wait()

	d.mu.Lock()
	d.locked = false
	d.current = nil
	d.producer = nil
	d.cancel = nil
	d.mu.Unlock()
	d.logger.Info("encoding stopped")
}

func (d *HTTPDevice) ChannelInfoOffline(ctx context.Context, ch *Channel) error {
	c, err := d.StartEncoding(ctx, Request{
		Channel:  ch.Number,
		Program:  ch.Program,
		Consumer: consumer.VariantRaw,
	})
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, c.Stop)
	tunable := c.IsStreaming(d.cfg.OfflineTimeout)
	stop()
	d.StopEncoding()

	if err := ctx.Err(); err != nil {
		return err
	}
	ch.Tunable = tunable
	ch.Scanned = time.Now()
	d.logger.Debug("channel scanned", zap.String("channel", ch.Number), zap.Bool("tunable", tunable))
	return nil
}
