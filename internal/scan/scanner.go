// Package scan tunes every channel of a lineup on a pool of capture devices
// to find out which ones are receivable.
package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/capture"
	"github.com/RenatoCabral2022/tsbridge/internal/metrics"
)

var (
	ErrAlreadyRunning = errors.New("channel scan already running")
	ErrNoDevices      = errors.New("no capture devices to scan with")
)

// DefaultRetries is how many failed attempts a channel gets. Attempts that
// find the device locked are not counted.
const DefaultRetries = 10

// lockedBackoff is the pause before retrying a channel whose device was locked.
const lockedBackoff = 250 * time.Millisecond

// Options tunes a scan.
type Options struct {
	Retries int
	// Delay is slept by a worker between channels.
	Delay time.Duration
}

// Progress is a snapshot of a scan.
type Progress struct {
	Running     bool          `json:"running"`
	Complete    bool          `json:"complete"`
	Stopped     bool          `json:"stopped"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Remaining   int           `json:"remaining"`
	Tunable     int           `json:"tunable"`
	Failed      int           `json:"failed"`
	Elapsed     time.Duration `json:"elapsed"`
	AverageTime time.Duration `json:"averageTime"`
}

// Scanner runs one scan at a time over a fixed set of devices.
type Scanner struct {
	devices []capture.Device
	opts    Options
	logger  *zap.Logger

	mu        sync.Mutex
	running   bool
	complete  bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
	started   time.Time
	finished  time.Time
	total     int
	processed int
	tunable   int
	failed    int
	scanned   []capture.Channel
}

// New returns an idle scanner.
func New(devices []capture.Device, opts Options, logger *zap.Logger) *Scanner {
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	return &Scanner{devices: devices, opts: opts, logger: logger}
}

// Start scans channels in the background. The worker pool has one worker
// per device and devices are shared through a blocking pool.
func (s *Scanner) Start(channels []capture.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if len(s.devices) == 0 {
		return ErrNoDevices
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running, s.complete, s.stopped = true, false, false
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started, s.finished = time.Now(), time.Time{}
	s.total = len(channels)
	s.processed, s.tunable, s.failed = 0, 0, 0
	s.scanned = nil

	pool := make(chan capture.Device, len(s.devices))
	for _, d := range s.devices {
		pool <- d
	}

	var countdown sync.WaitGroup
	countdown.Add(len(channels))
	tasks := make(chan capture.Channel)

	for i := 0; i < len(s.devices); i++ {
		go func() {
			for ch := range tasks {
				s.scanChannel(ctx, pool, ch)
				countdown.Done()
			}
		}()
	}

	go func() {
		defer close(tasks)
		for i, ch := range channels {
			select {
			case tasks <- ch:
			case <-ctx.Done():
				for range channels[i:] {
					countdown.Done()
				}
				return
			}
		}
	}()

	done := s.done
	go func() {
		countdown.Wait()
		cancel()
		s.mu.Lock()
		s.running = false
		s.complete = !s.stopped
		s.finished = time.Now()
		s.mu.Unlock()
		metrics.ScansRunning.Dec()
		s.logger.Info("channel scan finished", zap.Int("processed", s.Progress().Processed), zap.Bool("stopped", s.IsStopped()))
		close(done)
	}()

	metrics.ScansRunning.Inc()
	s.logger.Info("channel scan started", zap.Int("channels", len(channels)), zap.Int("devices", len(s.devices)))
	return nil
}

// scanChannel takes a device, probes ch and puts the device back, retrying
// failures up to the configured limit.
func (s *Scanner) scanChannel(ctx context.Context, pool chan capture.Device, ch capture.Channel) {
	start := time.Now()
	var err error
	for attempt := 0; attempt < s.opts.Retries; {
		var dev capture.Device
		select {
		case dev = <-pool:
		case <-ctx.Done():
			return
		}
		err = dev.ChannelInfoOffline(ctx, &ch)
		pool <- dev

		if err == nil || ctx.Err() != nil {
			break
		}
		if errors.Is(err, capture.ErrLocked) {
			if !sleep(ctx, lockedBackoff) {
				return
			}
			continue
		}
		attempt++
		s.logger.Warn("channel scan attempt failed",
			zap.String("channel", ch.Number),
			zap.String("device", dev.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	if ctx.Err() != nil {
		return
	}

	result := "untunable"
	switch {
	case err != nil:
		result = "failed"
	case ch.Tunable:
		result = "tunable"
	}
	metrics.ScannedChannelsTotal.WithLabelValues(result).Inc()
	metrics.ChannelScanDuration.Observe(float64(time.Since(start).Milliseconds()))

	s.mu.Lock()
	s.processed++
	switch result {
	case "tunable":
		s.tunable++
	case "failed":
		s.failed++
	}
	s.scanned = append(s.scanned, ch)
	s.mu.Unlock()

	sleep(ctx, s.opts.Delay)
}

// sleep waits d or until ctx is done and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop cancels a running scan. In-flight probes are interrupted and queued
// channels are dropped. Idempotent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	if s.running {
		s.stopped = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current scan has finished or ctx is done.
func (s *Scanner) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scanner) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *Scanner) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scanner) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Scanner) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total - s.processed
}

func (s *Scanner) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed()
}

func (s *Scanner) elapsed() time.Duration {
	switch {
	case s.started.IsZero():
		return 0
	case s.finished.IsZero():
		return time.Since(s.started)
	}
	return s.finished.Sub(s.started)
}

// AverageTime is the elapsed time divided by the channels processed so far.
func (s *Scanner) AverageTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed == 0 {
		return 0
	}
	return s.elapsed() / time.Duration(s.processed)
}

func (s *Scanner) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		Running:   s.running,
		Complete:  s.complete,
		Stopped:   s.stopped,
		Total:     s.total,
		Processed: s.processed,
		Remaining: s.total - s.processed,
		Tunable:   s.tunable,
		Failed:    s.failed,
		Elapsed:   s.elapsed(),
	}
	if s.processed > 0 {
		p.AverageTime = p.Elapsed / time.Duration(s.processed)
	}
	return p
}

// ScannedChannelsAndClear returns the channels finished since the last call.
func (s *Scanner) ScannedChannelsAndClear() []capture.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.scanned
	s.scanned = nil
	return out
}
