// Package bridge owns the capture devices and the recordings and channel
// scans running on them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/capture"
	"github.com/RenatoCabral2022/tsbridge/internal/config"
	"github.com/RenatoCabral2022/tsbridge/internal/consumer"
	"github.com/RenatoCabral2022/tsbridge/internal/metrics"
	"github.com/RenatoCabral2022/tsbridge/internal/remux"
	"github.com/RenatoCabral2022/tsbridge/internal/scan"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrCapacity      = errors.New("max recordings reached")
	ErrNoFreeDevice  = errors.New("no free capture device")
	ErrUnknownDevice = errors.New("unknown capture device")
	ErrInvalid       = errors.New("invalid request")
)

// responseHeaderTimeout bounds how long a tuner may take to answer a stream
// request. The body itself has no deadline.
const responseHeaderTimeout = 10 * time.Second

// Bridge is the registry of devices, recordings and scans.
type Bridge struct {
	cfg      *config.Config
	logger   *zap.Logger
	factory  *consumer.Factory
	selector *consumer.Selector
	devices  []capture.Device
	lineup   []capture.Channel
	sem      chan struct{}

	mu         sync.RWMutex
	recordings map[string]*Recording
	scans      map[string]*Scan
}

// New builds HTTP capture devices from the config file.
func New(cfg *config.Config, logger *zap.Logger) (*Bridge, error) {
	b := newBridge(cfg, logger)
	client := &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}}
	for _, d := range cfg.File.Devices {
		timeout := d.OfflineTimeout
		if timeout <= 0 {
			timeout = cfg.OfflineTimeout
		}
		dev, err := capture.NewHTTPDevice(capture.HTTPConfig{
			Name:           d.Name,
			StreamURL:      d.StreamURL,
			TuneURL:        d.TuneURL,
			PadChannel:     d.PadChannel,
			Consumer:       d.Consumer,
			OfflineTimeout: timeout,
		}, b.factory, client, logger)
		if err != nil {
			return nil, err
		}
		b.devices = append(b.devices, dev)
	}
	logger.Info("bridge ready",
		zap.Int("devices", len(b.devices)),
		zap.Int("lineup", len(b.lineup)),
		zap.Int("maxRecordings", cfg.MaxRecordings))
	return b, nil
}

// NewWithDevices uses the given devices instead of the configured ones.
func NewWithDevices(cfg *config.Config, logger *zap.Logger, devices ...capture.Device) *Bridge {
	b := newBridge(cfg, logger)
	b.devices = devices
	return b
}

func newBridge(cfg *config.Config, logger *zap.Logger) *Bridge {
	if cfg.File == nil {
		cfg.File = &config.File{}
	}
	selector := consumer.NewSelector(consumer.VariantRemux, logger)
	b := &Bridge{
		cfg:        cfg,
		logger:     logger,
		selector:   selector,
		factory:    consumer.NewFactory(consumerOptions(cfg), selector, logger),
		sem:        make(chan struct{}, max(cfg.MaxRecordings, 1)),
		recordings: make(map[string]*Recording),
		scans:      make(map[string]*Scan),
	}
	if err := b.Reload(cfg.File); err != nil {
		logger.Warn("dynamic consumer config has errors", zap.Error(err))
	}
	return b
}

func consumerOptions(cfg *config.Config) consumer.Options {
	profiles := maps.Clone(remux.DefaultProfiles)
	maps.Copy(profiles, cfg.File.Transcode.Profiles)
	return consumer.Options{
		BufferSize:      cfg.BufferSize,
		MinTransferSize: cfg.MinTransferSize,
		MaxTransferSize: cfg.MaxTransferSize,
		MinProbeSize:    cfg.MinProbeSize,
		MaxProbeSize:    cfg.MaxProbeSize,
		ProbeCatchUp:    cfg.ProbeCatchUp,
		MaxAnalyze:      cfg.MaxAnalyze,
		FFmpegPath:      cfg.FFmpegPath,
		Profiles:        profiles,
	}
}

// Reload applies the dynamic consumer rules and the lineup of f. Devices
// and transcode profiles only change on restart.
func (b *Bridge) Reload(f *config.File) error {
	lineup := make([]capture.Channel, 0, len(f.Lineup))
	for _, ch := range f.Lineup {
		lineup = append(lineup, capture.Channel{Number: ch.Number, Name: ch.Name, Program: ch.Program})
	}
	b.mu.Lock()
	b.lineup = lineup
	b.mu.Unlock()

	def := f.Dynamic.Default
	if def == "" {
		def = consumer.VariantRemux
	}
	return b.selector.Update(def, f.Dynamic.Rules)
}

func (b *Bridge) Selector() *consumer.Selector { return b.selector }

// DeviceStatus reports whether a device is free.
type DeviceStatus struct {
	Name   string `json:"name"`
	Locked bool   `json:"locked"`
}

func (b *Bridge) Devices() []DeviceStatus {
	out := make([]DeviceStatus, len(b.devices))
	for i, d := range b.devices {
		out[i] = DeviceStatus{Name: d.Name(), Locked: d.IsLocked()}
	}
	return out
}

// Lineup returns the configured channels.
func (b *Bridge) Lineup() []capture.Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]capture.Channel(nil), b.lineup...)
}

// Recording is a running capture on one device.
type Recording struct {
	ID       string
	Device   capture.Device
	Channel  string
	Started  time.Time
	Consumer consumer.Consumer
}

// RecordingRequest starts a recording. Device is optional; the first free
// device is used when it is empty. Address may omit the port.
type RecordingRequest struct {
	Device     string `json:"device,omitempty"`
	Channel    string `json:"channel"`
	Program    int    `json:"program,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Consumer   string `json:"consumer,omitempty"`
	Filename   string `json:"filename,omitempty"`
	UploadID   int    `json:"uploadId,omitempty"`
	Address    string `json:"address,omitempty"`
	BufferSize int64  `json:"bufferSize,omitempty"`
}

// SwitchRequest moves a recording to a new file or upload id.
type SwitchRequest struct {
	Filename   string `json:"filename"`
	UploadID   int    `json:"uploadId,omitempty"`
	BufferSize int64  `json:"bufferSize,omitempty"`
}

// RecordingStatus is the JSON view of a recording.
type RecordingStatus struct {
	ID       string          `json:"id"`
	Device   string          `json:"device"`
	Channel  string          `json:"channel"`
	Started  time.Time       `json:"started"`
	Filename string          `json:"filename,omitempty"`
	UploadID int             `json:"uploadId,omitempty"`
	Consumer consumer.Status `json:"consumer"`
}

func (r *Recording) Status() RecordingStatus {
	return RecordingStatus{
		ID:       r.ID,
		Device:   r.Device.Name(),
		Channel:  r.Channel,
		Started:  r.Started,
		Filename: r.Consumer.Filename(),
		UploadID: r.Consumer.UploadID(),
		Consumer: r.Consumer.Status(),
	}
}

// StartRecording locks a device and starts streaming req.Channel. The
// number of recordings is capped and excess requests fail immediately.
func (b *Bridge) StartRecording(ctx context.Context, req RecordingRequest) (*Recording, error) {
	if req.Channel == "" {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalid)
	}
	if req.UploadID > 0 && req.Address == "" {
		return nil, fmt.Errorf("%w: address is required with an upload id", ErrInvalid)
	}

	select {
	case b.sem <- struct{}{}:
	default:
		metrics.RecordingsRejectedTotal.Inc()
		b.logger.Warn("recording cap reached", zap.Int("max", cap(b.sem)))
		return nil, ErrCapacity
	}

	rec, err := b.start(ctx, req)
	if err != nil {
		<-b.sem
		return nil, err
	}

	b.mu.Lock()
	b.recordings[rec.ID] = rec
	b.mu.Unlock()
	metrics.ActiveRecordings.Inc()

	b.logger.Info("recording started",
		zap.String("recording", rec.ID),
		zap.String("device", rec.Device.Name()),
		zap.String("channel", rec.Channel),
		zap.String("consumer", rec.Consumer.Name()))
	return rec, nil
}

func (b *Bridge) start(ctx context.Context, req RecordingRequest) (*Recording, error) {
	candidates := b.devices
	if req.Device != "" {
		candidates = nil
		for _, d := range b.devices {
			if d.Name() == req.Device {
				candidates = []capture.Device{d}
			}
		}
		if candidates == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, req.Device)
		}
	}

	creq := capture.Request{
		Channel:    req.Channel,
		Program:    req.Program,
		Quality:    req.Quality,
		Consumer:   req.Consumer,
		Filename:   req.Filename,
		UploadID:   req.UploadID,
		Address:    b.uploadAddr(req.Address),
		BufferSize: req.BufferSize,
	}
	for _, dev := range candidates {
		if dev.IsLocked() {
			continue
		}
		c, err := dev.StartEncoding(ctx, creq)
		if errors.Is(err, capture.ErrLocked) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("start recording on %s: %w", dev.Name(), err)
		}
		return &Recording{
			ID:       uuid.New().String(),
			Device:   dev,
			Channel:  req.Channel,
			Started:  time.Now(),
			Consumer: c,
		}, nil
	}
	return nil, ErrNoFreeDevice
}

// uploadAddr adds the configured upload port to a bare host.
func (b *Bridge) uploadAddr(addr string) string {
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(b.cfg.UploadPort))
}

func (b *Bridge) Recording(id string) (*Recording, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.recordings[id]
	if !ok {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Switch retargets a recording at the next safe boundary. Blocks until the
// switch happens or the recording stops.
func (b *Bridge) Switch(id string, req SwitchRequest) error {
	rec, err := b.Recording(id)
	if err != nil {
		return err
	}
	if req.Filename == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalid)
	}
	if req.UploadID > 0 {
		err = rec.Consumer.SwitchStreamToUploadID(req.Filename, req.BufferSize, req.UploadID)
	} else {
		err = rec.Consumer.SwitchStreamToFilename(req.Filename, req.BufferSize)
	}
	if err != nil {
		return fmt.Errorf("switch recording %s: %w", id, err)
	}
	b.logger.Info("recording switched", zap.String("recording", id), zap.String("filename", req.Filename))
	return nil
}

// StopRecording stops a recording and frees its device.
func (b *Bridge) StopRecording(id string) error {
	b.mu.Lock()
	rec, ok := b.recordings[id]
	if ok {
		delete(b.recordings, id)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}

	rec.Device.StopEncoding()
	<-b.sem
	metrics.ActiveRecordings.Dec()
	b.logger.Info("recording stopped",
		zap.String("recording", id),
		zap.Int64("bytesStreamed", rec.Consumer.BytesStreamed()))
	return nil
}

// Recordings lists recordings in start order.
func (b *Bridge) Recordings() []RecordingStatus {
	b.mu.RLock()
	recs := make([]*Recording, 0, len(b.recordings))
	for _, r := range b.recordings {
		recs = append(recs, r)
	}
	b.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Started.Before(recs[j].Started) })
	out := make([]RecordingStatus, len(recs))
	for i, r := range recs {
		out[i] = r.Status()
	}
	return out
}

// StartScan scans channels, or the configured lineup when channels is
// empty. Only one scan runs at a time.
func (b *Bridge) StartScan(channels []capture.Channel) (*Scan, error) {
	if len(channels) == 0 {
		channels = b.Lineup()
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels to scan", ErrInvalid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.scans {
		if s.scanner.IsRunning() {
			return nil, scan.ErrAlreadyRunning
		}
	}

	id := uuid.New().String()
	s := &Scan{
		ID:      id,
		Started: time.Now(),
		scanner: scan.New(b.devices, scan.Options{Delay: b.cfg.ScanDelay}, b.logger.With(zap.String("scan", id))),
	}
	if err := s.scanner.Start(channels); err != nil {
		return nil, err
	}
	b.scans[id] = s
	return s, nil
}

func (b *Bridge) Scan(id string) (*Scan, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.scans[id]
	if !ok {
		return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// StopScan stops a scan and forgets it.
func (b *Bridge) StopScan(id string) error {
	b.mu.Lock()
	s, ok := b.scans[id]
	delete(b.scans, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	s.scanner.Stop()
	return nil
}

func (b *Bridge) Scans() []ScanStatus {
	b.mu.RLock()
	scans := make([]*Scan, 0, len(b.scans))
	for _, s := range b.scans {
		scans = append(scans, s)
	}
	b.mu.RUnlock()

	sort.Slice(scans, func(i, j int) bool { return scans[i].Started.Before(scans[j].Started) })
	out := make([]ScanStatus, len(scans))
	for i, s := range scans {
		out[i] = s.Status()
	}
	return out
}

// Shutdown stops every scan and recording.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	scans := b.scans
	b.scans = make(map[string]*Scan)
	ids := make([]string, 0, len(b.recordings))
	for id := range b.recordings {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, s := range scans {
		s.scanner.Stop()
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			b.StopRecording(id)
		}(id)
	}
	wg.Wait()
	for _, s := range scans {
		s.scanner.Wait(context.Background())
	}
	b.logger.Info("bridge shutdown complete")
}
