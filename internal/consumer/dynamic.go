package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Selector maps channels to consumer variants. Rules can be replaced at any
// time; lookups see either the old or the new set.
type Selector struct {
	logger *zap.Logger

	mu       sync.RWMutex
	def      string
	channels map[string]string
}

// NewSelector returns a selector that picks def for every channel.
func NewSelector(def string, logger *zap.Logger) *Selector {
	s := &Selector{logger: logger}
	if err := s.Update(def, nil); err != nil {
		logger.Warn("invalid default consumer", zap.Error(err))
	}
	return s
}

// Update replaces the default and the rules. rules maps a variant name to a
// channel range list as accepted by ParseChannelRanges; later variants win
// on overlap in name order. Invalid parts are skipped and reported.
func (s *Selector) Update(def string, rules map[string]string) error {
	var errs []error
	if !Selectable(def) {
		errs = append(errs, fmt.Errorf("default consumer %q is not selectable, using %q", def, VariantRemux))
		def = VariantRemux
	}

	channels := make(map[string]string)
	for _, name := range sortedKeys(rules) {
		if !Selectable(name) {
			errs = append(errs, fmt.Errorf("consumer %q is not selectable", name))
			continue
		}
		list, err := ParseChannelRanges(rules[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		for _, ch := range list {
			channels[ch] = name
		}
	}

	s.mu.Lock()
	s.def = def
	s.channels = channels
	s.mu.Unlock()

	s.logger.Info("consumer selector updated", zap.String("default", def), zap.Int("channels", len(channels)))
	return errors.Join(errs...)
}

// Select returns the variant for channel, or the default.
func (s *Selector) Select(channel string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name, ok := s.channels[channel]; ok {
		return name
	}
	return s.def
}

// Default returns the variant used for unmapped channels.
func (s *Selector) Default() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dynamic defers the choice of pipeline until the channel is known. Settings
// applied before that are remembered and handed to the chosen consumer.
type Dynamic struct {
	factory *Factory
	logger  *zap.Logger

	mu               sync.Mutex
	c                Consumer
	recordBufferSize int64
	program          int
	channel          string
	quality          string
	null             bool
}

var _ Consumer = (*Dynamic)(nil)

// NewDynamic returns an unresolved dynamic consumer.
func NewDynamic(f *Factory) *Dynamic {
	return &Dynamic{
		factory: f,
		logger:  f.logger.With(zap.String("consumer", VariantDynamic)),
		program: -1,
	}
}

// resolve picks the concrete consumer on first use.
func (d *Dynamic) resolve() Consumer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil {
		return d.c
	}

	name := d.factory.selector.Select(d.channel)
	c, err := d.factory.concrete(name)
	if err != nil {
		d.logger.Warn("selected consumer unavailable, using remux", zap.String("selected", name), zap.Error(err))
		c, _ = d.factory.concrete(VariantRemux)
	}
	d.logger.Info("consumer selected", zap.String("channel", d.channel), zap.String("selected", c.Name()))

	c.SetRecordBufferSize(d.recordBufferSize)
	c.SetProgram(d.program)
	c.SetChannel(d.channel)
	c.SetEncodingQuality(d.quality)
	c.ConsumeToNull(d.null)
	d.c = c
	return c
}

// current returns the chosen consumer without choosing one.
func (d *Dynamic) current() Consumer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}

// Selected returns the variant name of the chosen consumer, or "" before
// the choice is made.
func (d *Dynamic) Selected() string {
	if c := d.current(); c != nil {
		return c.Name()
	}
	return ""
}

func (d *Dynamic) Run(ctx context.Context) error { return d.resolve().Run(ctx) }

func (d *Dynamic) Stop() {
	if c := d.current(); c != nil {
		c.Stop()
	}
}

func (d *Dynamic) Write(p []byte) (int, error) { return d.resolve().Write(p) }

func (d *Dynamic) SetRecordBufferSize(n int64) {
	d.mu.Lock()
	d.recordBufferSize = n
	c := d.c
	d.mu.Unlock()
	if c != nil {
		c.SetRecordBufferSize(n)
	}
}

func (d *Dynamic) SetProgram(program int) {
	d.mu.Lock()
	d.program = program
	c := d.c
	d.mu.Unlock()
	if c != nil {
		c.SetProgram(program)
	}
}

func (d *Dynamic) Program() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.program
}

func (d *Dynamic) SetChannel(channel string) {
	d.mu.Lock()
	d.channel = channel
	c := d.c
	d.mu.Unlock()
	if c != nil {
		c.SetChannel(channel)
	}
}

func (d *Dynamic) Channel() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

func (d *Dynamic) SetEncodingQuality(quality string) {
	d.mu.Lock()
	d.quality = quality
	c := d.c
	d.mu.Unlock()
	if c != nil {
		c.SetEncodingQuality(quality)
	}
}

func (d *Dynamic) EncodingQuality() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quality
}

func (d *Dynamic) ConsumeToNull(null bool) {
	d.mu.Lock()
	d.null = null
	c := d.c
	d.mu.Unlock()
	if c != nil {
		c.ConsumeToNull(null)
	}
}

func (d *Dynamic) ConsumeToFilename(path string) error {
	return d.resolve().ConsumeToFilename(path)
}

func (d *Dynamic) ConsumeToUploadID(filename string, uploadID int, addr string) error {
	return d.resolve().ConsumeToUploadID(filename, uploadID, addr)
}

func (d *Dynamic) SwitchStreamToFilename(path string, bufferSize int64) error {
	return d.resolve().SwitchStreamToFilename(path, bufferSize)
}

func (d *Dynamic) SwitchStreamToUploadID(filename string, bufferSize int64, uploadID int) error {
	return d.resolve().SwitchStreamToUploadID(filename, bufferSize, uploadID)
}

func (d *Dynamic) AcceptsFilename() bool { return d.resolve().AcceptsFilename() }
func (d *Dynamic) AcceptsUploadID() bool { return d.resolve().AcceptsUploadID() }
func (d *Dynamic) CanSwitch() bool       { return d.resolve().CanSwitch() }

func (d *Dynamic) Filename() string {
	if c := d.current(); c != nil {
		return c.Filename()
	}
	return ""
}

func (d *Dynamic) UploadID() int {
	if c := d.current(); c != nil {
		return c.UploadID()
	}
	return 0
}

func (d *Dynamic) BytesStreamed() int64 {
	if c := d.current(); c != nil {
		return c.BytesStreamed()
	}
	return 0
}

func (d *Dynamic) IsStreaming(timeout time.Duration) bool {
	return d.resolve().IsStreaming(timeout)
}

func (d *Dynamic) IsStalled() bool {
	if c := d.current(); c != nil {
		return c.IsStalled()
	}
	return false
}

func (d *Dynamic) IsRunning() bool {
	if c := d.current(); c != nil {
		return c.IsRunning()
	}
	return false
}

func (d *Dynamic) StateMessage() string {
	if c := d.current(); c != nil {
		return c.StateMessage()
	}
	return "Idle."
}

func (d *Dynamic) Status() Status {
	if c := d.current(); c != nil {
		return c.Status()
	}
	return Status{
		Variant: VariantDynamic,
		State:   StateIdle,
		Message: "Idle.",
		Channel: d.Channel(),
		Program: d.Program(),
	}
}

func (d *Dynamic) Name() string { return VariantDynamic }
