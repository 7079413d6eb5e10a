package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/metrics"
	"github.com/RenatoCabral2022/tsbridge/internal/ringbuffer"
	"github.com/RenatoCabral2022/tsbridge/internal/sink"
)

// switchRequest is handed from a SwitchStreamTo* caller to the worker.
// Exactly one of out, uploadID or null describes the new target.
type switchRequest struct {
	out        sink.Sink
	filename   string
	uploadID   int
	null       bool
	bufferSize int64
	done       chan error
}

// stallError marks a pipeline failure that should be reported as a stall.
type stallError struct {
	reason string
	msg    string
	err    error
}

func (e *stallError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *stallError) Unwrap() error { return e.err }

func stall(reason, msg string, err error) error {
	return &stallError{reason: reason, msg: msg, err: err}
}

// uploadOpener opens the upload-by-reference sink a variant streams into.
type uploadOpener func(ctx context.Context, addr, filename string, uploadID int, bufferSize int64) (sink.Sink, error)

// base carries the lifecycle, targets and switch rendezvous that every
// variant shares. Variants supply only the pipeline between buffer and relay.
type base struct {
	variant    string
	opts       Options
	root       *zap.Logger
	buf        *ringbuffer.RingBuffer
	openUpload uploadOpener

	mu               sync.Mutex
	logger           *zap.Logger
	state            State
	message          string
	filename         string
	uploadID         int
	uploadAddr       string
	toNull           bool
	recordBufferSize int64
	program          int
	channel          string
	quality          string
	target           string
	streaming        bool
	streamingCh      chan struct{}
	doneCh           chan struct{}
	needsReset       bool
	stopPending      bool
	remote           sink.Remote

	running       atomic.Bool
	stalled       atomic.Bool
	switchPending atomic.Bool
	bytesStreamed atomic.Int64

	switchMu sync.Mutex
	switchCh chan *switchRequest
}

func newBase(variant string, opts Options, logger *zap.Logger) *base {
	opts = opts.normalized()
	logger = logger.With(zap.String("consumer", variant))
	b := &base{
		variant:     variant,
		opts:        opts,
		root:        logger,
		logger:      logger,
		buf:         ringbuffer.New(opts.BufferSize),
		state:       StateIdle,
		message:     "Idle.",
		program:     -1,
		streamingCh: make(chan struct{}),
		doneCh:      make(chan struct{}),
		switchCh:    make(chan *switchRequest),
	}
	b.openUpload = func(ctx context.Context, addr, filename string, id int, size int64) (sink.Sink, error) {
		return sink.OpenUpload(ctx, addr, filename, id, size, b.log())
	}
	return b
}

func (b *base) Name() string { return b.variant }

// Write forwards producer bytes into the circular buffer.
func (b *base) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func (b *base) SetRecordBufferSize(n int64) {
	b.mu.Lock()
	b.recordBufferSize = n
	b.mu.Unlock()
}

func (b *base) SetProgram(program int) {
	b.mu.Lock()
	b.program = program
	b.mu.Unlock()
}

func (b *base) Program() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.program
}

func (b *base) SetChannel(channel string) {
	b.mu.Lock()
	b.channel = channel
	b.logger = b.root.With(zap.String("channel", channel))
	b.mu.Unlock()
}

func (b *base) Channel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel
}

func (b *base) SetEncodingQuality(quality string) {
	b.mu.Lock()
	b.quality = quality
	b.mu.Unlock()
}

func (b *base) EncodingQuality() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quality
}

func (b *base) ConsumeToNull(null bool) {
	b.mu.Lock()
	b.toNull = null
	b.mu.Unlock()
}

func (b *base) log() *zap.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logger
}

// ConsumeToFilename targets a local file, replacing any upload target. The
// file is opened once up front so an unwritable path is reported here.
func (b *base) ConsumeToFilename(path string) error {
	b.mu.Lock()
	size := b.recordBufferSize
	b.mu.Unlock()

	s, err := sink.OpenFile(path, size, b.log())
	if err != nil {
		return err
	}
	s.Close()

	b.mu.Lock()
	b.filename = path
	b.uploadID = 0
	b.uploadAddr = ""
	b.mu.Unlock()
	return nil
}

// ConsumeToUploadID targets an upload on the media server at addr,
// replacing any file target. filename is kept for the direct file fallback.
func (b *base) ConsumeToUploadID(filename string, uploadID int, addr string) error {
	if uploadID <= 0 || addr == "" {
		return fmt.Errorf("upload id %d at %q: %w", uploadID, addr, ErrNoTarget)
	}
	b.mu.Lock()
	b.filename = filename
	b.uploadID = uploadID
	b.uploadAddr = addr
	b.mu.Unlock()
	return nil
}

func (b *base) Filename() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filename
}

func (b *base) UploadID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploadID
}

func (b *base) AcceptsFilename() bool { return true }
func (b *base) AcceptsUploadID() bool { return true }
func (b *base) CanSwitch() bool       { return true }

// switchable returns the done channel of the current run. It is read in the
// same critical section run uses to retire it, so it is always closed once
// the run ends.
func (b *base) switchable() (<-chan struct{}, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running.Load() {
		return nil, false, ErrNotRunning
	}
	return b.doneCh, b.toNull, nil
}

// SwitchStreamToFilename opens path and hands it to the worker.
func (b *base) SwitchStreamToFilename(path string, bufferSize int64) error {
	done, null, err := b.switchable()
	if err != nil {
		return err
	}

	req := &switchRequest{filename: path, bufferSize: bufferSize, null: null, done: make(chan error, 1)}
	if !null {
		out, err := sink.OpenFile(path, bufferSize, b.log())
		if err != nil {
			return err
		}
		req.out = out
	}
	return b.requestSwitch(req, done)
}

// SwitchStreamToUploadID retargets the current upload session to filename.
func (b *base) SwitchStreamToUploadID(filename string, bufferSize int64, uploadID int) error {
	done, null, err := b.switchable()
	if err != nil {
		return err
	}

	return b.requestSwitch(&switchRequest{
		filename:   filename,
		uploadID:   uploadID,
		null:       null,
		bufferSize: bufferSize,
		done:       make(chan error, 1),
	}, done)
}

// requestSwitch is the rendezvous: send the request, then wait for the
// worker's reply or for the run to end.
func (b *base) requestSwitch(req *switchRequest, done <-chan struct{}) error {
	b.switchMu.Lock()
	defer b.switchMu.Unlock()

	select {
	case b.switchCh <- req:
	case <-done:
		if req.out != nil {
			req.out.Close()
		}
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-done:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrStopped
		}
	}
}

// BytesStreamed returns the bytes written to the current target. When the
// server does the container work it is the remote file size, and 0 until
// the server reports the stream initialized.
func (b *base) BytesStreamed() int64 {
	b.mu.Lock()
	remote, streaming := b.remote, b.streaming
	b.mu.Unlock()

	if remote == nil {
		return b.bytesStreamed.Load()
	}
	if !streaming {
		return 0
	}
	n, err := remote.RemoteSize()
	if err != nil {
		b.log().Warn("remote size unavailable, reporting local count", zap.Error(err))
		return b.bytesStreamed.Load()
	}
	return n
}

func (b *base) IsStalled() bool { return b.stalled.Load() }
func (b *base) IsRunning() bool { return b.running.Load() }

func (b *base) StateMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.message
}

// IsStreaming waits up to timeout for the first bytes to reach the sink.
func (b *base) IsStreaming(timeout time.Duration) bool {
	b.mu.Lock()
	if b.streaming {
		b.mu.Unlock()
		return true
	}
	streaming, done := b.streamingCh, b.doneCh
	b.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-streaming:
		return true
	case <-done:
	case <-t.C:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streaming
}

func (b *base) Status() Status {
	streamed := b.BytesStreamed()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Variant:       b.variant,
		State:         b.state,
		Message:       b.message,
		Running:       b.running.Load(),
		Stalled:       b.stalled.Load(),
		SwitchPending: b.switchPending.Load(),
		BytesStreamed: streamed,
		Buffered:      b.buf.Available(),
		Target:        b.target,
		Channel:       b.channel,
		Program:       b.program,
	}
}

// Stop closes the circular buffer, which unblocks every stage of the
// pipeline. A Stop between runs makes the next Run return at once.
func (b *base) Stop() {
	b.mu.Lock()
	if !b.running.Load() {
		b.stopPending = true
	}
	b.mu.Unlock()
	b.interrupt()
}

// interrupt ends the current run only.
func (b *base) interrupt() {
	if b.running.Load() {
		b.setState(StateStopping, "Stopping...")
	}
	b.buf.Close()
}

func (b *base) setState(s State, msg string) {
	b.mu.Lock()
	b.state = s
	b.message = msg
	b.mu.Unlock()
}

// setOutput publishes the sink the relay writes to.
func (b *base) setOutput(out sink.Sink) {
	remote, _ := out.(sink.Remote)
	b.mu.Lock()
	b.target = out.Target()
	b.remote = remote
	b.mu.Unlock()
}

// markStreaming releases IsStreaming waiters once per run.
func (b *base) markStreaming() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streaming {
		return
	}
	b.streaming = true
	close(b.streamingCh)
	if b.state != StateStreaming {
		b.state = StateStreaming
		b.message = "Streaming..."
	}
}

// run executes pipeline once with guaranteed cleanup. Cancellation returns
// nil; anything else is reported as a stall and returned.
func (b *base) run(ctx context.Context, pipeline func(*relay) error) error {
	b.mu.Lock()
	if b.running.Load() {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	if b.stopPending {
		b.stopPending = false
		b.needsReset = true
		b.mu.Unlock()
		b.log().Info("consumer stopped before it started")
		return nil
	}
	if b.needsReset {
		b.buf.Clear()
		b.needsReset = false
	}
	b.running.Store(true)
	done := b.doneCh
	logger := b.logger
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, b.interrupt)
	metrics.ActiveConsumers.WithLabelValues(b.variant).Inc()
	b.stalled.Store(false)
	b.setState(StateOpening, "Opening output...")
	logger.Info("consumer started")

	r := newRelay(b)
	defer func() {
		stop()
		r.close()
		b.buf.Close()
		b.bytesStreamed.Store(0)
		metrics.ActiveConsumers.WithLabelValues(b.variant).Dec()

		b.mu.Lock()
		if b.state != StateStalled {
			b.state = StateStopped
			b.message = "Stopped."
		}
		b.needsReset = true
		b.streaming = false
		b.streamingCh = make(chan struct{})
		b.remote = nil
		b.running.Store(false)
		close(done)
		b.doneCh = make(chan struct{})
		b.mu.Unlock()
	}()

	out, err := b.openOutput(ctx)
	if err != nil {
		return b.fail(stall("open", "Unable to open output", err))
	}
	r.out = out
	b.setOutput(out)
	logger.Info("output opened", zap.String("target", out.Target()))

	err = pipeline(r)
	if err == nil || b.buf.Closed() && !isStall(err) || errors.Is(err, io.EOF) || errors.Is(err, ringbuffer.ErrClosed) {
		if ferr := r.flush(); ferr != nil {
			logger.Warn("final flush failed", zap.Error(ferr))
		}
		logger.Info("consumer stopped", zap.Int64("bytesStreamed", b.bytesStreamed.Load()))
		return nil
	}
	return b.fail(err)
}

func isStall(err error) bool {
	var se *stallError
	return errors.As(err, &se) || errors.Is(err, sink.ErrStalled)
}

func (b *base) fail(err error) error {
	reason, msg := "pipeline", "Stream failed"
	var se *stallError
	if errors.As(err, &se) {
		reason, msg = se.reason, se.msg
	} else if errors.Is(err, sink.ErrStalled) {
		reason, msg = "sink", "Output stalled"
	}
	detail := err
	if se != nil {
		detail = se.err
	}
	b.stalled.Store(true)
	b.setState(StateStalled, fmt.Sprintf("%s: %v.", msg, detail))
	metrics.StallsTotal.WithLabelValues(reason).Inc()
	b.log().Error("consumer stalled", zap.String("reason", reason), zap.Error(err))
	return err
}

// openOutput opens the configured target, falling back from upload to a
// direct file with the same name.
func (b *base) openOutput(ctx context.Context) (sink.Sink, error) {
	b.mu.Lock()
	null, filename, id, addr, size := b.toNull, b.filename, b.uploadID, b.uploadAddr, b.recordBufferSize
	logger := b.logger
	b.mu.Unlock()

	if null {
		return &sink.NullSink{}, nil
	}
	if id > 0 && addr != "" {
		out, err := b.openUpload(ctx, addr, filename, id, size)
		if err == nil {
			return out, nil
		}
		if filename == "" {
			return nil, err
		}
		logger.Warn("upload unavailable, falling back to direct file", zap.Error(err), zap.String("file", filename))
	}
	if filename == "" {
		return nil, ErrNoTarget
	}
	return sink.OpenFile(filename, size, logger)
}
