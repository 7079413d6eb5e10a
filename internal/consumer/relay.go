package consumer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/metrics"
	"github.com/RenatoCabral2022/tsbridge/internal/mpegts"
	"github.com/RenatoCabral2022/tsbridge/internal/sink"
)

// switchOpenTimeout bounds dialing a new upload session during a switch.
const switchOpenTimeout = 10 * time.Second

// relay is the only writer to the output sink. It owns the pending switch
// request once the worker has picked it up and applies it at the first safe
// split point in the outgoing bytes.
type relay struct {
	b   *base
	out sink.Sink

	// videoPID narrows the boundary search once detection knows it.
	videoPID int
	// header is written in front of the first bytes after a switch.
	header func() []byte

	pending  *switchRequest
	attempts int
	carry    []byte
}

func newRelay(b *base) *relay {
	return &relay{b: b, videoPID: mpegts.AnyPID}
}

// poll takes a waiting switch request without blocking.
func (r *relay) poll() {
	if r.pending != nil {
		return
	}
	select {
	case req := <-r.b.switchCh:
		r.pending = req
		r.attempts = 0
		r.b.switchPending.Store(true)
	default:
	}
}

// switching reports whether a switch is waiting for a boundary.
func (r *relay) switching() bool {
	r.poll()
	return r.pending != nil
}

// write hands p to the output. While a switch is pending the bytes before
// the split point go to the old target and the rest are held until the next
// call so the counter reads 0 when the requester wakes up.
func (r *relay) write(p []byte) error {
	if err := r.flush(); err != nil {
		return err
	}
	r.poll()
	if r.pending == nil {
		return r.commit(p)
	}

	idx, boundary := r.splitPoint(p)
	r.attempts++
	if idx < 0 {
		return r.commit(p)
	}
	if err := r.commit(p[:idx]); err != nil {
		return err
	}
	if err := r.applySwitch(boundary); err != nil {
		return err
	}

	var carry []byte
	if r.header != nil {
		carry = r.header()
	}
	r.carry = append(carry, p[idx:]...)
	return nil
}

// flush writes bytes held back by the last switch.
func (r *relay) flush() error {
	if len(r.carry) == 0 {
		return nil
	}
	carry := r.carry
	r.carry = nil
	return r.commit(carry)
}

// commit writes p and counts it only once the sink has accepted it.
func (r *relay) commit(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := r.out.Write(p)
	if n > 0 {
		r.b.bytesStreamed.Add(int64(n))
		metrics.BytesStreamedTotal.WithLabelValues(r.b.variant).Add(float64(n))
		r.started()
	}
	if err != nil {
		return stall("sink", "Output stalled", err)
	}
	return nil
}

// started marks the run streaming. A remote remux only counts once the
// server has recognized the stream.
func (r *relay) started() {
	if remote, ok := r.out.(sink.Remote); ok {
		ready, err := remote.Initialized()
		if err != nil {
			r.b.log().Debug("remote remux not ready", zap.Error(err))
		}
		if !ready {
			return
		}
	}
	r.b.markStreaming()
}

// splitPoint looks for a random access point first, then any PES start,
// then plain packet alignment as the attempts run out.
func (r *relay) splitPoint(p []byte) (int, string) {
	n := r.b.opts.SwitchAttempts
	switch {
	case r.attempts < n:
		return mpegts.FindRandomAccess(p, r.videoPID), "rai"
	case r.attempts < 2*n:
		return mpegts.FindPESStart(p, r.videoPID), "pes"
	default:
		return mpegts.FindSync(p), "packet"
	}
}

func (r *relay) applySwitch(boundary string) error {
	req := r.pending
	r.pending = nil
	r.b.switchPending.Store(false)

	err := r.retarget(req)
	if err == nil {
		r.b.bytesStreamed.Store(0)
		metrics.SwitchesTotal.WithLabelValues(boundary).Inc()
		r.b.log().Info("output switched",
			zap.String("target", r.out.Target()),
			zap.String("boundary", boundary),
			zap.Int("attempts", r.attempts))
	}
	req.done <- err
	if err != nil {
		return stall("switch", "Switch failed", err)
	}
	return nil
}

func (r *relay) retarget(req *switchRequest) error {
	b := r.b
	switch {
	case req.null:
	case req.out != nil:
		r.replace(req.out)
	default:
		if sw, ok := r.out.(sink.Switcher); ok {
			if err := sw.Switch(req.filename, req.uploadID, req.bufferSize); err != nil {
				return err
			}
			break
		}
		out, err := r.openUpload(req)
		if err != nil {
			return err
		}
		r.replace(out)
	}

	b.mu.Lock()
	b.filename = req.filename
	b.recordBufferSize = req.bufferSize
	if req.out != nil {
		b.uploadID = 0
		b.uploadAddr = ""
	} else if !req.null {
		b.uploadID = req.uploadID
	}
	b.target = r.out.Target()
	b.remote, _ = r.out.(sink.Remote)
	b.mu.Unlock()
	return nil
}

// openUpload serves an upload switch when the current output cannot
// retarget itself, falling back to a direct file like the initial open does.
func (r *relay) openUpload(req *switchRequest) (sink.Sink, error) {
	b := r.b
	b.mu.Lock()
	addr := b.uploadAddr
	b.mu.Unlock()

	if addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), switchOpenTimeout)
		out, err := b.openUpload(ctx, addr, req.filename, req.uploadID, req.bufferSize)
		cancel()
		if err == nil {
			return out, nil
		}
		b.log().Warn("upload unavailable, switching to direct file", zap.Error(err), zap.String("file", req.filename))
	}
	if req.filename == "" {
		return nil, ErrNoTarget
	}
	return sink.OpenFile(req.filename, req.bufferSize, b.log())
}

func (r *relay) replace(out sink.Sink) {
	if err := r.out.Close(); err != nil {
		r.b.log().Warn("closing previous output", zap.Error(err))
	}
	r.out = out
}

// close rejects a switch that never found its boundary and releases the output.
func (r *relay) close() {
	if req := r.pending; req != nil {
		r.pending = nil
		r.b.switchPending.Store(false)
		if req.out != nil {
			req.out.Close()
		}
		req.done <- ErrStopped
	}
	if r.out != nil {
		if err := r.out.Close(); err != nil && !errors.Is(err, sink.ErrStalled) {
			r.b.log().Warn("closing output", zap.Error(err))
		}
	}
}

// relayWriter lets an external process write straight through the relay.
type relayWriter struct{ r *relay }

func (w relayWriter) Write(p []byte) (int, error) {
	if err := w.r.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
