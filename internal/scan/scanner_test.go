package scan

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/capture"
	"github.com/RenatoCabral2022/tsbridge/internal/consumer"
	"github.com/RenatoCabral2022/tsbridge/internal/testutil"
)

// fakeDevice reports even channel numbers as tunable. Channels listed in
// failures fail that many times before succeeding.
type fakeDevice struct {
	name    string
	delay   time.Duration
	locked  atomic.Int32 // remaining attempts that report ErrLocked
	calls   atomic.Int32
	busy    atomic.Int32
	maxBusy atomic.Int32

	mu       sync.Mutex
	failures map[string]int
	block    bool
}

func (d *fakeDevice) Name() string   { return d.name }
func (d *fakeDevice) IsLocked() bool { return d.busy.Load() > 0 }

func (d *fakeDevice) StartEncoding(context.Context, capture.Request) (consumer.Consumer, error) {
	return nil, consumer.ErrUnsupported
}

func (d *fakeDevice) StopEncoding() {}

func (d *fakeDevice) ChannelInfoOffline(ctx context.Context, ch *capture.Channel) error {
	d.calls.Add(1)
	if n := d.busy.Add(1); n > d.maxBusy.Load() {
		d.maxBusy.Store(n)
	}
	defer d.busy.Add(-1)

	if d.locked.Load() > 0 {
		d.locked.Add(-1)
		return capture.ErrLocked
	}

	d.mu.Lock()
	block := d.block
	fail := d.failures[ch.Number] > 0
	if fail {
		d.failures[ch.Number]--
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("tuner timeout")
	}
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	ch.Tunable = len(ch.Number) > 0 && (ch.Number[len(ch.Number)-1]-'0')%2 == 0
	ch.Scanned = time.Now()
	return nil
}

func lineup(n int) []capture.Channel {
	out := make([]capture.Channel, n)
	for i := range out {
		out[i] = capture.Channel{Number: string(rune('0' + i%10))}
		if i >= 10 {
			out[i].Number = string(rune('0'+i/10)) + out[i].Number
		}
	}
	return out
}

func waitScan(t *testing.T, s *Scanner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("scan did not finish: %v", err)
	}
}

func TestScanAllChannels(t *testing.T) {
	baseline := runtime.NumGoroutine()
	defer testutil.AssertNoGoroutineLeaks(t, baseline, 2, 5*time.Second)

	devs := []*fakeDevice{
		{name: "a", delay: 2 * time.Millisecond},
		{name: "b", delay: 2 * time.Millisecond},
	}
	s := New([]capture.Device{devs[0], devs[1]}, Options{}, zap.NewNop())
	if err := s.Start(lineup(12)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitScan(t, s)

	if !s.IsComplete() || s.IsRunning() || s.IsStopped() {
		t.Errorf("expected complete scan, got %+v", s.Progress())
	}
	if s.Total() != 12 || s.Remaining() != 0 {
		t.Errorf("expected 12 processed, got total=%d remaining=%d", s.Total(), s.Remaining())
	}
	if s.AverageTime() <= 0 || s.Elapsed() <= 0 {
		t.Error("expected timing stats after a scan")
	}

	got := s.ScannedChannelsAndClear()
	if len(got) != 12 {
		t.Fatalf("expected 12 scanned channels, got %d", len(got))
	}
	tunable := 0
	for _, ch := range got {
		if ch.Scanned.IsZero() {
			t.Errorf("channel %s not marked scanned", ch.Number)
		}
		if ch.Tunable {
			tunable++
		}
	}
	if tunable != 6 {
		t.Errorf("expected 6 tunable channels, got %d", tunable)
	}
	if p := s.Progress(); p.Tunable != 6 || p.Failed != 0 {
		t.Errorf("unexpected progress %+v", p)
	}
	if len(s.ScannedChannelsAndClear()) != 0 {
		t.Error("expected scanned list cleared")
	}
	for _, d := range devs {
		if d.maxBusy.Load() > 1 {
			t.Errorf("device %s used concurrently", d.name)
		}
		if d.calls.Load() == 0 {
			t.Errorf("device %s never used", d.name)
		}
	}
}

func TestScanRetries(t *testing.T) {
	dev := &fakeDevice{name: "a", failures: map[string]int{"1": 3, "2": 50}}
	s := New([]capture.Device{dev}, Options{Retries: 5}, zap.NewNop())
	if err := s.Start([]capture.Channel{{Number: "1"}, {Number: "2"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitScan(t, s)

	got := s.ScannedChannelsAndClear()
	sort.Slice(got, func(i, j int) bool { return got[i].Number < got[j].Number })
	if len(got) != 2 {
		t.Fatalf("expected both channels reported, got %d", len(got))
	}
	if got[0].Scanned.IsZero() {
		t.Error("expected channel 1 to succeed after retries")
	}
	if !got[1].Scanned.IsZero() {
		t.Error("expected channel 2 to give up")
	}
	if p := s.Progress(); p.Failed != 1 {
		t.Errorf("expected one failed channel, got %+v", p)
	}
	// 4 attempts for channel 1, 5 for channel 2
	if n := dev.calls.Load(); n != 9 {
		t.Errorf("expected 9 attempts, got %d", n)
	}
}

func TestLockedDeviceDoesNotCountAsRetry(t *testing.T) {
	dev := &fakeDevice{name: "a"}
	dev.locked.Store(3)
	s := New([]capture.Device{dev}, Options{Retries: 1}, zap.NewNop())
	if err := s.Start([]capture.Channel{{Number: "4"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitScan(t, s)

	got := s.ScannedChannelsAndClear()
	if len(got) != 1 || !got[0].Tunable {
		t.Fatalf("expected channel 4 tunable after lock cleared, got %+v", got)
	}
	if n := dev.calls.Load(); n != 4 {
		t.Errorf("expected 4 attempts, got %d", n)
	}
}

func TestStartWhileRunning(t *testing.T) {
	dev := &fakeDevice{name: "a", block: true}
	s := New([]capture.Device{dev}, Options{}, zap.NewNop())
	if err := s.Start(lineup(3)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(lineup(3)); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	s.Stop()
	waitScan(t, s)
}

func TestStopInterruptsScan(t *testing.T) {
	baseline := runtime.NumGoroutine()
	defer testutil.AssertNoGoroutineLeaks(t, baseline, 2, 5*time.Second)

	dev := &fakeDevice{name: "a", block: true}
	s := New([]capture.Device{dev}, Options{Delay: time.Second}, zap.NewNop())
	if err := s.Start(lineup(20)); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for dev.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	waitScan(t, s)
	s.Stop()

	p := s.Progress()
	if p.Running || p.Complete || !p.Stopped {
		t.Errorf("expected stopped incomplete scan, got %+v", p)
	}
	if p.Remaining != 20 {
		t.Errorf("expected nothing processed, got %+v", p)
	}

	dev.mu.Lock()
	dev.block = false
	dev.mu.Unlock()
	if err := s.Start(lineup(2)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitScan(t, s)
	if !s.IsComplete() {
		t.Error("expected restarted scan to complete")
	}
}

func TestNoDevices(t *testing.T) {
	s := New(nil, Options{}, zap.NewNop())
	if err := s.Start(lineup(1)); !errors.Is(err, ErrNoDevices) {
		t.Errorf("expected ErrNoDevices, got %v", err)
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Errorf("wait on idle scanner: %v", err)
	}
}

func TestEmptyLineup(t *testing.T) {
	s := New([]capture.Device{&fakeDevice{name: "a"}}, Options{}, zap.NewNop())
	if err := s.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitScan(t, s)
	if !s.IsComplete() || s.Total() != 0 {
		t.Errorf("expected empty scan to complete, got %+v", s.Progress())
	}
}
