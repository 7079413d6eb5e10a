package mpegts_test

import (
	"errors"
	"testing"

	"github.com/RenatoCabral2022/tsbridge/internal/mpegts"
	"github.com/RenatoCabral2022/tsbridge/internal/testutil"
)

func TestFindSyncSkipsGarbage(t *testing.T) {
	ts := testutil.NewTSStream()
	data := append([]byte{0x47, 0x00, 0x12, 0x47, 0x99}, ts.GOP(2)...)

	if got := mpegts.FindSync(data); got != 5 {
		t.Errorf("expected sync at 5, got %d", got)
	}
	if got := mpegts.FindSync([]byte{1, 2, 3}); got != -1 {
		t.Errorf("expected -1 for short input, got %d", got)
	}
}

func TestFindRandomAccess(t *testing.T) {
	ts := testutil.NewTSStream()
	data := ts.PSI()
	data = append(data, ts.Frame(false)...)
	keyAt := len(data)
	data = append(data, ts.Frame(true)...)

	if got := mpegts.FindRandomAccess(data, testutil.DefaultVideoPID); got != keyAt {
		t.Errorf("expected random access at %d, got %d", keyAt, got)
	}
	if got := mpegts.FindRandomAccess(data, 0x555); got != -1 {
		t.Errorf("expected -1 for unknown PID, got %d", got)
	}
}

func TestFindPESStart(t *testing.T) {
	ts := testutil.NewTSStream()
	data := ts.PSI()
	videoAt := len(data)
	data = append(data, ts.Frame(false)...)

	if got := mpegts.FindPESStart(data, mpegts.AnyPID); got != videoAt {
		t.Errorf("expected video PES at %d, got %d", videoAt, got)
	}
	audioAt := videoAt + 2*mpegts.PacketSize
	if got := mpegts.FindPESStart(data, testutil.DefaultAudioPID); got != audioAt {
		t.Errorf("expected audio PES at %d, got %d", audioAt, got)
	}
	if got := mpegts.FindPESStart(ts.Null(4), mpegts.AnyPID); got != -1 {
		t.Errorf("expected -1 in stuffing, got %d", got)
	}
}

func TestProbeFindsProgram(t *testing.T) {
	ts := testutil.NewTSStream()
	res, err := mpegts.Probe(ts.GOP(4), 0)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.Program != testutil.DefaultProgram || res.PMTPID != testutil.DefaultPMTPID {
		t.Errorf("unexpected program %d pmt %d", res.Program, res.PMTPID)
	}
	if res.Video.PID != testutil.DefaultVideoPID {
		t.Errorf("expected video PID %d, got %d", testutil.DefaultVideoPID, res.Video.PID)
	}
	if len(res.Audio) != 1 || res.Audio[0].PID != testutil.DefaultAudioPID {
		t.Errorf("unexpected audio streams %+v", res.Audio)
	}
	pids := res.PIDs()
	for _, pid := range []int{0, testutil.DefaultPMTPID, testutil.DefaultVideoPID, testutil.DefaultAudioPID} {
		if !pids[pid] {
			t.Errorf("expected PID %d in program set", pid)
		}
	}
}

func TestProbeFallsBackToFirstProgram(t *testing.T) {
	ts := testutil.NewTSStream()
	res, err := mpegts.Probe(ts.GOP(2), 77)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !res.Fallback || res.Program != testutil.DefaultProgram {
		t.Errorf("expected fallback to program %d, got %+v", testutil.DefaultProgram, res)
	}
}

func TestProbeErrors(t *testing.T) {
	noAudio := testutil.NewTSStream()
	noAudio.NoAudio = true

	psiOnly := testutil.NewTSStream()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"no sync", []byte("not a transport stream at all"), mpegts.ErrNoSync},
		{"stuffing only", testutil.NewTSStream().Null(10), mpegts.ErrNoPAT},
		{"no audio", noAudio.GOP(3), mpegts.ErrNoAudio},
		{"no elementary data", psiOnly.PSI(), mpegts.ErrNoVideo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mpegts.Probe(tt.data, 0)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParsePATRejectsBadCRC(t *testing.T) {
	pkt := mpegts.BuildPAT(1, 1, 0x100, 0)
	pkt[20]-- // inside the CRC
	payload, _ := mpegts.View(pkt, 0).Payload()
	_, err := mpegts.ParsePAT(payload)
	if !errors.Is(err, mpegts.ErrCRC) {
		t.Errorf("expected ErrCRC, got %v", err)
	}
	var perr *mpegts.ParseError
	if !errors.As(err, &perr) {
		t.Errorf("expected *ParseError, got %T", err)
	}
}

func TestParsePMTClassifiesStreams(t *testing.T) {
	streams := []mpegts.ElementaryStream{
		{PID: 0x31, StreamType: 0x02},
		{PID: 0x34, StreamType: 0x81},
		{PID: 0x40, StreamType: 0x86},
	}
	pkt := mpegts.BuildPMT(0x30, 3, 0x31, streams, 0)
	payload, _ := mpegts.View(pkt, 0).Payload()
	pmt, err := mpegts.ParsePMT(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []mpegts.StreamKind{mpegts.KindVideo, mpegts.KindAudio, mpegts.KindOther}
	for i, es := range pmt.Streams {
		if es.Kind != want[i] {
			t.Errorf("stream %d: expected %v, got %v", i, want[i], es.Kind)
		}
	}
	if pmt.Program != 3 || pmt.PCRPID != 0x31 {
		t.Errorf("unexpected PMT header %+v", pmt)
	}
}

func TestDecodeTimestamp(t *testing.T) {
	ts := testutil.NewTSStream()
	frame := ts.Frame(true)
	dts, ok := mpegts.DecodeTimestamp(frame[:mpegts.PacketSize])
	if !ok || dts != 87000 {
		t.Errorf("expected DTS 87000, got %d (%v)", dts, ok)
	}
	audio := frame[2*mpegts.PacketSize : 3*mpegts.PacketSize]
	if pts, ok := mpegts.DecodeTimestamp(audio); !ok || pts != 90000 {
		t.Errorf("expected audio PTS 90000, got %d (%v)", pts, ok)
	}
	if _, ok := mpegts.DecodeTimestamp(frame[mpegts.PacketSize : 2*mpegts.PacketSize]); ok {
		t.Error("continuation packet should not carry a timestamp")
	}
}

func TestAdvances(t *testing.T) {
	const wrap = uint64(1) << 33
	tests := []struct {
		prev, next uint64
		want       bool
	}{
		{1000, 4000, true},
		{4000, 4000, false},
		{4000, 1000, false},
		{wrap - 1500, 1500, true},
		{1500, wrap - 1500, false},
	}
	for _, tt := range tests {
		if got := mpegts.Advances(tt.prev, tt.next); got != tt.want {
			t.Errorf("Advances(%d, %d) = %v, want %v", tt.prev, tt.next, got, tt.want)
		}
	}
}
