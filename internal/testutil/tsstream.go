package testutil

import (
	"github.com/RenatoCabral2022/tsbridge/internal/mpegts"
)

// Default PIDs used by TSStream.
const (
	DefaultProgram  = 1
	DefaultPMTPID   = 0x100
	DefaultVideoPID = 0x101
	DefaultAudioPID = 0x102
)

// frameInterval is 30 fps on the 90 kHz clock.
const frameInterval = 3000

// TSStream generates a synthetic single-program transport stream with one
// H.264 video stream and, unless NoAudio is set, one AAC audio stream.
type TSStream struct {
	Program  int
	PMTPID   int
	VideoPID int
	AudioPID int
	NoAudio  bool

	cc  map[int]byte
	pts uint64
}

// NewTSStream creates a generator with the default PIDs.
func NewTSStream() *TSStream {
	return &TSStream{
		Program:  DefaultProgram,
		PMTPID:   DefaultPMTPID,
		VideoPID: DefaultVideoPID,
		AudioPID: DefaultAudioPID,
		cc:       make(map[int]byte),
		pts:      90000,
	}
}

func (s *TSStream) next(pid int) byte {
	c := s.cc[pid]
	s.cc[pid] = (c + 1) & 0x0f
	return c
}

// PSI returns a PAT packet followed by a PMT packet.
func (s *TSStream) PSI() []byte {
	streams := []mpegts.ElementaryStream{{PID: s.VideoPID, StreamType: 0x1b}}
	if !s.NoAudio {
		streams = append(streams, mpegts.ElementaryStream{PID: s.AudioPID, StreamType: 0x0f})
	}
	out := mpegts.BuildPAT(1, s.Program, s.PMTPID, s.next(mpegts.PATPID))
	return append(out, mpegts.BuildPMT(s.PMTPID, s.Program, s.VideoPID, streams, s.next(s.PMTPID))...)
}

// Frame returns one video access unit (two packets) and, with audio
// enabled, one audio packet. Timestamps advance by one frame per call.
func (s *TSStream) Frame(keyframe bool) []byte {
	out := s.pesPacket(s.VideoPID, 0xe0, s.pts, s.pts-frameInterval, keyframe)
	out = append(out, s.continuation(s.VideoPID)...)
	if !s.NoAudio {
		out = append(out, s.pesPacket(s.AudioPID, 0xc0, s.pts, 0, false)...)
	}
	s.pts += frameInterval
	return out
}

// RepeatFrame returns a video PES whose DTS does not advance past the
// previous frame's.
func (s *TSStream) RepeatFrame() []byte {
	pts := s.pts - frameInterval
	return s.pesPacket(s.VideoPID, 0xe0, pts, pts-frameInterval, false)
}

// GOP returns PSI followed by frames, the first of which is a keyframe.
func (s *TSStream) GOP(frames int) []byte {
	out := s.PSI()
	for i := 0; i < frames; i++ {
		out = append(out, s.Frame(i == 0)...)
	}
	return out
}

// Null returns n stuffing packets.
func (s *TSStream) Null(n int) []byte {
	out := make([]byte, 0, n*mpegts.PacketSize)
	for i := 0; i < n; i++ {
		p := make([]byte, mpegts.PacketSize)
		p[0] = mpegts.SyncByte
		p[1] = 0x1f
		p[2] = 0xff
		p[3] = 0x10
		out = append(out, p...)
	}
	return out
}

func (s *TSStream) pesPacket(pid int, streamID byte, pts, dts uint64, rai bool) []byte {
	p := make([]byte, mpegts.PacketSize)
	p[0] = mpegts.SyncByte
	p[1] = 0x40 | byte(pid>>8)&0x1f
	p[2] = byte(pid)
	off := 4
	if rai {
		p[3] = 0x30 | s.next(pid)
		p[4] = 1
		p[5] = 0x40
		off = 6
	} else {
		p[3] = 0x10 | s.next(pid)
	}

	hdr := []byte{0, 0, 1, streamID, 0, 0, 0x80}
	if dts > 0 {
		hdr = append(hdr, 0xc0, 10)
		hdr = append(hdr, timestamp(0x3, pts)...)
		hdr = append(hdr, timestamp(0x1, dts)...)
	} else {
		hdr = append(hdr, 0x80, 5)
		hdr = append(hdr, timestamp(0x2, pts)...)
	}
	n := copy(p[off:], hdr)
	for i := off + n; i < mpegts.PacketSize; i++ {
		p[i] = 0xab
	}
	return p
}

func (s *TSStream) continuation(pid int) []byte {
	p := make([]byte, mpegts.PacketSize)
	p[0] = mpegts.SyncByte
	p[1] = byte(pid>>8) & 0x1f
	p[2] = byte(pid)
	p[3] = 0x10 | s.next(pid)
	for i := 4; i < mpegts.PacketSize; i++ {
		p[i] = 0xcd
	}
	return p
}

func timestamp(prefix byte, ts uint64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0e | 1,
		byte(ts >> 22),
		byte(ts>>14)&0xfe | 1,
		byte(ts >> 7),
		byte(ts<<1)&0xfe | 1,
	}
}
