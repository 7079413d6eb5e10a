// Package remux reframes a probed transport stream for output: a program
// filter that drops foreign PIDs and non-advancing frames, and an ffmpeg
// stage for transcoding.
package remux

import (
	"github.com/RenatoCabral2022/tsbridge/internal/mpegts"
)

// Filter keeps only the packets of one program. PAT packets are replaced
// by a single-program PAT, and PES packets whose decode timestamp does not
// strictly advance on their PID are dropped along with their continuation
// packets.
type Filter struct {
	res   *mpegts.ProbeResult
	pids  map[int]bool
	patCC byte

	last     map[int]uint64
	dropping map[int]bool

	dropped int64
}

// NewFilter builds a filter for the program found by mpegts.Probe.
func NewFilter(res *mpegts.ProbeResult) *Filter {
	return &Filter{
		res:      res,
		pids:     res.PIDs(),
		last:     make(map[int]uint64),
		dropping: make(map[int]bool),
	}
}

// Header returns a PAT and PMT pair that makes the output decodable from
// this point on.
func (f *Filter) Header() []byte {
	out := f.pat()
	return append(out, f.res.PMTPacket...)
}

// Dropped returns how many packets were discarded for timestamp reasons.
func (f *Filter) Dropped() int64 { return f.dropped }

func (f *Filter) pat() []byte {
	p := mpegts.BuildPAT(f.res.TransportStreamID, f.res.Program, f.res.PMTPID, f.patCC)
	f.patCC = (f.patCC + 1) & 0x0f
	return p
}

// Append filters one packet and appends it to dst when kept.
func (f *Filter) Append(dst, pkt []byte) []byte {
	view := mpegts.View(pkt, 0)
	pid := view.PID()
	if !f.pids[pid] || view.TransportErrorIndicator() {
		return dst
	}
	if pid == mpegts.PATPID {
		if view.PayloadUnitStartIndicator() {
			return append(dst, f.pat()...)
		}
		return dst
	}
	if pid == f.res.PMTPID {
		return append(dst, pkt...)
	}

	if view.PayloadUnitStartIndicator() {
		if ts, ok := mpegts.DecodeTimestamp(pkt); ok {
			prev, seen := f.last[pid]
			if seen && !mpegts.Advances(prev, ts) {
				f.dropping[pid] = true
				f.dropped++
				return dst
			}
			f.last[pid] = ts
		}
		f.dropping[pid] = false
	} else if f.dropping[pid] {
		f.dropped++
		return dst
	}
	return append(dst, pkt...)
}
