package mpegts

import (
	"errors"
)

var (
	ErrNoSync     = errors.New("no transport stream sync")
	ErrNoPAT      = errors.New("no program association table")
	ErrNoPMT      = errors.New("no program map table")
	ErrNoVideo    = errors.New("no video stream")
	ErrNoAudio    = errors.New("no audio stream")
	ErrIncomplete = errors.New("incomplete codec parameters")
)

// ProbeResult describes the program chosen from a probe window.
type ProbeResult struct {
	TransportStreamID int
	Program           int
	PMTPID            int
	PCRPID            int
	Video             ElementaryStream
	Audio             []ElementaryStream
	Streams           []ElementaryStream
	PMTPacket         []byte
	// Fallback is set when the requested program was absent and the first
	// program in the PAT was used instead.
	Fallback bool
}

// PIDs returns the set of PIDs that belong to the chosen program, PAT included.
func (r *ProbeResult) PIDs() map[int]bool {
	pids := map[int]bool{PATPID: true, r.PMTPID: true}
	if r.PCRPID != NullPID {
		pids[r.PCRPID] = true
	}
	for _, es := range r.Streams {
		pids[es.PID] = true
	}
	return pids
}

// Probe identifies the video and audio streams of program in b. A program
// of 0 or less selects the first program in the PAT. Every error is a
// reason to retry with a wider window.
func Probe(b []byte, program int) (*ProbeResult, error) {
	start := FindSync(b)
	if start < 0 {
		return nil, ErrNoSync
	}

	pat := findPAT(b, start)
	if pat == nil || len(pat.Programs) == 0 {
		return nil, ErrNoPAT
	}

	res := &ProbeResult{TransportStreamID: pat.TransportStreamID}
	chosen := pat.Programs[0]
	if program > 0 {
		found := false
		for _, p := range pat.Programs {
			if p.Number == program {
				chosen, found = p, true
				break
			}
		}
		res.Fallback = !found
	}
	res.Program = chosen.Number
	res.PMTPID = chosen.PMTPID

	pmt, raw := findPMT(b, start, chosen.PMTPID)
	if pmt == nil {
		return nil, ErrNoPMT
	}
	res.PCRPID = pmt.PCRPID
	res.Streams = pmt.Streams
	res.PMTPacket = raw

	seen, started := scanPES(b, start)

	haveVideo := false
	for _, es := range pmt.Streams {
		if es.Kind == KindVideo && seen[es.PID] {
			res.Video = es
			haveVideo = true
			break
		}
	}
	if !haveVideo {
		return nil, ErrNoVideo
	}
	for _, es := range pmt.Streams {
		if es.Kind == KindAudio && seen[es.PID] {
			res.Audio = append(res.Audio, es)
		}
	}
	if len(res.Audio) == 0 {
		return nil, ErrNoAudio
	}

	if !started[res.Video.PID] {
		return nil, ErrIncomplete
	}
	for _, es := range res.Audio {
		if started[es.PID] {
			return res, nil
		}
	}
	return nil, ErrIncomplete
}

func findPAT(b []byte, start int) *PAT {
	for i := start; i+PacketSize <= len(b); i += PacketSize {
		if b[i] != SyncByte {
			continue
		}
		pkt := View(b, i)
		if pkt.PID() != PATPID || !pkt.PayloadUnitStartIndicator() || pkt.TransportErrorIndicator() {
			continue
		}
		payload, err := pkt.Payload()
		if err != nil {
			continue
		}
		if pat, err := ParsePAT(payload); err == nil {
			return pat
		}
	}
	return nil
}

func findPMT(b []byte, start, pid int) (*PMT, []byte) {
	for i := start; i+PacketSize <= len(b); i += PacketSize {
		if b[i] != SyncByte {
			continue
		}
		pkt := View(b, i)
		if pkt.PID() != pid || !pkt.PayloadUnitStartIndicator() || pkt.TransportErrorIndicator() {
			continue
		}
		payload, err := pkt.Payload()
		if err != nil {
			continue
		}
		if pmt, err := ParsePMT(payload); err == nil {
			raw := make([]byte, PacketSize)
			copy(raw, b[i:i+PacketSize])
			return pmt, raw
		}
	}
	return nil, nil
}

// scanPES reports which PIDs carried packets and which started a PES
// packet with a usable timestamp.
func scanPES(b []byte, start int) (seen, started map[int]bool) {
	seen = make(map[int]bool)
	started = make(map[int]bool)
	for i := start; i+PacketSize <= len(b); i += PacketSize {
		if b[i] != SyncByte {
			continue
		}
		pid := View(b, i).PID()
		seen[pid] = true
		if started[pid] {
			continue
		}
		if _, ok := DecodeTimestamp(b[i : i+PacketSize]); ok {
			started[pid] = true
		}
	}
	return seen, started
}
