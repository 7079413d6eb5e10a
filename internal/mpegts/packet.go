// Package mpegts scans MPEG transport stream bytes for the boundaries the
// consumers split and filter on. Header accessors come from gots; PSI
// tables are parsed locally.
package mpegts

import (
	"github.com/Comcast/gots/v2/packet"
)

// PacketSize is the fixed transport stream packet length.
const PacketSize = packet.PacketSize

// SyncByte starts every transport stream packet.
const SyncByte = 0x47

// PATPID carries the program association table.
const PATPID = 0

// NullPID marks stuffing packets.
const NullPID = 0x1fff

// AnyPID matches every PID in the Find helpers.
const AnyPID = -1

// syncRun is how many consecutive sync bytes make a trustworthy alignment.
const syncRun = 3

// View returns the gots packet backed by b[i:i+PacketSize] without copying.
func View(b []byte, i int) *packet.Packet {
	return (*packet.Packet)(b[i : i+PacketSize])
}

// FindSync returns the offset of the first packet boundary in b, or -1.
// A boundary needs sync bytes at three consecutive packet positions; near the
// end of b a shorter run is accepted as long as every sync byte in range agrees.
func FindSync(b []byte) int {
	for i := 0; i+PacketSize <= len(b); i++ {
		if b[i] != SyncByte {
			continue
		}
		ok := true
		for k := 1; k < syncRun; k++ {
			j := i + k*PacketSize
			if j >= len(b) {
				break
			}
			if b[j] != SyncByte {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}

// FindRandomAccess returns the offset of the first packet on pid whose
// adaptation field sets the random access indicator, or -1.
func FindRandomAccess(b []byte, pid int) int {
	start := FindSync(b)
	if start < 0 {
		return -1
	}
	for i := start; i+PacketSize <= len(b); i += PacketSize {
		if b[i] != SyncByte {
			return -1
		}
		pkt := View(b, i)
		if pid != AnyPID && pkt.PID() != pid {
			continue
		}
		if RandomAccess(b[i : i+PacketSize]) {
			return i
		}
	}
	return -1
}

// RandomAccess reports whether a single packet sets the random access indicator.
func RandomAccess(p []byte) bool {
	if len(p) < 6 {
		return false
	}
	pkt := (*packet.Packet)(p[:PacketSize])
	if !pkt.HasAdaptationField() {
		return false
	}
	return p[4] > 0 && p[5]&0x40 != 0
}

// FindPESStart returns the offset of the first packet on pid that starts a
// PES packet, or -1. With AnyPID only video stream ids qualify.
func FindPESStart(b []byte, pid int) int {
	start := FindSync(b)
	if start < 0 {
		return -1
	}
	for i := start; i+PacketSize <= len(b); i += PacketSize {
		if b[i] != SyncByte {
			return -1
		}
		pkt := View(b, i)
		if pid != AnyPID && pkt.PID() != pid {
			continue
		}
		sid, ok := pesStreamID(pkt)
		if !ok {
			continue
		}
		if pid != AnyPID || isVideoStreamID(sid) {
			return i
		}
	}
	return -1
}

// pesStreamID returns the stream id when pkt begins a PES packet.
func pesStreamID(pkt *packet.Packet) (byte, bool) {
	if !pkt.PayloadUnitStartIndicator() || !pkt.HasPayload() {
		return 0, false
	}
	payload, err := pkt.Payload()
	if err != nil || len(payload) < 4 {
		return 0, false
	}
	if payload[0] != 0 || payload[1] != 0 || payload[2] != 1 {
		return 0, false
	}
	return payload[3], true
}

func isVideoStreamID(sid byte) bool {
	return sid&0xf0 == 0xe0
}
