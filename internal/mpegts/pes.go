package mpegts

import (
	"github.com/Comcast/gots/v2/pes"
)

// tsWrap is the 33-bit PTS/DTS modulus.
const tsWrap = 1 << 33

// DecodeTimestamp returns the DTS of the PES packet starting in p, falling
// back to the PTS when no DTS is present. ok is false when p does not start
// a PES packet or carries neither timestamp.
func DecodeTimestamp(p []byte) (ts uint64, ok bool) {
	if len(p) < PacketSize {
		return 0, false
	}
	pkt := View(p, 0)
	if _, start := pesStreamID(pkt); !start {
		return 0, false
	}
	payload, err := pkt.Payload()
	if err != nil {
		return 0, false
	}
	hdr, err := pes.NewPESHeader(payload)
	if err != nil {
		return 0, false
	}
	switch {
	case hdr.HasDTS():
		return hdr.DTS(), true
	case hdr.HasPTS():
		return hdr.PTS(), true
	}
	return 0, false
}

// Advances reports whether next is strictly later than prev on the 33-bit
// clock. A backwards jump of more than half the range counts as a wrap.
func Advances(prev, next uint64) bool {
	if next > prev {
		return next-prev < tsWrap/2
	}
	return prev-next > tsWrap/2
}
