package mpegts

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Table ids.
const (
	TableIDPAT = 0x00
	TableIDPMT = 0x02
)

var (
	ErrShortSection = errors.New("mpegts: section too short")
	ErrTableID      = errors.New("mpegts: unexpected table id")
	ErrCRC          = errors.New("mpegts: crc mismatch")
)

// ParseError records where a PSI section failed to parse.
type ParseError struct {
	Err    error
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Program is one entry of the program association table.
type Program struct {
	Number int
	PMTPID int
}

// PAT is a parsed program association table.
type PAT struct {
	TransportStreamID int
	Programs          []Program
}

// ElementaryStream is one stream declared by a PMT.
type ElementaryStream struct {
	PID        int
	StreamType byte
	Kind       StreamKind
}

// PMT is a parsed program map table.
type PMT struct {
	Program int
	PCRPID  int
	Streams []ElementaryStream
}

// StreamKind classifies an elementary stream.
type StreamKind int

const (
	KindOther StreamKind = iota
	KindVideo
	KindAudio
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "other"
}

// section strips the pointer field and validates the table header and CRC.
// It returns the section bytes from table_id through the CRC.
func section(payload []byte, tableID byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, &ParseError{Err: ErrShortSection}
	}
	off := 1 + int(payload[0])
	if off+3 > len(payload) {
		return nil, &ParseError{Err: ErrShortSection, Offset: off}
	}
	if payload[off] != tableID {
		return nil, &ParseError{Err: ErrTableID, Offset: off}
	}
	length := int(binary.BigEndian.Uint16(payload[off+1:off+3]) & 0x0fff)
	end := off + 3 + length
	if length < 9 || end > len(payload) {
		return nil, &ParseError{Err: ErrShortSection, Offset: off + 1}
	}
	sec := payload[off:end]
	want := binary.BigEndian.Uint32(sec[len(sec)-4:])
	if got := CRC32(sec[:len(sec)-4]); got != want {
		return nil, &ParseError{Err: ErrCRC, Offset: end - 4}
	}
	return sec, nil
}

// ParsePAT parses a PAT from a packet payload that starts a section.
func ParsePAT(payload []byte) (*PAT, error) {
	sec, err := section(payload, TableIDPAT)
	if err != nil {
		return nil, err
	}
	pat := &PAT{TransportStreamID: int(binary.BigEndian.Uint16(sec[3:5]))}
	for i := 8; i+4 <= len(sec)-4; i += 4 {
		number := int(binary.BigEndian.Uint16(sec[i : i+2]))
		pid := int(binary.BigEndian.Uint16(sec[i+2:i+4]) & 0x1fff)
		if number == 0 {
			continue // network information table
		}
		pat.Programs = append(pat.Programs, Program{Number: number, PMTPID: pid})
	}
	return pat, nil
}

// ParsePMT parses a PMT from a packet payload that starts a section.
func ParsePMT(payload []byte) (*PMT, error) {
	sec, err := section(payload, TableIDPMT)
	if err != nil {
		return nil, err
	}
	if len(sec) < 16 {
		return nil, &ParseError{Err: ErrShortSection, Offset: len(sec)}
	}
	pmt := &PMT{
		Program: int(binary.BigEndian.Uint16(sec[3:5])),
		PCRPID:  int(binary.BigEndian.Uint16(sec[8:10]) & 0x1fff),
	}
	infoLen := int(binary.BigEndian.Uint16(sec[10:12]) & 0x0fff)
	i := 12 + infoLen
	end := len(sec) - 4
	for i+5 <= end {
		st := sec[i]
		pid := int(binary.BigEndian.Uint16(sec[i+1:i+3]) & 0x1fff)
		esLen := int(binary.BigEndian.Uint16(sec[i+3:i+5]) & 0x0fff)
		if i+5+esLen > end {
			return nil, &ParseError{Err: ErrShortSection, Offset: i}
		}
		pmt.Streams = append(pmt.Streams, ElementaryStream{
			PID:        pid,
			StreamType: st,
			Kind:       classify(st, sec[i+5:i+5+esLen]),
		})
		i += 5 + esLen
	}
	return pmt, nil
}

func classify(streamType byte, descriptors []byte) StreamKind {
	switch streamType {
	case 0x01, 0x02, 0x10, 0x1b, 0x24, 0x80:
		return KindVideo
	case 0x03, 0x04, 0x0f, 0x11, 0x81, 0x87:
		return KindAudio
	case 0x06:
		// private data carrying AC-3 or E-AC-3 descriptors
		for i := 0; i+2 <= len(descriptors); i += 2 + int(descriptors[i+1]) {
			if tag := descriptors[i]; tag == 0x6a || tag == 0x7a || tag == 0x05 {
				return KindAudio
			}
		}
	}
	return KindOther
}

// BuildPAT returns a single-section PAT packet that lists one program.
func BuildPAT(tsid, program, pmtPID int, cc byte) []byte {
	body := make([]byte, 0, 16)
	body = append(body, TableIDPAT, 0, 0)
	body = binary.BigEndian.AppendUint16(body, uint16(tsid))
	body = append(body, 0xc1, 0x00, 0x00)
	body = binary.BigEndian.AppendUint16(body, uint16(program))
	body = binary.BigEndian.AppendUint16(body, 0xe000|uint16(pmtPID))
	return psiPacket(PATPID, body, cc)
}

// BuildPMT returns a single-section PMT packet for program with the given streams.
func BuildPMT(pmtPID, program, pcrPID int, streams []ElementaryStream, cc byte) []byte {
	body := make([]byte, 0, 32)
	body = append(body, TableIDPMT, 0, 0)
	body = binary.BigEndian.AppendUint16(body, uint16(program))
	body = append(body, 0xc1, 0x00, 0x00)
	body = binary.BigEndian.AppendUint16(body, 0xe000|uint16(pcrPID))
	body = binary.BigEndian.AppendUint16(body, 0xf000)
	for _, es := range streams {
		body = append(body, es.StreamType)
		body = binary.BigEndian.AppendUint16(body, 0xe000|uint16(es.PID))
		body = binary.BigEndian.AppendUint16(body, 0xf000)
	}
	return psiPacket(pmtPID, body, cc)
}

// psiPacket fills in section_length, appends the CRC and pads one packet.
func psiPacket(pid int, body []byte, cc byte) []byte {
	length := len(body) - 3 + 4
	binary.BigEndian.PutUint16(body[1:3], 0xb000|uint16(length))
	body = binary.BigEndian.AppendUint32(body, CRC32(body))

	p := make([]byte, PacketSize)
	p[0] = SyncByte
	p[1] = 0x40 | byte(pid>>8)&0x1f
	p[2] = byte(pid)
	p[3] = 0x10 | cc&0x0f
	p[4] = 0 // pointer field
	n := copy(p[5:], body)
	for i := 5 + n; i < PacketSize; i++ {
		p[i] = 0xff
	}
	return p
}
