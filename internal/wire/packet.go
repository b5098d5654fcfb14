// Package wire implements canpipe's datagram packet format: a small header
// followed by tightly packed CAN frame entries, as carried over the tunnel's
// UDP socket between peers.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/canpipe/canpipe/internal/can"
)

const (
	// ProtocolVersion is the only version this implementation emits or accepts.
	ProtocolVersion uint8 = 1

	// OpData is the only operation code defined today; others are reserved
	// and rejected as malformed.
	OpData uint8 = 1

	// PacketHeaderSize is version(1) + op_code(1) + seq_no(2) + count(2).
	PacketHeaderSize = 6

	// FrameHeaderSize is can_id(4) + dlc(1), preceding 0..8 payload bytes.
	FrameHeaderSize = 5

	// UDPPayloadSize is the largest total UDP payload canpipe will ever
	// emit, PacketHeaderSize included: a 1500-byte Ethernet MTU minus a
	// 20-byte IPv4 header and an 8-byte UDP header, the same budget the
	// cannelloni project this tunnel descends from ships with.
	UDPPayloadSize = 1472
)

var (
	// ErrShortHeader is returned when a datagram is smaller than PacketHeaderSize.
	ErrShortHeader = errors.New("wire: datagram shorter than packet header")
	// ErrTruncatedEntry is returned when a frame entry's header or payload
	// runs past the end of the datagram.
	ErrTruncatedEntry = errors.New("wire: truncated frame entry")
	// ErrInvalidDLC is returned when a decoded entry claims more than 8 payload bytes.
	ErrInvalidDLC = errors.New("wire: dlc out of range")
)

// Header is a decoded packet header.
type Header struct {
	Version uint8
	OpCode  uint8
	SeqNo   uint16
	Count   uint16
}

// EntrySize returns the wire size of one frame entry for a payload of length dlc.
func EntrySize(dlc uint8) int { return FrameHeaderSize + int(dlc) }

// PutHeader writes a PacketHeaderSize-byte header to buf[0:PacketHeaderSize].
func PutHeader(buf []byte, seqNo, count uint16) {
	buf[0] = ProtocolVersion
	buf[1] = OpData
	binary.BigEndian.PutUint16(buf[2:4], seqNo)
	binary.BigEndian.PutUint16(buf[4:6], count)
}

// ParseHeader decodes the packet header from the start of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < PacketHeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Version: buf[0],
		OpCode:  buf[1],
		SeqNo:   binary.BigEndian.Uint16(buf[2:4]),
		Count:   binary.BigEndian.Uint16(buf[4:6]),
	}, nil
}

// PutEntry encodes one frame entry into buf and returns the number of bytes
// written. The caller must ensure buf has at least EntrySize(f.Len) bytes.
func PutEntry(buf []byte, f can.Frame) int {
	binary.BigEndian.PutUint32(buf[0:4], f.CANID)
	buf[4] = f.Len
	n := copy(buf[FrameHeaderSize:FrameHeaderSize+int(f.Len)], f.Data[:f.Len])
	return FrameHeaderSize + n
}

// DecodeFrames parses exactly count frame entries out of body, bounds
// checking every header and payload against the slice length. It aborts
// with an error on the first truncated or malformed entry; no partial
// result is returned in that case.
func DecodeFrames(body []byte, count uint16) ([]can.Frame, error) {
	frames := make([]can.Frame, 0, count)
	off := 0
	for i := 0; i < int(count); i++ {
		if off+FrameHeaderSize > len(body) {
			return nil, fmt.Errorf("%w: entry %d header", ErrTruncatedEntry, i)
		}
		id := binary.BigEndian.Uint32(body[off : off+4])
		dlc := body[off+4]
		off += FrameHeaderSize
		if dlc > 8 {
			return nil, fmt.Errorf("%w: entry %d dlc=%d", ErrInvalidDLC, i, dlc)
		}
		if off+int(dlc) > len(body) {
			return nil, fmt.Errorf("%w: entry %d payload", ErrTruncatedEntry, i)
		}
		var f can.Frame
		f.CANID = id
		f.Len = dlc
		copy(f.Data[:dlc], body[off:off+int(dlc)])
		off += int(dlc)
		frames = append(frames, f)
	}
	return frames, nil
}
