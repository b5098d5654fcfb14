// Package monitor implements canpipe's optional local frame-observability
// endpoint: every CAN frame the tunnel moves, in either direction, is
// broadcast read-only to connected TCP clients (a bus sniffer, a live
// dashboard) independent of the tunnel's own one-to-one wire protocol.
package monitor

import (
	"encoding/binary"
	"fmt"

	"github.com/canpipe/canpipe/internal/can"
)

// Direction tags which leg of the tunnel an observed frame crossed.
type Direction uint8

const (
	ToCAN Direction = iota
	FromCAN
	ToUDP
	FromUDP
)

func (d Direction) String() string {
	switch d {
	case ToCAN:
		return "to_can"
	case FromCAN:
		return "from_can"
	case ToUDP:
		return "to_udp"
	case FromUDP:
		return "from_udp"
	default:
		return "unknown"
	}
}

// Event is one broadcast unit: a CAN frame plus the direction it crossed.
type Event struct {
	Frame can.Frame
	Dir   Direction
}

// entrySize is the wire size of one encoded event: 1 direction byte + 4
// CAN ID bytes + 1 DLC byte + up to 8 data bytes.
const entrySize = 1 + 4 + 1 + 8

// Encode appends ev's wire representation to buf and returns the result.
// The encoding is fixed-width (entrySize bytes, data zero-padded past Len)
// so a client never has to resync mid-stream.
func Encode(buf []byte, ev Event) []byte {
	var tmp [entrySize]byte
	tmp[0] = byte(ev.Dir)
	binary.BigEndian.PutUint32(tmp[1:5], ev.Frame.CANID)
	tmp[5] = ev.Frame.Len
	n := int(ev.Frame.Len)
	if n > len(ev.Frame.Data) {
		n = len(ev.Frame.Data)
	}
	copy(tmp[6:], ev.Frame.Data[:n])
	return append(buf, tmp[:]...)
}

// Decode reads one fixed-width event off the front of buf, returning the
// event and the number of bytes consumed. It is the inverse of Encode; the
// server itself never calls it.
func Decode(buf []byte) (Event, int, error) {
	if len(buf) < entrySize {
		return Event{}, 0, fmt.Errorf("monitor: short entry: have %d want %d", len(buf), entrySize)
	}
	ev := Event{
		Dir: Direction(buf[0]),
	}
	ev.Frame.CANID = binary.BigEndian.Uint32(buf[1:5])
	ev.Frame.Len = buf[5]
	copy(ev.Frame.Data[:], buf[6:entrySize])
	return ev, entrySize, nil
}
