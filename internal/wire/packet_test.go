package wire

import (
	"testing"

	"github.com/canpipe/canpipe/internal/can"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, PacketHeaderSize)
	PutHeader(buf, 42, 7)
	hdr, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Version != ProtocolVersion || hdr.OpCode != OpData || hdr.SeqNo != 42 || hdr.Count != 7 {
		t.Fatalf("unexpected header: %+v", hdr)
	}
}

func TestParseHeaderShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, PacketHeaderSize-1)); err != ErrShortHeader {
		t.Fatalf("want ErrShortHeader, got %v", err)
	}
}

func TestPutEntryAndDecodeFrames(t *testing.T) {
	frames := []can.Frame{
		{CANID: 0x123, Len: 3, Data: [8]byte{1, 2, 3}},
		{CANID: 0x7FF, Len: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{CANID: 0x1, Len: 0},
	}
	buf := make([]byte, 0, 64)
	for _, f := range frames {
		entry := make([]byte, EntrySize(f.Len))
		n := PutEntry(entry, f)
		if n != len(entry) {
			t.Fatalf("PutEntry wrote %d, want %d", n, len(entry))
		}
		buf = append(buf, entry...)
	}
	decoded, err := DecodeFrames(buf, uint16(len(frames)))
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(decoded) != len(frames) {
		t.Fatalf("got %d frames, want %d", len(decoded), len(frames))
	}
	for i, f := range frames {
		if decoded[i].CANID != f.CANID || decoded[i].Len != f.Len || decoded[i].Data != f.Data {
			t.Fatalf("frame %d: got %+v, want %+v", i, decoded[i], f)
		}
	}
}

func TestDecodeFramesTruncatedHeader(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x02} // shorter than one FrameHeaderSize
	if _, err := DecodeFrames(buf, 1); err == nil {
		t.Fatal("expected truncated-header error")
	}
}

func TestDecodeFramesTruncatedPayload(t *testing.T) {
	buf := make([]byte, FrameHeaderSize)
	buf[4] = 5 // claims 5 payload bytes that are not present
	if _, err := DecodeFrames(buf, 1); err == nil {
		t.Fatal("expected truncated-payload error")
	}
}

func TestDecodeFramesInvalidDLC(t *testing.T) {
	buf := make([]byte, FrameHeaderSize+9)
	buf[4] = 9 // DLC > 8 is invalid for classic CAN
	if _, err := DecodeFrames(buf, 1); err == nil {
		t.Fatal("expected invalid-dlc error")
	}
}

func TestEntriesAtUDPPayloadBoundaryFitAndDecode(t *testing.T) {
	// As many dlc=8 entries as fit in one datagram's total UDPPayloadSize
	// budget, header included, must still decode cleanly, and one more
	// must not fit within that budget.
	capacity := UDPPayloadSize - PacketHeaderSize
	entrySize := EntrySize(8)
	count := capacity / entrySize

	body := make([]byte, count*entrySize)
	for i := 0; i < count; i++ {
		PutEntry(body[i*entrySize:], can.Frame{CANID: uint32(i), Len: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}})
	}
	if PacketHeaderSize+len(body) > UDPPayloadSize {
		t.Fatalf("constructed body already exceeds UDPPayloadSize: %d", PacketHeaderSize+len(body))
	}
	if PacketHeaderSize+len(body)+entrySize <= UDPPayloadSize {
		t.Fatalf("test did not reach the boundary: one more entry would still fit")
	}

	decoded, err := DecodeFrames(body, uint16(count))
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(decoded) != count {
		t.Fatalf("got %d frames, want %d", len(decoded), count)
	}
}

func TestDecodeFramesNoPartialResultOnError(t *testing.T) {
	f := can.Frame{CANID: 1, Len: 1, Data: [8]byte{9}}
	entry := make([]byte, EntrySize(f.Len))
	PutEntry(entry, f)
	// Second entry is truncated.
	buf := append(entry, 0, 0, 0, 0, 5)
	frames, err := DecodeFrames(buf, 2)
	if err == nil {
		t.Fatal("expected error")
	}
	if frames != nil {
		t.Fatalf("expected nil frames on error, got %v", frames)
	}
}
