package udpworker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/canpipe/canpipe/internal/can"
	"github.com/canpipe/canpipe/internal/logging"
	"github.com/canpipe/canpipe/internal/wire"
)

type fakeCANSink struct {
	mu     sync.Mutex
	frames []can.Frame
	notify chan struct{}
}

func newFakeCANSink() *fakeCANSink {
	return &fakeCANSink{notify: make(chan struct{}, 64)}
}

func (f *fakeCANSink) InjectBatch(frames []can.Frame) {
	f.mu.Lock()
	f.frames = append(f.frames, frames...)
	f.mu.Unlock()
	f.notify <- struct{}{}
}

func (f *fakeCANSink) snapshot() []can.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]can.Frame(nil), f.frames...)
}

func newLoopbackPair(t *testing.T) (a, b *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	return a, b
}

func TestEnqueueFlushesOnTimer(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer b.Close()

	w := New(a, b.LocalAddr().(*net.UDPAddr), 20*time.Millisecond, logging.L(), nil)
	sink := newFakeCANSink()

	other := New(b, a.LocalAddr().(*net.UDPAddr), time.Hour, logging.L(), nil)
	other.SetCANSink(sink)
	other.Start()
	defer other.Stop()

	w.Start()
	defer w.Stop()

	w.EnqueueForUDP(can.Frame{CANID: 0x42, Len: 2, Data: [8]byte{0xAA, 0xBB}})

	select {
	case <-sink.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame to arrive")
	}

	got := sink.snapshot()
	if len(got) != 1 || got[0].CANID != 0x42 || got[0].Len != 2 {
		t.Fatalf("unexpected frames: %+v", got)
	}
}

func TestEnqueueSortsByCANIDOnFlush(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer b.Close()

	w := New(a, b.LocalAddr().(*net.UDPAddr), 15*time.Millisecond, logging.L(), nil)
	sink := newFakeCANSink()
	other := New(b, a.LocalAddr().(*net.UDPAddr), time.Hour, logging.L(), nil)
	other.SetCANSink(sink)
	other.Start()
	defer other.Stop()

	w.Start()
	defer w.Stop()

	ids := []uint32{0x300, 0x100, 0x200}
	for _, id := range ids {
		w.EnqueueForUDP(can.Frame{CANID: id, Len: 0})
	}

	select {
	case <-sink.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frames")
	}

	got := sink.snapshot()
	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CANID < got[i-1].CANID {
			t.Fatalf("frames not sorted by CAN ID: %+v", got)
		}
	}
}

func TestHandleDatagramRejectsPeerMismatch(t *testing.T) {
	a, b := newLoopbackPair(t)
	stranger, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen stranger: %v", err)
	}
	defer stranger.Close()
	defer b.Close()

	// Peer filtering compares source IPs only, so the configured peer must
	// sit on a different IP than the stranger (127.0.0.1) for the drop to
	// be exercised.
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2), Port: b.LocalAddr().(*net.UDPAddr).Port}
	sink := newFakeCANSink()
	w := New(a, peer, time.Hour, logging.L(), nil)
	w.SetCANSink(sink)
	w.Start()
	defer w.Stop()

	buf := make([]byte, wire.PacketHeaderSize+wire.FrameHeaderSize)
	wire.PutHeader(buf, 1, 1)
	wire.PutEntry(buf[wire.PacketHeaderSize:], can.Frame{CANID: 1, Len: 0})
	if _, err := stranger.WriteToUDP(buf, a.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-sink.notify:
		t.Fatal("frame from non-peer address should have been dropped")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestHandleDatagramRejectsMalformedHeader(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer b.Close()

	sink := newFakeCANSink()
	w := New(a, b.LocalAddr().(*net.UDPAddr), time.Hour, logging.L(), nil)
	w.SetCANSink(sink)
	w.Start()
	defer w.Stop()

	// Too short to even contain a header.
	if _, err := b.WriteToUDP([]byte{0x01, 0x02}, a.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-sink.notify:
		t.Fatal("malformed datagram should have been dropped")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTransmitBufferNeverExceedsUDPPayloadSize(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer a.Close()
	defer b.Close()

	w := New(a, b.LocalAddr().(*net.UDPAddr), time.Hour, logging.L(), nil)

	const frameCount = 113
	for i := 0; i < frameCount; i++ {
		w.EnqueueForUDP(can.Frame{CANID: uint32(i), Len: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}})
	}
	w.transmitBuffer()

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.UDPPayloadSize+64)
	totalFrames := 0
	for {
		n, err := b.Read(buf)
		if err != nil {
			break
		}
		if n > wire.UDPPayloadSize {
			t.Fatalf("datagram of %d bytes exceeds UDPPayloadSize %d", n, wire.UDPPayloadSize)
		}
		hdr, err := wire.ParseHeader(buf[:n])
		if err != nil {
			t.Fatalf("ParseHeader: %v", err)
		}
		totalFrames += int(hdr.Count)
	}
	if totalFrames != frameCount {
		t.Fatalf("got %d frames across datagrams, want %d", totalFrames, frameCount)
	}
}

func TestByteCostAccountingMatchesEntrySizes(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer a.Close()
	defer b.Close()

	w := New(a, b.LocalAddr().(*net.UDPAddr), time.Hour, logging.L(), nil)

	frames := []can.Frame{
		{CANID: 1, Len: 4},
		{CANID: 2, Len: 8},
		{CANID: 3, Len: 0},
	}
	want := 0
	for _, f := range frames {
		w.EnqueueForUDP(f)
		want += wire.FrameHeaderSize + int(f.Len)
	}

	w.bufMu.Lock()
	got := w.active.byteCost
	w.bufMu.Unlock()
	if got != want {
		t.Fatalf("byteCost = %d, want %d", got, want)
	}
}

func TestTransmitBufferReturnsAllSlotsToPool(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer a.Close()
	defer b.Close()

	w := New(a, b.LocalAddr().(*net.UDPAddr), time.Hour, logging.L(), nil)
	for i := 0; i < 40; i++ {
		w.EnqueueForUDP(can.Frame{CANID: uint32(i), Len: 4})
	}
	w.transmitBuffer()

	if got, want := w.pool.Len(), w.pool.TotalAllocated(); got != want {
		t.Fatalf("pool not fully returned after flush: free=%d total=%d", got, want)
	}
}

func TestHandleDatagramRejectsCountZero(t *testing.T) {
	a, b := newLoopbackPair(t)
	defer b.Close()

	sink := newFakeCANSink()
	w := New(a, b.LocalAddr().(*net.UDPAddr), time.Hour, logging.L(), nil)
	w.SetCANSink(sink)
	w.Start()
	defer w.Stop()

	buf := make([]byte, wire.PacketHeaderSize)
	wire.PutHeader(buf, 1, 0)
	if _, err := b.WriteToUDP(buf, a.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-sink.notify:
		t.Fatal("count==0 datagram should have been dropped, not injected")
	case <-time.After(150 * time.Millisecond):
	}
}
