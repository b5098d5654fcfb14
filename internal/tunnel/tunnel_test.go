package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/canpipe/canpipe/internal/can"
	"github.com/canpipe/canpipe/internal/canworker"
)

type fakeCANDevice struct {
	readCh chan can.Frame
	closed chan struct{}
	writes chan can.Frame
}

func newFakeCANDevice() *fakeCANDevice {
	return &fakeCANDevice{
		readCh: make(chan can.Frame, 16),
		closed: make(chan struct{}),
		writes: make(chan can.Frame, 16),
	}
}

func (d *fakeCANDevice) ReadFrame(fr *can.Frame) error {
	select {
	case f := <-d.readCh:
		*fr = f
		return nil
	case <-d.closed:
		return io.EOF
	}
}

func (d *fakeCANDevice) WriteFrame(fr can.Frame) error {
	d.writes <- fr
	return nil
}

func (d *fakeCANDevice) Close() error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	defer ln.Close()
	return ln.LocalAddr().String()
}

func withFakeCANDevice(t *testing.T, dev canworker.Device) {
	t.Helper()
	prev := openCANDevice
	openCANDevice = func(string) (canworker.Device, error) { return dev, nil }
	t.Cleanup(func() { openCANDevice = prev })
}

func TestTunnelForwardsCANFrameToUDPWorker(t *testing.T) {
	dev := newFakeCANDevice()
	withFakeCANDevice(t, dev)

	listenAddr := freeUDPAddr(t)
	tn, err := New(Config{
		ListenAddr:   listenAddr,
		PeerAddr:     freeUDPAddr(t),
		CANInterface: "vcan0",
		FlushTimeout: 10 * time.Millisecond,
		CANTimeout:   time.Hour,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tn.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tn.Shutdown(ctx)
	}()

	select {
	case <-tn.Ready():
	case <-time.After(time.Second):
		t.Fatal("tunnel never became ready")
	}

	dev.readCh <- can.Frame{CANID: 0x10, Len: 1, Data: [8]byte{0x42}}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, _, canRx := tn.Counters(); canRx > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("CAN frame was never read and forwarded to the UDP worker")
}

func TestTunnelOpenFailurePropagates(t *testing.T) {
	prev := openCANDevice
	openCANDevice = func(string) (canworker.Device, error) { return nil, errors.New("no such device") }
	t.Cleanup(func() { openCANDevice = prev })

	_, err := New(Config{
		ListenAddr:   freeUDPAddr(t),
		PeerAddr:     freeUDPAddr(t),
		CANInterface: "nope0",
	}, testLogger())
	if err == nil {
		t.Fatal("expected error when CAN device fails to open")
	}
}
