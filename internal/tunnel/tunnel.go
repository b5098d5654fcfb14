// Package tunnel supervises one canpipe peer relationship: it owns the
// UDP socket and the CAN device, constructs the UDP and CAN workers,
// cross-wires them, and coordinates startup and shutdown ordering.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/canpipe/canpipe/internal/canworker"
	"github.com/canpipe/canpipe/internal/socketcan"
	"github.com/canpipe/canpipe/internal/trace"
	"github.com/canpipe/canpipe/internal/udpworker"
)

// Monitor is the optional observer both workers report to. *monitor.Hub
// satisfies it.
type Monitor interface {
	udpworker.Monitor
	canworker.Monitor
}

// openCANDevice opens the local CAN interface. Overridden in tests to avoid
// depending on a real SocketCAN interface being present.
var openCANDevice = func(iface string) (canworker.Device, error) { return socketcan.Open(iface) }

// Config carries everything needed to open the tunnel's two sockets and
// size its workers.
type Config struct {
	ListenAddr   string
	PeerAddr     string
	CANInterface string
	FlushTimeout time.Duration
	CANTimeout   time.Duration
}

// Option configures a Tunnel at construction time.
type Option func(*Tunnel)

// WithMonitor wires an optional frame observer into both workers.
func WithMonitor(m Monitor) Option {
	return func(t *Tunnel) {
		t.monitor = m
	}
}

// WithTrace wires an optional debug trace sink into both workers.
func WithTrace(tr *trace.Sink) Option {
	return func(t *Tunnel) {
		t.trace = tr
	}
}

// Tunnel owns the UDP socket, the CAN device, and the two workers that
// move frames between them.
type Tunnel struct {
	cfg    Config
	logger *slog.Logger

	conn *net.UDPConn
	peer *net.UDPAddr
	dev  canworker.Device

	udp *udpworker.Worker
	can *canworker.Worker

	monitor Monitor
	trace   *trace.Sink

	ready chan struct{}
}

// New resolves the local and peer UDP addresses, opens the CAN device, and
// constructs both workers cross-wired to each other. It does not start
// either worker; call Start for that.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Tunnel, error) {
	t := &Tunnel{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	localAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %q: %w", cfg.ListenAddr, err)
	}
	peerAddr, err := net.ResolveUDPAddr("udp", cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve peer addr %q: %w", cfg.PeerAddr, err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.ListenAddr, err)
	}

	dev, err := openCANDevice(cfg.CANInterface)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open can interface %q: %w", cfg.CANInterface, err)
	}

	t.conn = conn
	t.peer = peerAddr
	t.dev = dev

	t.udp = udpworker.New(conn, peerAddr, cfg.FlushTimeout, logger.With("worker", "udp"), t.trace)
	t.can = canworker.New(dev, cfg.CANTimeout, logger.With("worker", "can"), t.trace)

	t.udp.SetCANSink(t.can)
	t.can.SetUDPSink(t.udp)
	if t.monitor != nil {
		t.udp.SetMonitor(t.monitor)
		t.can.SetMonitor(t.monitor)
	}

	return t, nil
}

// Start launches the UDP worker and then the CAN worker, closes the ready
// channel, and returns. Matches the reverse order used by Shutdown.
func (t *Tunnel) Start() {
	t.udp.Start()
	t.can.Start()
	close(t.ready)
	t.logger.Info("tunnel_started", "listen", t.cfg.ListenAddr, "peer", t.cfg.PeerAddr, "can_if", t.cfg.CANInterface)
}

// Ready returns a channel closed once both workers have been started.
func (t *Tunnel) Ready() <-chan struct{} { return t.ready }

// Shutdown stops the CAN worker, then the UDP worker (mirroring the start
// order in reverse), and releases the debug trace sink. If ctx expires
// first, Shutdown logs a warning, still waits for both workers to stop,
// and then returns ctx.Err(); both workers' Stop calls are themselves
// bounded by their own socket closes.
func (t *Tunnel) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.can.Stop()
		t.udp.Stop()
		if t.trace != nil {
			t.trace.Close()
		}
		close(done)
	}()
	select {
	case <-done:
		t.logger.Info("tunnel_stopped")
		return nil
	case <-ctx.Done():
		t.logger.Warn("tunnel_shutdown_timeout")
		<-done
		return ctx.Err()
	}
}

// Counters reports advisory UDP and CAN tx/rx counters for logging.
func (t *Tunnel) Counters() (udpTx, udpRx, canTx, canRx uint64) {
	udpTx, udpRx = t.udp.Counters()
	canTx, canRx = t.can.Counters()
	return
}
