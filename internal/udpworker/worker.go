// Package udpworker implements the tunnel's UDP side: it owns the datagram
// socket and the outbound frame pool, coalesces CAN frames arriving from the
// CAN worker into wire packets, and parses inbound packets back into CAN
// frames for injection into the local bus.
package udpworker

import (
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canpipe/canpipe/internal/can"
	"github.com/canpipe/canpipe/internal/deadline"
	"github.com/canpipe/canpipe/internal/metrics"
	"github.com/canpipe/canpipe/internal/pool"
	"github.com/canpipe/canpipe/internal/trace"
	"github.com/canpipe/canpipe/internal/wire"
)

// CANSink receives frames decoded out of inbound datagrams, for injection
// into the local CAN interface. Implemented by *canworker.Worker.
type CANSink interface {
	InjectBatch([]can.Frame)
}

// Monitor optionally observes every frame the worker transmits or receives,
// independent of the tunnel's single-peer wire protocol.
type Monitor interface {
	ObserveToUDP(can.Frame)
	ObserveFromUDP(can.Frame)
}

// buffer is one half of the UDP worker's double-buffered outbound queue:
// frame-pool slot indices plus the running serialized byte cost they would
// occupy in a packet body.
type buffer struct {
	slots    []int
	byteCost int
}

// Worker owns the datagram socket, the outbound frame pool, and the
// double-buffered outbound queue described in the tunnel's data model.
type Worker struct {
	conn *net.UDPConn
	peer *net.UDPAddr

	pool *pool.Pool

	bufMu  sync.Mutex
	active buffer
	trans  buffer

	timer *deadline.Timer

	seqNo uint16

	canSink CANSink
	monitor Monitor
	trace   *trace.Sink
	logger  *slog.Logger

	readCh chan udpResult
	stopCh chan struct{}
	wg     sync.WaitGroup

	started atomic.Bool

	txCount uint64 // owner-only; no synchronization
	rxCount uint64
}

type udpResult struct {
	n    int
	addr *net.UDPAddr
	err  error
	buf  []byte
}

// New creates a UDP worker bound to conn, talking to peer, flushing at most
// every flushTimeout (default 100ms if <= 0).
func New(conn *net.UDPConn, peer *net.UDPAddr, flushTimeout time.Duration, logger *slog.Logger, tr *trace.Sink) *Worker {
	if flushTimeout <= 0 {
		flushTimeout = 100 * time.Millisecond
	}
	w := &Worker{
		conn:   conn,
		peer:   peer,
		pool:   pool.New(),
		timer:  deadline.New(flushTimeout),
		trace:  tr,
		logger: logger,
		readCh: make(chan udpResult, 1),
		stopCh: make(chan struct{}),
	}
	w.active.slots = make([]int, 0, pool.InitialSize)
	w.trans.slots = make([]int, 0, pool.InitialSize)
	metrics.SetPoolSize(w.pool.TotalAllocated())
	return w
}

// SetCANSink wires the back-reference to the CAN worker. Must be called
// before Start.
func (w *Worker) SetCANSink(s CANSink) { w.canSink = s }

// SetMonitor wires an optional frame observer. Must be called before Start.
func (w *Worker) SetMonitor(m Monitor) { w.monitor = m }

// Start spawns the datagram reader goroutine and the event loop.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(2)
	go w.readLoop()
	go w.loop()
}

// Stop closes the datagram socket to unblock the reader, pulls the timer
// forward, joins both goroutines, and releases the frame pool.
func (w *Worker) Stop() {
	if !w.started.CompareAndSwap(true, false) {
		return
	}
	_ = w.conn.Close()
	w.timer.FireSoon()
	close(w.stopCh)
	w.wg.Wait()
	w.timer.Stop()
	w.pool.Destroy()
}

// EnqueueForUDP accepts one CAN frame captured on the local bus and queues
// it for transmission toward the peer. Safe to call from the CAN worker's
// event loop.
func (w *Worker) EnqueueForUDP(f can.Frame) {
	idx := w.pool.TakeOne()
	*w.pool.Frame(idx) = f
	total := w.pool.TotalAllocated()
	metrics.SetPoolSize(total)

	w.bufMu.Lock()
	w.active.slots = append(w.active.slots, idx)
	w.active.byteCost += wire.FrameHeaderSize + int(f.Len)
	cost := w.active.byteCost
	w.bufMu.Unlock()

	w.trace.Trace("buffer", "udp_enqueue", "can_id", f.CANID, "byte_cost", cost)
	if cost+wire.PacketHeaderSize >= wire.UDPPayloadSize {
		w.trace.Trace("timer", "fire_soon_capacity")
		w.timer.FireSoon()
	}
}

func (w *Worker) readLoop() {
	defer w.wg.Done()
	buf := make([]byte, wire.UDPPayloadSize)
	for {
		n, addr, err := w.conn.ReadFromUDP(buf)
		res := udpResult{n: n, addr: addr, err: err}
		if n > 0 {
			res.buf = append([]byte(nil), buf[:n]...)
		}
		select {
		case w.readCh <- res:
		case <-w.stopCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.timer.C():
			w.timer.Reset()
			w.trace.Trace("timer", "udp_expired")
			w.bufMu.Lock()
			empty := len(w.active.slots) == 0
			w.bufMu.Unlock()
			if !empty {
				w.transmitBuffer()
			}
		case res := <-w.readCh:
			w.handleDatagram(res)
		}
	}
}

// transmitBuffer swaps the active/trans buffers, sorts trans by CAN ID, and
// serializes it into one or more datagrams, each no larger than
// wire.UDPPayloadSize total (header included).
func (w *Worker) transmitBuffer() {
	w.bufMu.Lock()
	w.active, w.trans = w.trans, w.active
	trans := w.trans
	w.bufMu.Unlock()

	frames := make([]can.Frame, len(trans.slots))
	for i, idx := range trans.slots {
		frames[i] = *w.pool.Frame(idx)
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].CANID < frames[j].CANID })

	buf := make([]byte, wire.UDPPayloadSize)
	cursor := wire.PacketHeaderSize
	count := 0

	flush := func() {
		if count == 0 {
			return
		}
		wire.PutHeader(buf, w.seqNo, uint16(count))
		seq := w.seqNo
		w.seqNo++
		n, err := w.conn.WriteToUDP(buf[:cursor], w.peer)
		if err != nil || n != cursor {
			w.logger.Warn("udp_short_write", "error", err, "n", n, "want", cursor)
			metrics.IncError(metrics.ErrUDPWrite)
		} else {
			w.txCount++
			metrics.AddUDPTxPackets(1)
			metrics.AddUDPTxFrames(count)
			w.trace.Trace("udp", "tx_packet", "seq", seq, "count", count, "bytes", cursor)
		}
		cursor = wire.PacketHeaderSize
		count = 0
	}

	for _, f := range frames {
		sz := wire.EntrySize(f.Len)
		if cursor+sz > wire.UDPPayloadSize {
			flush()
		}
		cursor += wire.PutEntry(buf[cursor:], f)
		count++
		if w.monitor != nil {
			w.monitor.ObserveToUDP(f)
		}
	}
	flush()

	w.bufMu.Lock()
	w.trans.slots = w.trans.slots[:0]
	w.trans.byteCost = 0
	w.bufMu.Unlock()
	w.pool.ReturnMany(trans.slots)
}

func (w *Worker) handleDatagram(res udpResult) {
	if res.err != nil {
		if !errors.Is(res.err, net.ErrClosed) {
			w.logger.Warn("udp_read_error", "error", res.err)
			metrics.IncError(metrics.ErrUDPRead)
		}
		return
	}
	if !res.addr.IP.Equal(w.peer.IP) {
		w.logger.Warn("peer_mismatch", "from", res.addr)
		metrics.IncPeerMismatch()
		return
	}
	hdr, err := wire.ParseHeader(res.buf)
	if err != nil || hdr.Version != wire.ProtocolVersion || hdr.OpCode != wire.OpData || hdr.Count == 0 {
		w.logger.Warn("malformed_packet", "error", err, "version", hdr.Version, "op", hdr.OpCode, "count", hdr.Count)
		metrics.IncMalformed()
		return
	}
	frames, err := wire.DecodeFrames(res.buf[wire.PacketHeaderSize:], hdr.Count)
	if err != nil {
		w.logger.Warn("truncated_packet", "error", err)
		metrics.IncMalformed()
		return
	}
	w.rxCount++
	metrics.AddUDPRxPackets(1)
	metrics.AddUDPRxFrames(len(frames))
	w.trace.Trace("udp", "rx_packet", "seq", hdr.SeqNo, "count", hdr.Count)
	if w.monitor != nil {
		for _, f := range frames {
			w.monitor.ObserveFromUDP(f)
		}
	}
	w.canSink.InjectBatch(frames)
}

// Counters returns advisory tx/rx packet counts (owner goroutine only).
func (w *Worker) Counters() (tx, rx uint64) { return w.txCount, w.rxCount }
