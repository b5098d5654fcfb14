// Package canworker implements the tunnel's CAN side: it owns the raw CAN
// socket, reads inbound frames one at a time for the UDP worker, and
// batches frames received from the UDP worker into a single flush of
// kernel writes.
package canworker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/canpipe/canpipe/internal/can"
	"github.com/canpipe/canpipe/internal/deadline"
	"github.com/canpipe/canpipe/internal/metrics"
	"github.com/canpipe/canpipe/internal/trace"
)

// DefaultTimeout is CAN_TIMEOUT: the CAN worker's flush deadline, kept
// independent of the UDP worker's own flush timeout.
const DefaultTimeout = 100 * time.Millisecond

// Device is the minimal CAN socket contract the worker needs: read/write
// exactly one frame record per call, and a way to unblock a pending read on
// shutdown. Implemented by *socketcan.Device in production and by fakes in
// tests.
type Device interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// UDPSink receives frames read off the CAN bus, for packing into outbound
// datagrams. Implemented by *udpworker.Worker.
type UDPSink interface {
	EnqueueForUDP(can.Frame)
}

// Monitor optionally observes every frame the worker transmits or receives.
type Monitor interface {
	ObserveToCAN(can.Frame)
	ObserveFromCAN(can.Frame)
}

// Worker owns the raw CAN socket and the double-buffered outbound queue of
// frames pending injection into the local bus.
type Worker struct {
	dev Device

	bufMu  sync.Mutex
	active []can.Frame
	trans  []can.Frame

	timer *deadline.Timer

	udpSink UDPSink
	monitor Monitor
	trace   *trace.Sink
	logger  *slog.Logger

	readCh chan canResult
	stopCh chan struct{}
	wg     sync.WaitGroup

	started atomic.Bool

	txCount uint64
	rxCount uint64
}

type canResult struct {
	frame can.Frame
	err   error
}

// New creates a CAN worker reading/writing through dev, flushing at most
// every timeout (DefaultTimeout if <= 0).
func New(dev Device, timeout time.Duration, logger *slog.Logger, tr *trace.Sink) *Worker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Worker{
		dev:    dev,
		timer:  deadline.New(timeout),
		trace:  tr,
		logger: logger,
		readCh: make(chan canResult, 1),
		stopCh: make(chan struct{}),
	}
}

// SetUDPSink wires the back-reference to the UDP worker. Must be called
// before Start.
func (w *Worker) SetUDPSink(s UDPSink) { w.udpSink = s }

// SetMonitor wires an optional frame observer. Must be called before Start.
func (w *Worker) SetMonitor(m Monitor) { w.monitor = m }

// InjectBatch appends frames decoded from an inbound datagram to the
// outbound buffer and pulls the flush timer forward. Safe to call from the
// UDP worker's event loop.
func (w *Worker) InjectBatch(frames []can.Frame) {
	w.bufMu.Lock()
	w.active = append(w.active, frames...)
	w.bufMu.Unlock()
	w.trace.Trace("buffer", "can_inject", "count", len(frames))
	w.timer.FireSoon()
}

// Start spawns the CAN reader goroutine and the event loop.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(2)
	go w.readLoop()
	go w.loop()
}

// Stop closes the CAN socket to unblock the reader, pulls the timer
// forward, and joins both goroutines.
func (w *Worker) Stop() {
	if !w.started.CompareAndSwap(true, false) {
		return
	}
	_ = w.dev.Close()
	w.timer.FireSoon()
	close(w.stopCh)
	w.wg.Wait()
	w.timer.Stop()
}

func (w *Worker) readLoop() {
	defer w.wg.Done()
	for {
		var f can.Frame
		err := w.dev.ReadFrame(&f)
		select {
		case w.readCh <- canResult{frame: f, err: err}:
		case <-w.stopCh:
			return
		}
		if err != nil && !isTransient(err) {
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
			w.trace.Trace("timer", "can_expired")
			w.flush()
		case res := <-w.readCh:
			if res.err != nil {
				if isTransient(res.err) {
					continue
				}
				w.logger.Error("can_read_fatal", "error", res.err)
				return
			}
			w.rxCount++
			metrics.IncCANRx()
			w.trace.Trace("can", "rx_frame", "can_id", res.frame.CANID, "len", res.frame.Len)
			if w.monitor != nil {
				w.monitor.ObserveFromCAN(res.frame)
			}
			w.udpSink.EnqueueForUDP(res.frame)
		}
	}
}

// flush swaps active/trans under the buffer mutex, then writes every frame
// in trans to the CAN socket, one kernel write per frame. Write failures
// are logged and skipped; the loop does not abort.
func (w *Worker) flush() {
	w.bufMu.Lock()
	w.active, w.trans = w.trans, w.active
	trans := w.trans
	w.bufMu.Unlock()

	for _, f := range trans {
		if err := w.dev.WriteFrame(f); err != nil {
			w.logger.Warn("can_write_failed", "error", err, "can_id", f.CANID)
			metrics.IncError(metrics.ErrSocketCANWrite)
			continue
		}
		w.txCount++
		metrics.IncCANTx()
		w.trace.Trace("can", "tx_frame", "can_id", f.CANID, "len", f.Len)
		if w.monitor != nil {
			w.monitor.ObserveToCAN(f)
		}
	}

	w.bufMu.Lock()
	w.trans = w.trans[:0]
	w.bufMu.Unlock()
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// Counters returns advisory tx/rx frame counts (owner goroutine only).
func (w *Worker) Counters() (tx, rx uint64) { return w.txCount, w.rxCount }
