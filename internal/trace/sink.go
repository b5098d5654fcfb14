// Package trace implements canpipe's debug-option-gated logging sink.
// Calling slog directly from a worker's hot enqueue/flush path would add
// syscall-adjacent I/O latency right where the buffer mutex must never be
// held across I/O; Sink instead funnels trace events through a single
// goroutine (reusing transport.AsyncTx's fan-in shape) so a producer only
// ever does a non-blocking channel send.
package trace

import (
	"context"
	"log/slog"

	"github.com/canpipe/canpipe/internal/transport"
)

// Subsystems are the debug trace categories a worker can be asked to log:
// buffer swaps, deadline timer events, raw UDP packets, and raw CAN frames.
const (
	SubsystemBuffer = "buffer"
	SubsystemTimer  = "timer"
	SubsystemUDP    = "udp"
	SubsystemCAN    = "can"
)

type event struct {
	msg  string
	args []any
}

// Sink gates and funnels per-subsystem debug trace lines to a logger.
type Sink struct {
	tx      *transport.AsyncTx[event]
	enabled map[string]bool
}

// New creates a Sink that logs through logger. enabled maps subsystem name
// to whether tracing is on for it; a nil or missing entry means disabled.
func New(parent context.Context, logger *slog.Logger, enabled map[string]bool) *Sink {
	send := func(e event) error {
		logger.Debug(e.msg, e.args...)
		return nil
	}
	return &Sink{
		tx:      transport.NewAsyncTx(parent, 256, send, transport.Hooks[event]{}),
		enabled: enabled,
	}
}

// Trace enqueues a debug line for subsystem if it is enabled. Never blocks:
// under backpressure the line is silently dropped.
func (s *Sink) Trace(subsystem, msg string, args ...any) {
	if s == nil || !s.enabled[subsystem] {
		return
	}
	_ = s.tx.Send(event{msg: msg, args: args})
}

// Close stops the draining goroutine and waits for it to finish.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.tx.Close()
}
