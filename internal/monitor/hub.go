package monitor

import (
	"github.com/canpipe/canpipe/internal/can"
	"github.com/canpipe/canpipe/internal/hub"
)

// Hub fans observed frames out to connected monitor clients. It satisfies
// both udpworker.Monitor and canworker.Monitor, so a single instance wires
// into tunnel.WithMonitor.
type Hub struct {
	*hub.Hub[Event]
}

// NewHub creates an empty monitor hub.
func NewHub() *Hub { return &Hub{Hub: hub.New[Event]()} }

func (h *Hub) ObserveToCAN(f can.Frame)   { h.Broadcast(Event{Frame: f, Dir: ToCAN}) }
func (h *Hub) ObserveFromCAN(f can.Frame) { h.Broadcast(Event{Frame: f, Dir: FromCAN}) }
func (h *Hub) ObserveToUDP(f can.Frame)   { h.Broadcast(Event{Frame: f, Dir: ToUDP}) }
func (h *Hub) ObserveFromUDP(f can.Frame) { h.Broadcast(Event{Frame: f, Dir: FromUDP}) }
