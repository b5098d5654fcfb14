package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/canpipe/canpipe/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from the local CAN interface.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to the local CAN interface.",
	})
	UDPRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_rx_packets_total",
		Help: "Total datagrams received from the peer.",
	})
	UDPTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_tx_packets_total",
		Help: "Total datagrams sent to the peer.",
	})
	UDPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_rx_frames_total",
		Help: "Total CAN frames decoded out of inbound datagrams.",
	})
	UDPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_tx_frames_total",
		Help: "Total CAN frames packed into outbound datagrams.",
	})
	PoolGrowths = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame_pool_growths_total",
		Help: "Total times the frame pool doubled in size.",
	})
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "frame_pool_size",
		Help: "Current total number of allocated frame pool slots.",
	})
	PeerMismatchDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_mismatch_drops_total",
		Help: "Total inbound datagrams dropped because the source address did not match the configured peer.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by a fan-out hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_packets_total",
		Help: "Total rejected malformed or truncated datagrams.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrUDPRead        = "udp_read"
	ErrUDPWrite       = "udp_write"
	ErrCANRead        = "can_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrMonitorWrite   = "monitor_write"
	ErrMonitorRead    = "monitor_read"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready on
// addr, from a background goroutine, and returns the server for shutdown.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx        uint64
	localCANTx        uint64
	localUDPRxPackets uint64
	localUDPTxPackets uint64
	localUDPRxFrames  uint64
	localUDPTxFrames  uint64
	localPoolGrowths  uint64
	localPeerMismatch uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localErrors       uint64
	localHubClients   uint64
	localFanout       uint64
	localMalformed    uint64
	localQDMax        uint64
	localQDAvg        uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx         uint64
	CANTx         uint64
	UDPRxPackets  uint64
	UDPTxPackets  uint64
	UDPRxFrames   uint64
	UDPTxFrames   uint64
	PoolGrowths   uint64
	PeerMismatch  uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:         atomic.LoadUint64(&localCANRx),
		CANTx:         atomic.LoadUint64(&localCANTx),
		UDPRxPackets:  atomic.LoadUint64(&localUDPRxPackets),
		UDPTxPackets:  atomic.LoadUint64(&localUDPTxPackets),
		UDPRxFrames:   atomic.LoadUint64(&localUDPRxFrames),
		UDPTxFrames:   atomic.LoadUint64(&localUDPTxFrames),
		PoolGrowths:   atomic.LoadUint64(&localPoolGrowths),
		PeerMismatch:  atomic.LoadUint64(&localPeerMismatch),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		Malformed:     atomic.LoadUint64(&localMalformed),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

func IncCANRx() { CANRxFrames.Inc(); atomic.AddUint64(&localCANRx, 1) }
func IncCANTx() { CANTxFrames.Inc(); atomic.AddUint64(&localCANTx, 1) }

func AddUDPRxPackets(n int) {
	UDPRxPackets.Add(float64(n))
	atomic.AddUint64(&localUDPRxPackets, uint64(n))
}

func AddUDPTxPackets(n int) {
	UDPTxPackets.Add(float64(n))
	atomic.AddUint64(&localUDPTxPackets, uint64(n))
}

func AddUDPRxFrames(n int) {
	UDPRxFrames.Add(float64(n))
	atomic.AddUint64(&localUDPRxFrames, uint64(n))
}

func AddUDPTxFrames(n int) {
	UDPTxFrames.Add(float64(n))
	atomic.AddUint64(&localUDPTxFrames, uint64(n))
}

func IncPoolGrowth() {
	PoolGrowths.Inc()
	atomic.AddUint64(&localPoolGrowths, 1)
}

func SetPoolSize(n int) { PoolSize.Set(float64(n)) }

func IncPeerMismatch() {
	PeerMismatchDrops.Inc()
	atomic.AddUint64(&localPeerMismatch, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedPackets.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrUDPRead, ErrUDPWrite, ErrCANRead, ErrSocketCANWrite, ErrMonitorWrite, ErrMonitorRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
