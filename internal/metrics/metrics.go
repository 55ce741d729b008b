package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/embeddedbus/ecan/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors. Backend counters carry a backend label (sim,
// slcan, socketcan) so one dashboard covers every deployment flavor.
var (
	BackendRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_rx_frames_total",
		Help: "Total CAN frames received from the backend bus.",
	}, []string{"backend"})
	BackendTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_tx_frames_total",
		Help: "Total CAN frames written to the backend bus.",
	}, []string{"backend"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
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
	SimBusOff = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_bus_off",
		Help: "1 while the simulated controller reports bus-off.",
	})
	CapturedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_total",
		Help: "Total CAN frames appended to the capture file.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Backend label values.
const (
	BackendSim       = "sim"
	BackendSLCAN     = "slcan"
	BackendSocketCAN = "socketcan"
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPRead         = "tcp_read"
	ErrTCPWrite        = "tcp_write"
	ErrHandshake       = "handshake"
	ErrBackendWrite    = "backend_write"
	ErrBackendOverflow = "backend_tx_overflow"
	ErrBackendRead     = "backend_read"
	ErrSimController   = "sim_controller"
	ErrCaptureWrite    = "capture_write"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
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

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process).
var (
	localBackendRx uint64
	localBackendTx uint64
	localTCPRx     uint64
	localTCPTx     uint64
	localHubDrop   uint64
	localHubKick   uint64
	localHubReject uint64
	localErrors    uint64
	localClients   uint64
	localFanout    uint64
	localMalformed uint64
	localCaptured  uint64
	localQDMax     uint64
	localQDAvg     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BackendRx     uint64
	BackendTx     uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	Captured      uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		BackendRx:     atomic.LoadUint64(&localBackendRx),
		BackendTx:     atomic.LoadUint64(&localBackendTx),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		HubClients:    atomic.LoadUint64(&localClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		Malformed:     atomic.LoadUint64(&localMalformed),
		Captured:      atomic.LoadUint64(&localCaptured),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.

// IncBackendRx counts one frame arriving from the named backend.
func IncBackendRx(backend string) {
	BackendRxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBackendRx, 1)
}

// IncBackendTx counts one frame written to the named backend.
func IncBackendTx(backend string) {
	BackendTxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBackendTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
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
	atomic.StoreUint64(&localClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetSimBusOff mirrors the simulated controller's bus-off condition.
func SetSimBusOff(off bool) {
	if off {
		SimBusOff.Set(1)
		return
	}
	SimBusOff.Set(0)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncCaptured() {
	CapturedFrames.Inc()
	atomic.AddUint64(&localCaptured, 1)
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
	// Pre-register common label series so the first event does not pay
	// registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrBackendWrite, ErrBackendOverflow, ErrBackendRead,
		ErrSimController, ErrCaptureWrite,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, b := range []string{BackendSim, BackendSLCAN, BackendSocketCAN} {
		BackendRxFrames.WithLabelValues(b).Add(0)
		BackendTxFrames.WithLabelValues(b).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
