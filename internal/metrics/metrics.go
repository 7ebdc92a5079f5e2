package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	BusRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_bus_rx_frames_total",
		Help: "Total CAN frames received from the bus backend.",
	})
	BusTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_bus_tx_frames_total",
		Help: "Total CAN frames written to the bus backend.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_hub_dropped_frames_total",
		Help: "Total CAN frames dropped by the hub because a subscriber queue was full.",
	})
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "udstp_active_subscriptions",
		Help: "Current number of live signal subscriptions.",
	})
	ActivePeriodic = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "udstp_active_periodic_tasks",
		Help: "Current number of running periodic senders.",
	})
	BufferedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_buffered_frames_total",
		Help: "Total frames appended to session signal buffers.",
	})
	MessagesReassembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_messages_reassembled_total",
		Help: "Total ISO-TP messages reassembled from buffered frames.",
	})
	IncompleteMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_incomplete_messages_total",
		Help: "Total reassembly attempts that ended before the declared length.",
	})
	FlowControlSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_flow_control_sent_total",
		Help: "Total flow-control frames emitted by the session.",
	})
	PeriodicSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_periodic_frames_total",
		Help: "Total frames queued by periodic and heartbeat senders.",
	})
	BridgeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "udstp_bridge_clients",
		Help: "Current number of connected bridge clients.",
	})
	BridgeRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_bridge_rx_frames_total",
		Help: "Total CAN frames received from bridge clients.",
	})
	BridgeTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_bridge_tx_frames_total",
		Help: "Total CAN frames written to bridge clients.",
	})
	BridgeRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_bridge_rejected_total",
		Help: "Total bridge connections rejected due to max clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "udstp_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udstp_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udstp_malformed_frames_total",
		Help: "Total rejected malformed frames (bad PCI, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBusRead       = "bus_read"
	ErrBusWrite      = "bus_write"
	ErrBusOverflow   = "bus_tx_overflow"
	ErrHandshake     = "handshake"
	ErrPeriodicSend  = "periodic_send"
	ErrFlowControl   = "flow_control"
	ErrFlowTimeout   = "flow_control_timeout"
	ErrSessionSend   = "session_send"
	ErrSubscription  = "subscription"
	ErrCaptureWrite  = "capture_write"
	ErrSimulatorSend = "simulator_send"
	ErrBridgeRead    = "bridge_read"
	ErrBridgeWrite   = "bridge_write"
)

var errorLabels = []string{
	ErrBusRead, ErrBusWrite, ErrBusOverflow, ErrHandshake,
	ErrPeriodicSend, ErrFlowControl, ErrFlowTimeout, ErrSessionSend,
	ErrSubscription, ErrCaptureWrite, ErrSimulatorSend, ErrBridgeRead,
	ErrBridgeWrite,
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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
	localBusRx       uint64
	localBusTx       uint64
	localHubDrop     uint64
	localSubs        uint64
	localPeriodic    uint64
	localBuffered    uint64
	localMessages    uint64
	localIncomplete  uint64
	localFlowControl uint64
	localPeriodicTx  uint64
	localErrors      uint64
	localMalformed   uint64
	localBridgeRx    uint64
	localBridgeTx    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BusRx         uint64
	BusTx         uint64
	HubDrops      uint64
	Subscriptions uint64
	Periodic      uint64
	Buffered      uint64
	Messages      uint64
	Incomplete    uint64
	FlowControl   uint64
	PeriodicTx    uint64
	Errors        uint64 // sum across error labels
	Malformed     uint64
	BridgeRx      uint64
	BridgeTx      uint64
}

func Snap() Snapshot {
	return Snapshot{
		BusRx:         atomic.LoadUint64(&localBusRx),
		BusTx:         atomic.LoadUint64(&localBusTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		Subscriptions: atomic.LoadUint64(&localSubs),
		Periodic:      atomic.LoadUint64(&localPeriodic),
		Buffered:      atomic.LoadUint64(&localBuffered),
		Messages:      atomic.LoadUint64(&localMessages),
		Incomplete:    atomic.LoadUint64(&localIncomplete),
		FlowControl:   atomic.LoadUint64(&localFlowControl),
		PeriodicTx:    atomic.LoadUint64(&localPeriodicTx),
		Errors:        atomic.LoadUint64(&localErrors),
		Malformed:     atomic.LoadUint64(&localMalformed),
		BridgeRx:      atomic.LoadUint64(&localBridgeRx),
		BridgeTx:      atomic.LoadUint64(&localBridgeTx),
	}
}

// Wrapper helpers to keep call sites simple.
func IncBusRx() {
	BusRxFrames.Inc()
	atomic.AddUint64(&localBusRx, 1)
}

func IncBusTx() {
	BusTxFrames.Inc()
	atomic.AddUint64(&localBusTx, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

// AddSubscriptions moves the live subscription gauge by delta.
func AddSubscriptions(delta int) {
	ActiveSubscriptions.Add(float64(delta))
	atomic.AddUint64(&localSubs, uint64(int64(delta)))
}

// AddPeriodic moves the running periodic task gauge by delta.
func AddPeriodic(delta int) {
	ActivePeriodic.Add(float64(delta))
	atomic.AddUint64(&localPeriodic, uint64(int64(delta)))
}

func IncBuffered() {
	BufferedFrames.Inc()
	atomic.AddUint64(&localBuffered, 1)
}

func AddMessages(n int) {
	if n <= 0 {
		return
	}
	MessagesReassembled.Add(float64(n))
	atomic.AddUint64(&localMessages, uint64(n))
}

func IncIncomplete() {
	IncompleteMessages.Inc()
	atomic.AddUint64(&localIncomplete, 1)
}

func IncFlowControl() {
	FlowControlSent.Inc()
	atomic.AddUint64(&localFlowControl, 1)
}

func IncPeriodicTx() {
	PeriodicSent.Inc()
	atomic.AddUint64(&localPeriodicTx, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncBridgeRx() {
	BridgeRxFrames.Inc()
	atomic.AddUint64(&localBridgeRx, 1)
}

func AddBridgeTx(n int) {
	BridgeTxFrames.Add(float64(n))
	atomic.AddUint64(&localBridgeTx, uint64(n))
}

func SetBridgeClients(n int) { BridgeClients.Set(float64(n)) }

func IncBridgeReject() { BridgeRejected.Inc() }

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so the first error does not create them lazily.
	for _, lbl := range errorLabels {
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
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
