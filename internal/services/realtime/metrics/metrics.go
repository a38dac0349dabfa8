// Package metrics exposes Prometheus instrumentation for the realtime and
// audit services.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vernite"

// Metrics holds the collectors registered by the service.
type Metrics struct {
	FramesTotal           *prometheus.CounterVec
	DispatchDuration      *prometheus.HistogramVec
	BroadcastDeliveries   *prometheus.CounterVec
	SessionsReaped        prometheus.Counter
	ConnectionsRejected   *prometheus.CounterVec
	AuditRecordsTotal     *prometheus.CounterVec
	RelayMessagesReceived prometheus.Counter
}

// New registers collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_frames_total",
			Help:      "Inbound frames by packet type and dispatch outcome",
		}, []string{"type", "outcome"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "realtime_dispatch_duration_seconds",
			Help:      "Handler execution time per packet type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		BroadcastDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_broadcast_deliveries_total",
			Help:      "Per-session broadcast results",
		}, []string{"result"}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_sessions_reaped_total",
			Help:      "Sessions closed by the keep-alive reaper",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_connections_rejected_total",
			Help:      "Websocket handshakes rejected by reason",
		}, []string{"reason"}),
		AuditRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit record attempts by outcome",
		}, []string{"outcome"}),
		RelayMessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_relay_messages_received_total",
			Help:      "Broadcasts received from other instances",
		}),
	}
}

// RegisterSessionGauge exposes the live session count computed by count.
func RegisterSessionGauge(reg prometheus.Registerer, count func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_sessions",
		Help:      "Currently connected sessions",
	}, func() float64 { return float64(count()) })
}

// ObserveFrame records the outcome of one inbound frame.
func (m *Metrics) ObserveFrame(packetType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(packetType, outcome).Inc()
	if elapsed > 0 {
		m.DispatchDuration.WithLabelValues(packetType).Observe(elapsed.Seconds())
	}
}

// ObserveBroadcast records per-session results of one broadcast.
func (m *Metrics) ObserveBroadcast(delivered, dropped, failed int) {
	if m == nil {
		return
	}
	m.BroadcastDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.BroadcastDeliveries.WithLabelValues("dropped").Add(float64(dropped))
	m.BroadcastDeliveries.WithLabelValues("failed").Add(float64(failed))
}

// IncReaped counts one reaped session.
func (m *Metrics) IncReaped() {
	if m == nil {
		return
	}
	m.SessionsReaped.Inc()
}

// IncRejected counts one rejected handshake.
func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// ObserveRecord counts one audit record attempt.
func (m *Metrics) ObserveRecord(outcome string) {
	if m == nil {
		return
	}
	m.AuditRecordsTotal.WithLabelValues(outcome).Inc()
}

// IncRelayReceived counts one relayed broadcast.
func (m *Metrics) IncRelayReceived() {
	if m == nil {
		return
	}
	m.RelayMessagesReceived.Inc()
}
