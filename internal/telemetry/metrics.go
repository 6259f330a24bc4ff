// Package telemetry exports Prometheus metrics, MQTT status events and
// OpenTelemetry traces for the session server.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tether"

// Metrics holds the Prometheus collectors for the sync loop. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	participants  prometheus.Gauge
	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	snapshotBytes prometheus.Histogram
	datagramsOut  *prometheus.CounterVec
	datagramsIn   *prometheus.CounterVec
	commands      *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "participants",
			Help:      "Number of registered participants",
		}),
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ticks_total",
			Help:      "Broadcast ticks by outcome",
		}, []string{"result"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent building and sending one snapshot",
			Buckets:   []float64{.0005, .001, .002, .004, .008, .016, .032, .064},
		}),
		snapshotBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_bytes",
			Help:      "Encoded snapshot size in bytes",
			Buckets:   prometheus.ExponentialBuckets(83, 2, 10),
		}),
		datagramsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "datagrams_out_total",
			Help:      "Snapshot datagrams sent by outcome",
		}, []string{"result"}),
		datagramsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "datagrams_in_total",
			Help:      "Inbound datagrams by opcode and outcome",
		}, []string{"op", "result"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Reliable commands handled by type",
		}, []string{"type"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by outcome",
		}, []string{"result"}),
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// SetParticipants records the current participant count.
func (m *Metrics) SetParticipants(n int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(n))
}

// TickSkipped counts a tick with too few participants to broadcast.
func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues("skipped").Inc()
}

// TickSent records a tick that broadcast a snapshot of size bytes.
func (m *Metrics) TickSent(d time.Duration, size int) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues("sent").Inc()
	m.tickDuration.Observe(d.Seconds())
	m.snapshotBytes.Observe(float64(size))
}

// DatagramSent counts one outbound snapshot datagram.
func (m *Metrics) DatagramSent(ok bool) {
	if m == nil {
		return
	}
	m.datagramsOut.WithLabelValues(result(ok)).Inc()
}

// DatagramReceived counts one inbound datagram.
func (m *Metrics) DatagramReceived(op string, applied bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "ignored"
	}
	m.datagramsIn.WithLabelValues(op, outcome).Inc()
}

// CommandHandled counts one reliable command.
func (m *Metrics) CommandHandled(cmdType string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(cmdType).Inc()
}

// NotificationDelivered counts one notification delivery attempt.
func (m *Metrics) NotificationDelivered(ok bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result(ok)).Inc()
}
