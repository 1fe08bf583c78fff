// Package metrics holds the Prometheus collectors exported by loopgate.
//
// Every method is safe on a nil *Metrics so callers that do not care about
// metrics (mostly tests) can pass nil.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "loopgate"

// Metrics groups the proxy's collectors.
type Metrics struct {
	accepted      prometheus.Counter
	rejected      prometheus.Counter
	acceptErrors  prometheus.Counter
	activeWorkers prometheus.Gauge
	tunnels       prometheus.Counter
	forwarded     prometheus.Counter
	denied        prometheus.Counter
	dialErrors    *prometheus.CounterVec
	bytesRelayed  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted by the listener.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Client connections closed because every worker slot was busy.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Accept failures while the listener was running.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Connections currently being handled.",
		}),
		tunnels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "CONNECT tunnels established.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_forwarded_total",
			Help:      "Plain HTTP requests forwarded to a target.",
		}),
		denied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_denied_total",
			Help:      "Plain HTTP requests refused by the path allow-list.",
		}),
		dialErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Failed target connections, by request kind.",
		}, []string{"kind"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"direction"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.accepted,
			m.rejected,
			m.acceptErrors,
			m.activeWorkers,
			m.tunnels,
			m.forwarded,
			m.denied,
			m.dialErrors,
			m.bytesRelayed,
		)
	}

	return m
}

// Request kinds used as the dial_errors_total label.
const (
	KindConnect = "connect"
	KindHTTP    = "http"
)

func (m *Metrics) Accepted() {
	if m != nil {
		m.accepted.Inc()
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) AcceptError() {
	if m != nil {
		m.acceptErrors.Inc()
	}
}

// WorkerStarted and WorkerDone bracket the handling of one connection.
func (m *Metrics) WorkerStarted() {
	if m != nil {
		m.activeWorkers.Inc()
	}
}

func (m *Metrics) WorkerDone() {
	if m != nil {
		m.activeWorkers.Dec()
	}
}

func (m *Metrics) TunnelOpened() {
	if m != nil {
		m.tunnels.Inc()
	}
}

func (m *Metrics) Forwarded() {
	if m != nil {
		m.forwarded.Inc()
	}
}

func (m *Metrics) Denied() {
	if m != nil {
		m.denied.Inc()
	}
}

func (m *Metrics) DialError(kind string) {
	if m != nil {
		m.dialErrors.WithLabelValues(kind).Inc()
	}
}

// Relayed adds byte counts for client-to-target (upstream) and
// target-to-client (downstream) traffic.
func (m *Metrics) Relayed(upstream, downstream int64) {
	if m == nil {
		return
	}
	if upstream > 0 {
		m.bytesRelayed.WithLabelValues("upstream").Add(float64(upstream))
	}
	if downstream > 0 {
		m.bytesRelayed.WithLabelValues("downstream").Add(float64(downstream))
	}
}
