// Package metrics implements prometheus metrics of ICE transport.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gortc/iced/internal/channel"
	"github.com/gortc/iced/internal/port"
)

const namespace = "iced"

// Prometheus is prometheus.Collector of channel and port metrics.
type Prometheus struct {
	pings          *prometheus.CounterVec
	routeChanges   *prometheus.CounterVec
	roleConflicts  *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	connections    *prometheus.GaugeVec
	writable       *prometheus.GaugeVec
	protocolErrors prometheus.Counter
	bindings       prometheus.Counter
}

// New returns Prometheus metrics with constant labels.
func New(labels prometheus.Labels) *Prometheus {
	componentLabel := []string{"component"}
	return &Prometheus{
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pings_count",
			Help:        "connectivity checks sent",
			ConstLabels: labels,
		}, componentLabel),
		routeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "route_changes_count",
			Help:        "selected connection switches",
			ConstLabels: labels,
		}, componentLabel),
		roleConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "role_conflicts_count",
			Help:        "ICE role conflicts resolved by switching role",
			ConstLabels: labels,
		}, componentLabel),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sessions_count",
			Help:        "allocator sessions started, including restarts and regathering",
			ConstLabels: labels,
		}, componentLabel),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connections",
			Help:        "current count of connections",
			ConstLabels: labels,
		}, componentLabel),
		writable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "writable",
			Help:        "1 if channel is writable",
			ConstLabels: labels,
		}, componentLabel),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "stun_protocol_errors_count",
			Help:        "dropped malformed or unauthenticated STUN messages",
			ConstLabels: labels,
		}),
		bindings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "stun_binding_requests_count",
			Help:        "authenticated binding requests received",
			ConstLabels: labels,
		}),
	}
}

func (m *Prometheus) vectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.pings, m.routeChanges, m.roleConflicts, m.sessions,
		m.connections, m.writable, m.protocolErrors, m.bindings,
	}
}

// Describe implements prometheus.Collector.
func (m *Prometheus) Describe(d chan<- *prometheus.Desc) {
	for _, c := range m.vectors() {
		c.Describe(d)
	}
}

// Collect implements prometheus.Collector.
func (m *Prometheus) Collect(c chan<- prometheus.Metric) {
	for _, v := range m.vectors() {
		v.Collect(c)
	}
}

// IncProtocolErrors implements port.Metrics.
func (m *Prometheus) IncProtocolErrors() { m.protocolErrors.Inc() }

// IncBindingRequests implements port.Metrics.
func (m *Prometheus) IncBindingRequests() { m.bindings.Inc() }

// Component returns channel metrics of component.
func (m *Prometheus) Component(component int) channel.Metrics {
	label := strconv.Itoa(component)
	return componentMetrics{
		pings:         m.pings.WithLabelValues(label),
		routeChanges:  m.routeChanges.WithLabelValues(label),
		roleConflicts: m.roleConflicts.WithLabelValues(label),
		sessions:      m.sessions.WithLabelValues(label),
		connections:   m.connections.WithLabelValues(label),
		writable:      m.writable.WithLabelValues(label),
	}
}

type componentMetrics struct {
	pings         prometheus.Counter
	routeChanges  prometheus.Counter
	roleConflicts prometheus.Counter
	sessions      prometheus.Counter
	connections   prometheus.Gauge
	writable      prometheus.Gauge
}

func (m componentMetrics) IncPings()            { m.pings.Inc() }
func (m componentMetrics) IncRouteChanges()     { m.routeChanges.Inc() }
func (m componentMetrics) IncRoleConflicts()    { m.roleConflicts.Inc() }
func (m componentMetrics) IncSessions()         { m.sessions.Inc() }
func (m componentMetrics) SetConnections(n int) { m.connections.Set(float64(n)) }

func (m componentMetrics) SetWritable(v bool) {
	if v {
		m.writable.Set(1)
	} else {
		m.writable.Set(0)
	}
}

var (
	_ port.Metrics    = &Prometheus{}
	_ channel.Metrics = componentMetrics{}
)
