package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectionMetrics holds Prometheus metrics for the connection registry.
type ConnectionMetrics struct {
	ActiveConnections   prometheus.Gauge
	ActiveOrganizations prometheus.Gauge
	FramesDelivered     prometheus.Counter
	Evictions           *prometheus.CounterVec
}

// NewConnectionMetrics creates and registers connection metrics on the given registry.
func NewConnectionMetrics(reg prometheus.Registerer) *ConnectionMetrics {
	m := &ConnectionMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of open push connections.",
		}),
		ActiveOrganizations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "organizations",
			Help:      "Number of organizations with at least one open connection.",
		}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "frames_delivered_total",
			Help:      "Total number of frames handed to connection transports.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "removed_total",
			Help:      "Total number of connections removed, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveConnections, m.ActiveOrganizations, m.FramesDelivered, m.Evictions)
	return m
}
