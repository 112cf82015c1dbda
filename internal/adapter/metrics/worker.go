package metrics

import "github.com/prometheus/client_golang/prometheus"

// WorkerMetrics holds Prometheus metrics for the distribution worker.
type WorkerMetrics struct {
	EventsPublished   *prometheus.CounterVec
	CallbacksInvoked  prometheus.Counter
	CallbackFailures  prometheus.Counter
	Subscriptions     prometheus.Gauge
	ReconnectAttempts *prometheus.CounterVec
	Running           prometheus.Gauge
}

// NewWorkerMetrics creates and registers worker metrics on the given registry.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "events_published_total",
			Help:      "Total number of events fanned out, by event type and origin.",
		}, []string{"type", "origin"}),
		CallbacksInvoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "callbacks_invoked_total",
			Help:      "Total number of subscriber callback invocations.",
		}),
		CallbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "callback_failures_total",
			Help:      "Total number of subscriber callbacks that returned an error or panicked.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "subscriptions",
			Help:      "Number of channels with a subscribed callback.",
		}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of change source reconnect attempts, by source.",
		}, []string{"source"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 while the worker is running, 0 otherwise.",
		}),
	}

	reg.MustRegister(m.EventsPublished, m.CallbacksInvoked, m.CallbackFailures, m.Subscriptions, m.ReconnectAttempts, m.Running)
	return m
}
