package rpc

import "github.com/prometheus/client_golang/prometheus"

type dispatcherMetrics struct {
	inFlight prometheus.Gauge
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newDispatcherMetrics(registerer prometheus.Registerer) *dispatcherMetrics {
	m := &dispatcherMetrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lmgr_agent_actions_in_flight",
			Help: "Agent actions started and not yet complete",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lmgr_agent_actions_total",
			Help: "Agent actions by outcome",
		}, []string{"action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lmgr_agent_action_duration_seconds",
			Help:    "Time from starting an agent action to its response",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"action"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.inFlight, m.calls, m.duration)
	}
	return m
}
