package bus

import "github.com/prometheus/client_golang/prometheus"

const metricPrefix = "lmgr_agent_"

type busMetrics struct {
	sessions prometheus.Gauge
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
}

func newBusMetrics(registerer prometheus.Registerer) *busMetrics {
	m := &busMetrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "sessions",
			Help: "Number of live agent sessions",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "messages_received_total",
			Help: "Messages received from agents",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "messages_sent_total",
			Help: "Messages handed to agent transports",
		}, []string{"type"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.sessions, m.received, m.sent)
	}
	return m
}
