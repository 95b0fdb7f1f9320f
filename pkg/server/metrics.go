package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the controller's transport counters.
type Metrics struct {
	Online     prometheus.Gauge
	FramesIn   *prometheus.CounterVec
	FramesOut  prometheus.Counter
	SendErrors prometheus.Counter
	Malformed  prometheus.Counter
}

// NewMetrics registers the transport metrics on reg. A nil reg keeps them
// unregistered, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classnet",
			Name:      "clients_online",
			Help:      "Agents currently registered.",
		}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classnet",
			Name:      "frames_received_total",
			Help:      "Envelopes received from agents by type.",
		}, []string{"type"}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classnet",
			Name:      "frames_sent_total",
			Help:      "Envelopes written to agents.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classnet",
			Name:      "send_errors_total",
			Help:      "Failed writes to agents.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classnet",
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because the envelope did not decode.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Online, m.FramesIn, m.FramesOut, m.SendErrors, m.Malformed)
	}
	return m
}
