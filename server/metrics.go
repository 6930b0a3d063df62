package server

import (
	"github.com/drpcorg/dds/utils"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Sessions    prometheus.Gauge
	Rejected    *prometheus.CounterVec
	Disconnects *prometheus.CounterVec
	Requests    *prometheus.CounterVec
	Delivered   prometheus.Counter
	Evicted     prometheus.Counter
	Reaped      prometheus.Counter
	// BlockSize is the running average of messages per block reply.
	BlockSize *utils.AvgVal
}

func NewMetrics() *Metrics {
	return &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dds",
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Open client sessions",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dds",
			Subsystem: "server",
			Name:      "rejected_total",
			Help:      "Connections refused at admission",
		}, []string{"reason"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dds",
			Subsystem: "server",
			Name:      "disconnects_total",
			Help:      "Closed sessions by reason",
		}, []string{"reason"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dds",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Client requests by message type",
		}, []string{"type"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dds",
			Subsystem: "server",
			Name:      "delivered_total",
			Help:      "Messages delivered to clients",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dds",
			Subsystem: "server",
			Name:      "evicted_total",
			Help:      "Sessions closed by the duplicate-session check",
		}),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dds",
			Subsystem: "server",
			Name:      "reaped_total",
			Help:      "Sessions closed for inactivity",
		}),
		BlockSize: &utils.AvgVal{},
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Sessions, m.Rejected, m.Disconnects, m.Requests, m.Delivered, m.Evicted, m.Reaped}
}

// Register adds every server metric to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
