package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry          *prometheus.Registry
	ActiveConnections prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
	ReconnectsTotal   prometheus.Counter
	DecodeErrorsTotal prometheus.Counter
	FlushesTotal      prometheus.Counter
	FlushErrorsTotal  prometheus.Counter
	Popularity        *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bilive_monitor",
			Name:      "active_connections",
			Help:      "Number of authenticated danmaku connections",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bilive_monitor",
			Name:      "frames_total",
			Help:      "Total wire frames received by operation",
		}, []string{"op"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bilive_monitor",
			Name:      "events_total",
			Help:      "Total dispatched events by kind",
		}, []string{"kind"}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bilive_monitor",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts after unexpected closes",
		}),
		DecodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bilive_monitor",
			Name:      "decode_errors_total",
			Help:      "Total discarded reads that failed frame decoding",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bilive_monitor",
			Name:      "stats_flushes_total",
			Help:      "Total stats buffer flushes committed",
		}),
		FlushErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bilive_monitor",
			Name:      "stats_flush_errors_total",
			Help:      "Total stats buffer flushes that failed after retry",
		}),
		Popularity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bilive_monitor",
			Name:      "room_popularity",
			Help:      "Last popularity value from the heartbeat ack",
		}, []string{"room"}),
	}
	r.MustRegister(
		m.ActiveConnections, m.FramesTotal, m.EventsTotal, m.ReconnectsTotal,
		m.DecodeErrorsTotal, m.FlushesTotal, m.FlushErrorsTotal, m.Popularity,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
