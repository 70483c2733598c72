package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HubMetrics exports subscription hub activity. It satisfies hub.Metrics.
type HubMetrics struct {
	published   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	evicted     *prometheus.CounterVec
	subscribers prometheus.Gauge
}

func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	f := promauto.With(reg)
	return &HubMetrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Subsystem: "hub",
			Name:      "published_total",
			Help:      "Messages published by channel kind",
		}, []string{"kind"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Subsystem: "hub",
			Name:      "delivered_total",
			Help:      "Messages enqueued to subscribers by channel kind",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Messages dropped on full subscriber queues",
		}, []string{"kind"}),
		evicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Subscribers evicted by reason",
		}, []string{"reason"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketpipe",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Connected subscribers",
		}),
	}
}

func (m *HubMetrics) RecordPublish(kind string, recipients int) {
	m.published.WithLabelValues(kind).Inc()
	m.delivered.WithLabelValues(kind).Add(float64(recipients))
}

func (m *HubMetrics) RecordDrop(kind string) { m.dropped.WithLabelValues(kind).Inc() }
func (m *HubMetrics) RecordEviction(reason string) { m.evicted.WithLabelValues(reason).Inc() }
func (m *HubMetrics) SetSubscribers(n int) { m.subscribers.Set(float64(n)) }

// PipelineMetrics exports the closed-candle pipeline backlog.
type PipelineMetrics struct {
	BufferDepth prometheus.Gauge
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	return &PipelineMetrics{
		BufferDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "marketpipe",
			Subsystem: "pipeline",
			Name:      "buffer_depth",
			Help:      "Closed candles waiting for the backend",
		}),
	}
}
