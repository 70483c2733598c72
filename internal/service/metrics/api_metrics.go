package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// APIMetrics tracks the market data REST endpoints.
type APIMetrics struct {
	Latency   *prometheus.HistogramVec
	Errors    *prometheus.CounterVec
	CacheHits *prometheus.CounterVec
}

func NewAPIMetrics(reg prometheus.Registerer) *APIMetrics {
	f := promauto.With(reg)
	return &APIMetrics{
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketpipe",
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "Latency of market data endpoints",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Subsystem: "api",
			Name:      "errors_total",
			Help:      "Errors by endpoint and status",
		}, []string{"endpoint", "status"}),
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Subsystem: "api",
			Name:      "cache_total",
			Help:      "Candle cache lookups by result",
		}, []string{"result"}),
	}
}
