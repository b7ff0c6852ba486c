// Package telemetry provides observability primitives for the gateway.
// Metric labels never carry session ids, key ids, or anything derived from
// request content.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	KeySelections    *prometheus.CounterVec
	MixingDispatches *prometheus.CounterVec
	BackgroundDecoys prometheus.Gauge
	RateLimitRejects prometheus.Counter
	TokensProcessed  *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "veil",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veil",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "veil",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider"}),

		KeySelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Name:      "key_selections_total",
			Help:      "Total keys handed out by the allocator, by pool.",
		}, []string{"provider", "model"}),

		MixingDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Name:      "mixing_dispatches_total",
			Help:      "Total upstream dispatches by kind (real or decoy).",
		}, []string{"kind"}),

		BackgroundDecoys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veil",
			Name:      "background_decoys",
			Help:      "Decoy dispatches still completing in the background.",
		}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veil",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "type"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veil",
			Name:      "sessions_active",
			Help:      "Sessions initialized and not yet ended or expired.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.KeySelections,
		m.MixingDispatches,
		m.BackgroundDecoys,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.SessionsActive,
	)

	return m
}
