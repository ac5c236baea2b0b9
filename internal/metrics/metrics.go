// Package metrics exposes Prometheus instrumentation for the frame pass.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync holds the collectors updated by the state synchronizer.
type Sync struct {
	Frames            prometheus.Counter
	FrameDuration     prometheus.Histogram
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	Sessions          prometheus.Gauge
	Subscriptions     prometheus.Gauge
	PushErrors        prometheus.Counter
	SubscribeRequests *prometheus.CounterVec
}

// NewSync builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewSync(reg prometheus.Registerer) *Sync {
	m := &Sync{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posesync_frames_total",
			Help: "Frame passes processed.",
		}),
		FrameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "posesync_frame_duration_seconds",
			Help:    "Wall time of one frame pass including fan-out.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posesync_frame_cache_hits_total",
			Help: "Entity states served from the per-frame cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posesync_frame_cache_misses_total",
			Help: "Entity states computed and stored in the per-frame cache.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "posesync_sessions",
			Help: "Connected sessions.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "posesync_subscriptions",
			Help: "Session to entity subscriptions.",
		}),
		PushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posesync_push_errors_total",
			Help: "State updates that could not be handed to a session.",
		}),
		SubscribeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posesync_subscribe_requests_total",
			Help: "Subscribe requests by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.FrameDuration, m.CacheHits, m.CacheMisses,
			m.Sessions, m.Subscriptions, m.PushErrors, m.SubscribeRequests)
	}
	return m
}

// ObserveFrame records one frame pass.
func (m *Sync) ObserveFrame(d time.Duration) {
	if m == nil {
		return
	}
	m.Frames.Inc()
	m.FrameDuration.Observe(d.Seconds())
}

// Subscribe records the outcome of one subscribe request.
func (m *Sync) Subscribe(result string) {
	if m == nil {
		return
	}
	m.SubscribeRequests.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
