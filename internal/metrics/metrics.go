// Package metrics exposes the pipeline's prometheus collectors. A nil
// *Pipeline is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postflow"

type Pipeline struct {
	TickDuration   prometheus.Histogram
	PostsPromoted  prometheus.Counter
	Deliveries     *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	QueueItems     *prometheus.GaugeVec
	TokenRefreshes *prometheus.CounterVec
	Events         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		PostsPromoted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_promoted_total",
			Help:      "Scheduled posts moved to publishing.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Queue item outcomes by platform.",
		}, []string{"platform", "outcome"}),
		PublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time spent in a platform publish call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		QueueItems: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Queue items by status, sampled each tick.",
		}, []string{"status"}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Credential refresh attempts by platform and result.",
		}, []string{"platform", "result"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_events_total",
			Help:      "Delivery events emitted by status.",
		}, []string{"status"}),
	}
}

func (m *Pipeline) ObserveTick(d time.Duration, promoted int) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
	m.PostsPromoted.Add(float64(promoted))
}

func (m *Pipeline) ObserveDelivery(platform, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(platform, outcome).Inc()
	if d > 0 {
		m.PublishLatency.WithLabelValues(platform).Observe(d.Seconds())
	}
}

// SetQueueItems replaces the per-status gauge values.
func (m *Pipeline) SetQueueItems(stats map[string]int64) {
	if m == nil {
		return
	}
	m.QueueItems.Reset()
	for status, n := range stats {
		m.QueueItems.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Pipeline) ObserveRefresh(platform string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TokenRefreshes.WithLabelValues(platform, result).Inc()
}

func (m *Pipeline) ObserveEvent(status string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(status).Inc()
}
