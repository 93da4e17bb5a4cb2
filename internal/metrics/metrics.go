// Package metrics exposes receipt verification counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the services layer
type Recorder interface {
	RecordVerification(platform, outcome string)
	ObserveStoreLatency(platform string, duration time.Duration)
	RecordNotification(notificationType, outcome string)
}

// Collector records metrics into a Prometheus registry
type Collector struct {
	verifications *prometheus.CounterVec
	storeLatency  *prometheus.HistogramVec
	notifications *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_verifications_total",
			Help: "Receipt verification requests by platform and outcome",
		}, []string{"platform", "outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receipt_store_latency_seconds",
			Help:    "Latency of store verification calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_store_notifications_total",
			Help: "Store notifications by type and outcome",
		}, []string{"type", "outcome"}),
	}

	reg.MustRegister(c.verifications, c.storeLatency, c.notifications)
	return c
}

func (c *Collector) RecordVerification(platform, outcome string) {
	if c == nil {
		return
	}
	if platform == "" {
		platform = "unknown"
	}
	c.verifications.WithLabelValues(platform, outcome).Inc()
}

func (c *Collector) ObserveStoreLatency(platform string, duration time.Duration) {
	if c == nil {
		return
	}
	c.storeLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

func (c *Collector) RecordNotification(notificationType, outcome string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(notificationType, outcome).Inc()
}

// Handler returns the scrape handler for gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
