// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contextmem"

// Metrics groups every collector. Construct one per registry.
type Metrics struct {
	PatternDetections        *prometheus.CounterVec
	PatternDetectionFailures prometheus.Counter
	PatternDetectionDropped  prometheus.Counter
	PatternDetectionDuration prometheus.Histogram
	DetectionQueueDepth      prometheus.Gauge
	HTTPRequests             *prometheus.CounterVec
	ReadFailures             *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PatternDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_detections_total",
			Help:      "Total number of patterns upserted by the detector",
		}, []string{"pattern_type"}),
		PatternDetectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_detection_failures_total",
			Help:      "Total number of detection jobs that failed after retries",
		}),
		PatternDetectionDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_detection_dropped_total",
			Help:      "Total number of detection jobs dropped because the queue was full or closed",
		}),
		PatternDetectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pattern_detection_duration_seconds",
			Help:      "Duration of a detection job in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}),
		DetectionQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pattern_detection_queue_depth",
			Help:      "Number of detection jobs waiting in the queue",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
		ReadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_failures_total",
			Help:      "Total number of read paths that degraded to an empty result",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PatternDetections,
			m.PatternDetectionFailures,
			m.PatternDetectionDropped,
			m.PatternDetectionDuration,
			m.DetectionQueueDepth,
			m.HTTPRequests,
			m.ReadFailures,
		)
	}
	return m
}

// NewNop returns unregistered collectors.
func NewNop() *Metrics {
	return New(nil)
}
