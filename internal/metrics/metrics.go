// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomsync"

// Relay groups the relay collectors.
type Relay struct {
	Connections   prometheus.Gauge
	Topics        prometheus.Gauge
	FramesIn      *prometheus.CounterVec
	FramesOut     prometheus.Counter
	FramesDropped *prometheus.CounterVec
	RateLimited   prometheus.Counter

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SnapshotSaves   *prometheus.CounterVec
}

// NewRelay creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open relay websocket connections.",
		}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_topics",
			Help:      "Topics with at least one local subscriber.",
		}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_in_total",
			Help:      "Frames received from clients by op.",
		}, []string{"op"}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_out_total",
			Help:      "Message frames queued to clients.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_dropped_total",
			Help:      "Frames dropped by reason.",
		}, []string{"reason"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rate_limited_total",
			Help:      "Frames rejected by the per connection rate limiter.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"method"}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot save attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.Topics,
			m.FramesIn,
			m.FramesOut,
			m.FramesDropped,
			m.RateLimited,
			m.Requests,
			m.RequestDuration,
			m.SnapshotSaves,
		)
	}
	return m
}
