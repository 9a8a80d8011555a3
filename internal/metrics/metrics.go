// Package metrics provides Prometheus metrics for the tunnel engine,
// grounded on the teacher's internal/metrics package: one struct of
// pre-registered collectors built with promauto, grouped by subsystem.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnelcore"

// Metrics holds every collector the engine exposes on /metrics.
type Metrics struct {
	// Session metrics (C5, C6)
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	HandshakeLatency  prometheus.Histogram
	HandshakeFailures *prometheus.CounterVec
	HeartbeatRTT      prometheus.Histogram

	// Stream metrics (C4)
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     *prometheus.CounterVec
	StreamOpenLatency prometheus.Histogram
	StreamRefused     prometheus.Counter

	// Frame / wire metrics (C1, C3)
	FramesSent       *prometheus.CounterVec
	FramesReceived   *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	BatchFlushes     prometheus.Counter
	BatchFlushFrames prometheus.Histogram
	BatchInterval    prometheus.Gauge

	// Ingress metrics (C8)
	IngressRequests     *prometheus.CounterVec
	IngressLatency      prometheus.Histogram
	IngressActiveConns  prometheus.Gauge
	TunnelNotFoundTotal prometheus.Counter

	// Upstream pool metrics (C9)
	PoolCheckouts  *prometheus.CounterVec
	PoolIdleConns  prometheus.Gauge
	PoolDials      prometheus.Counter
	PoolDialErrors prometheus.Counter

	// Resource limit metrics (C12)
	SessionsRejectedBusy prometheus.Counter
	SessionsOverloaded   prometheus.Counter
	RateLimitedStreams   prometheus.Counter

	// Reconnect metrics (C11)
	ReconnectAttempts prometheus.Counter
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide Metrics instance, registered against
// prometheus.DefaultRegisterer the first time it's called.
func Default() *Metrics {
	once.Do(func() { defaultMetrics = New(prometheus.DefaultRegisterer) })
	return defaultMetrics
}

// Handler serves the default Prometheus registry, grounded on the
// teacher's internal/health server mounting promhttp.Handler() at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// New builds a Metrics instance against reg. Tests should pass a fresh
// prometheus.NewRegistry() to avoid colliding with other tests' collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Number of currently active tunnel sessions.",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Total number of sessions successfully registered.",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Total sessions closed, by cause.",
		}, []string{"cause"}),
		HandshakeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handshake_latency_seconds",
			Help:    "Time to complete the Handshake/Register exchange.",
			Buckets: prometheus.DefBuckets,
		}),
		HandshakeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_failures_total",
			Help: "Handshake/Register failures, by status.",
		}, []string{"status"}),
		HeartbeatRTT: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "heartbeat_rtt_seconds",
			Help:    "Observed heartbeat round-trip time.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "streams_active",
			Help: "Number of currently open virtual streams across all sessions.",
		}),
		StreamsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_opened_total",
			Help: "Total virtual streams opened.",
		}),
		StreamsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_closed_total",
			Help: "Total virtual streams closed, by reason.",
		}, []string{"reason"}),
		StreamOpenLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stream_open_latency_seconds",
			Help:    "Time from OpenStream to StreamAck.",
			Buckets: prometheus.DefBuckets,
		}),
		StreamRefused: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_refused_total",
			Help: "Total OpenStream requests refused (capacity or peer policy).",
		}),

		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total",
			Help: "Total frames written to the wire, by type.",
		}, []string{"type"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Total frames read from the wire, by type.",
		}, []string{"type"}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Total Data frame payload bytes written to the wire.",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Total Data frame payload bytes read from the wire.",
		}),
		BatchFlushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_flushes_total",
			Help: "Total vectored writes issued by the batched sender.",
		}),
		BatchFlushFrames: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_flush_frames",
			Help:    "Number of frames coalesced into each vectored write.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		BatchInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "batch_flush_interval_microseconds",
			Help: "Current adaptive flush interval, in microseconds.",
		}),

		IngressRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingress_requests_total",
			Help: "Total public requests accepted by the HTTP ingress, by status class.",
		}, []string{"status"}),
		IngressLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ingress_request_latency_seconds",
			Help:    "End-to-end latency of a proxied request, as observed by the ingress.",
			Buckets: prometheus.DefBuckets,
		}),
		IngressActiveConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ingress_active_connections",
			Help: "Number of public connections currently being proxied.",
		}),
		TunnelNotFoundTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingress_tunnel_not_found_total",
			Help: "Total requests with no matching entry in the session registry.",
		}),

		PoolCheckouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_checkouts_total",
			Help: "Total upstream pool acquire calls, by outcome.",
		}, []string{"outcome"}),
		PoolIdleConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_idle_connections",
			Help: "Number of idle upstream connections currently pooled.",
		}),
		PoolDials: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_dials_total",
			Help: "Total fresh upstream dials (pool miss).",
		}),
		PoolDialErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_dial_errors_total",
			Help: "Total upstream dial failures.",
		}),

		SessionsRejectedBusy: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_rejected_busy_total",
			Help: "Total handshakes rejected because max_sessions was reached.",
		}),
		SessionsOverloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_overloaded_total",
			Help: "Total sessions torn down for exceeding max_inflight_frames.",
		}),
		RateLimitedStreams: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_streams_total",
			Help: "Total stream opens rejected by a per-session rate limiter.",
		}),

		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Total client reconnect attempts.",
		}),
	}
}
