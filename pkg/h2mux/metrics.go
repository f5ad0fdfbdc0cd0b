package h2mux

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "h2mux_sessions_active",
			Help: "Current number of live HTTP/2 sessions",
		},
	)

	streamsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_streams_total",
			Help: "Total number of streams opened across all sessions",
		},
	)

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2mux_frames_total",
			Help: "Total number of HTTP/2 frames by direction",
		},
		[]string{"direction"},
	)

	dataBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2mux_data_bytes_total",
			Help: "Total DATA payload bytes by direction",
		},
		[]string{"direction"},
	)

	pingRTTSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "h2mux_ping_rtt_seconds",
			Help:    "PING acknowledgement round-trip time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	streamDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "h2mux_stream_duration_seconds",
			Help:    "Average stream lifetime per session in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	sessionErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2mux_session_errors_total",
			Help: "Total number of connection-fatal session errors",
		},
	)
)

// MetricsHandler exposes the collected metrics for Prometheus scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// observeSessionStats records a session's final counter snapshot.
func observeSessionStats(s Stats) {
	framesTotal.WithLabelValues("received").Add(float64(s.FramesReceived))
	framesTotal.WithLabelValues("sent").Add(float64(s.FramesSent))
	dataBytesTotal.WithLabelValues("received").Add(float64(s.DataReceived))
	dataBytesTotal.WithLabelValues("sent").Add(float64(s.DataSent))
	if s.PingRTT > 0 {
		pingRTTSeconds.Observe(s.PingRTT.Seconds())
	}
	if s.StreamAverageDuration > 0 {
		streamDurationSeconds.Observe(s.StreamAverageDuration.Seconds())
	}
}
