package metrics

import (
	"fmt"
	"net/http"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection Metrics
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "radiatus_connections_active",
		Help: "The current number of open connections per capability.",
	}, []string{"capability"})
	TotalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiatus_connections_total",
		Help: "The total number of connections accepted per capability.",
	}, []string{"capability"})
	SessionHandlers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "radiatus_session_handlers",
		Help: "The number of application session handlers created.",
	})

	// Frame Metrics
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiatus_frames_received_total",
		Help: "The total number of frames received from clients.",
	}, []string{"kind"})
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiatus_frames_sent_total",
		Help: "The total number of frames sent to clients.",
	}, []string{"kind"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiatus_frames_malformed_total",
		Help: "The total number of text frames that could not be decoded.",
	})

	// Request Metrics
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiatus_requests_total",
		Help: "The total number of requests answered, by outcome.",
	}, []string{"capability", "method", "result"})

	// Buffer Metrics
	BinaryHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiatus_binary_handshakes_total",
		Help: "Binary handshake outcomes: cached, requested, joined, completed, mismatch, timeout.",
	}, []string{"outcome"})
	BytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiatus_bytes_uploaded_total",
		Help: "The total number of blob bytes received from clients.",
	})

	// Broker Metrics
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiatus_events_published_total",
		Help: "The total number of lifecycle events published to the broker.",
	}, []string{"broker_type"})
	EventPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiatus_event_publish_retries_total",
		Help: "The total number of retries when publishing to the broker.",
	}, []string{"broker_type"})

	// Auth Metrics
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiatus_auth_anonymous_total",
		Help: "The total number of connections routed to anonymous social.",
	})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	glog.Infof("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			glog.Errorf("Metrics server stopped: %v", err)
		}
	}()
}
