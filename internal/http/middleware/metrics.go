// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file instruments API traffic with Prometheus. Labels stay
// low-cardinality on purpose: the path label is the registered Gin route
// (e.g. /conversations/:id/messages), never the raw URL, so peer and
// conversation ids cannot explode the series space.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reqCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests handled by the relay API.",
		},
		[]string{"method", "path", "status"},
	)

	// Latency omits the status label to keep histogram cardinality down.
	reqLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Relay API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	reqInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_http_requests_inflight",
			Help: "Relay API requests currently being handled.",
		},
	)

	// Buckets sized for this API: small JSON envelopes up through full
	// message-history pages.
	respBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "relay_http_response_size_bytes",
			Help: "Relay API response sizes in bytes.",
			Buckets: []float64{
				200, 500, 1 << 10, 2 << 10, 5 << 10,
				10 << 10, 25 << 10, 50 << 10,
				100 << 10, 250 << 10, 500 << 10,
				1 << 20,
			},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(reqCount, reqLatency, reqInFlight, respBytes)
}

// Metrics returns a Gin middleware that records request count, duration,
// in-flight concurrency, and response size for every request. When no route
// matched (404s, probes) the path label falls back to the raw URL path.
// Responses that never report a size, such as hijacked websocket upgrades,
// skip the size histogram.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqInFlight.Inc()
		defer reqInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		reqCount.WithLabelValues(method, path, status).Inc()
		reqLatency.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			respBytes.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
