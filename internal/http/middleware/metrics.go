// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic. Labels are
// the method, the registered route (e.g. /api/v1/applications/:id) and the
// status code. Requests that matched no route share the "unmatched" route
// label so scanners cannot blow up cardinality.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests for which Gin found no handler.
const unmatchedRoute = "unmatched"

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	// Status is left off the latency histogram.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// Application payloads are small; buckets stop at 1MiB, the body limit.
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Size of HTTP responses in bytes.",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize)
}

// Metrics instruments every request. Mount the exporter separately:
//
//	r.Use(middleware.Metrics())
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method

		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		// Size is -1 when nothing was written.
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
