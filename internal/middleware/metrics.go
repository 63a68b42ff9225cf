// Package middleware provides the router-wide Gin middleware of the gateway: request IDs,
// Prometheus metrics, request logging and CORS. Per-route authorization lives in the gateway
// package.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds. The path
// label is the matched route template; unmatched requests share "<no-route>". Requests to the
// route templates in skip (typically the liveness and readiness probes) are not recorded.
func MetricsMiddleware(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if _, ok := skipped[route]; ok && route != "" {
			return
		}
		if route == "" {
			route = "<no-route>"
		}

		status := strconv.Itoa(c.Writer.Status())
		telemetry.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
