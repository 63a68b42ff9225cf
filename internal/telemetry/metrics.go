// Package telemetry provides application-level observability for the workflow gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served on the
// side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<WFG_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Gateway rejections by reason
//   - Permission cache hits and misses
//   - Rate limit rejections by limiter class
//   - Audit pipeline outcomes (written, dropped, failed)
//   - Audit chain verification result
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/roles/:name) rather than the
// raw request URL. Rejection reasons and limiter classes are closed sets.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/safego"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// GatewayRejectionsTotal counts requests stopped by a gateway stage, labelled by the rejection
// reason (unauthenticated, permission_denied, rate_limit_exceeded, ...).
//
// Example PromQL queries:
//   - Denials per second:   sum by (reason) (rate(gateway_rejections_total[5m]))
//   - Alert on auth spikes: increase(gateway_rejections_total{reason="unauthenticated"}[5m]) > 100
var GatewayRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_rejections_total",
		Help: "Total number of requests rejected by the gateway, by reason.",
	},
	[]string{"reason"},
)

// PermissionCacheLookupsTotal counts role permission lookups by result ("hit" or "miss").
// A falling hit ratio after a deploy usually means roles are being rewritten in a loop.
var PermissionCacheLookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "permission_cache_lookups_total",
		Help: "Total number of role permission cache lookups, by result.",
	},
	[]string{"result"},
)

// RateLimitRejectionsTotal counts over-limit requests by limiter class.
var RateLimitRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter, by limiter class.",
	},
	[]string{"class"},
)

// AuditEventsTotal counts audit pipeline outcomes: "written", "dropped" (queue full) and
// "failed" (a sink returned an error).
//
// Example PromQL queries:
//   - Alert on loss: increase(audit_events_total{outcome=~"dropped|failed"}[10m]) > 0
var AuditEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_events_total",
		Help: "Total number of audit events processed, by outcome.",
	},
	[]string{"outcome"},
)

// AuditChainValid is 1 when the last background verification found the stored audit chain
// intact and 0 when it found a break.
//
// Example PromQL queries:
//   - Alert on tampering: audit_chain_valid == 0
var AuditChainValid = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "audit_chain_valid",
		Help: "Result of the last audit hash chain verification (1 intact, 0 broken).",
	},
)

// AuditChainVerifiedEvents is the number of events checked by the last verification run.
var AuditChainVerifiedEvents = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "audit_chain_verified_events",
		Help: "Number of audit events checked by the last chain verification.",
	},
)

// DBOpenConnections tracks the number of open connections currently held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until ctx is cancelled
// or the database becomes unreachable.
//
//	telemetry.StartDBStatsCollector(ctx, database)
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	safego.Go(func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	})
}
