// Package telemetry provides application-level observability for the identity service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<IDC_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Login outcomes and session rejections
//   - Email intents by template and delivery result
//   - Audit records by category
//   - Token sweeper results
//   - Rate limiter rejections by scope
//   - Panics recovered in background goroutines
//   - Database connection pool gauge (polled every 30 s)
//
// HTTP metrics use c.FullPath() (route template such as /auth/invitation-info/:token)
// so that user-supplied path segments, invitation tokens included, never become labels.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request metrics. The path label is always the route template.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by method, route template and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Login outcome labels for AuthLoginsTotal
const (
	LoginSuccess          = "success"
	LoginFailed           = "failed"
	LoginInactive         = "inactive"
	LoginPendingSelection = "pending_selection"
	LoginNoTenant         = "no_tenant"
)

// Authentication metrics.
//
// AuthLoginsTotal counts /auth/login outcomes. A spike in "failed" without a
// matching rise in "success" is the usual credential-stuffing signal:
//
//	sum by (outcome) (rate(auth_logins_total[5m]))
//
// AuthSessionRejectionsTotal counts bearer tokens refused by the session
// resolver, by reason (token_invalid, no_user, inactive, tenant_disabled,
// membership_revoked, tenant_selection_required).
var (
	AuthLoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Total number of login attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	AuthSessionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_rejections_total",
			Help: "Total number of rejected session tokens, by reason.",
		},
		[]string{"reason"},
	)
)

// AuthEmailsTotal counts email intents by template and result (sent, failed, logged)
var AuthEmailsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_emails_total",
		Help: "Total number of identity emails, by template and delivery result.",
	},
	[]string{"template", "result"},
)

// AuditRecordsTotal counts committed audit records by category
var AuditRecordsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_records_total",
		Help: "Total number of audit records written, by category.",
	},
	[]string{"category"},
)

// TokensSweptTotal counts expired tokens cleared by the sweeper, by kind (reset, invitation)
var TokensSweptTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tokens_swept_total",
		Help: "Total number of expired reset and invitation tokens cleared by the sweeper.",
	},
	[]string{"kind"},
)

// BackgroundPanicsTotal counts panics recovered in background goroutines, by task
var BackgroundPanicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "background_panics_total",
		Help: "Total number of panics recovered in background goroutines.",
	},
	[]string{"task"},
)

// RateLimitRejectionsTotal counts requests rejected with 429, by limiter scope
var RateLimitRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Total number of requests rejected by a rate limiter.",
	},
	[]string{"scope"},
)

// DBOpenConnections tracks the number of open connections held by the pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples pool
// statistics every 30 seconds. It exits once the database becomes unreachable,
// which happens when the process shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
