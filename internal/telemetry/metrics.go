// Package telemetry provides application-level observability for channelhub.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<CHH_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Connection state transitions
//   - Provider call outcomes and latency
//   - Health checks, monitored and quarantined instance gauges
//   - Inbound webhook events
//   - Rate limiter rejections and recovered background panics
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric is labelled by instance id. Per-instance detail belongs in logs and
// the audit trail; labels stay bounded to statuses, operations and outcomes.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template (c.FullPath()) and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
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

// InstanceTransitionsTotal counts accepted status transitions, labelled
// {from, to, trigger}. Emergency resets use trigger "emergency_reset".
//
// Example PromQL queries:
//   - Pairing success rate:  sum(rate(channel_instance_transitions_total{to="connected"}[1h])) / sum(rate(channel_instance_transitions_total{from="disconnected",to="connecting"}[1h]))
//   - Provider failures:     sum by (from) (increase(channel_instance_transitions_total{to="error"}[15m]))
var InstanceTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "channel_instance_transitions_total",
		Help: "Total number of accepted channel instance status transitions, by from, to, and trigger.",
	},
	[]string{"from", "to", "trigger"},
)

// Provider client metrics.
//
// ProviderRequestsTotal is labelled {operation, outcome} where outcome is one of
// "success", "error" or "timeout". ProviderRequestDuration is labelled {operation}.
//
// Example PromQL queries:
//   - Provider error ratio:  sum(rate(provider_requests_total{outcome!="success"}[5m])) / sum(rate(provider_requests_total[5m]))
//   - p95 connect latency:   histogram_quantile(0.95, rate(provider_request_duration_seconds_bucket{operation="connect"}[5m]))
var (
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of calls made to the messaging provider, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Histogram of messaging provider call latencies, by operation.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

// Monitoring metrics.
//
// HealthChecksTotal is labelled {outcome}: "success", "failure" or "discarded"
// (the instance was unregistered while its check was in flight).
//
// Example PromQL queries:
//   - Failing checks:          rate(instance_health_checks_total{outcome="failure"}[5m])
//   - Alert on quarantine:     quarantined_instances > 0
var (
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instance_health_checks_total",
			Help: "Total number of instance health checks, by outcome.",
		},
		[]string{"outcome"},
	)

	MonitoredInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitored_instances",
			Help: "Current number of instances with an active monitoring task.",
		},
	)

	QuarantinedInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarantined_instances",
			Help: "Current number of instances in the quarantine set.",
		},
	)
)

// WebhookEventsTotal is labelled {event, outcome} where outcome is "applied",
// "noop", "ignored", "rejected" or "invalid".
//
// Example PromQL queries:
//   - Event mix:  sum by (event) (rate(webhook_events_total[5m]))
var WebhookEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of inbound provider webhook events, by event kind and outcome.",
	},
	[]string{"event", "outcome"},
)

// RateLimitedRequestsTotal counts requests rejected by a rate limiter, labelled {scope}.
var RateLimitedRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limited_requests_total",
		Help: "Total number of requests rejected by rate limiting, by limiter scope.",
	},
	[]string{"scope"},
)

// BackgroundPanicsTotal counts panics recovered by safego, labelled {task}.
var BackgroundPanicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "background_panics_total",
		Help: "Total number of panics recovered in background goroutines, by task name.",
	},
	[]string{"task"},
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <CHH_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until ctx
// is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
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
	}()
}

// ObserveProviderCall records one provider call. err == nil is a success;
// context.DeadlineExceeded anywhere in the chain is a timeout.
func ObserveProviderCall(operation string, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if isTimeout(err) {
			outcome = "timeout"
		}
	}
	ProviderRequestsTotal.WithLabelValues(operation, outcome).Inc()
	ProviderRequestDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
