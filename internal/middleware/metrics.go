package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/channelhub/channelhub/internal/telemetry"
)

// unmatchedRoute labels requests that hit no registered route (404/405).
const unmatchedRoute = "<no-route>"

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request.
//
// The path label is the matched route template (c.FullPath()), e.g.
// /api/v1/instances/:id/connect, so instance ids and the webhook secret never
// become label values. Register it after gin.Recovery() and RequestIDMiddleware
// so statuses written by error handlers are captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
