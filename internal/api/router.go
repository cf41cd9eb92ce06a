// Package api wires together all HTTP routes for the channelhub service.
//
// Route groups:
//   - /health, /ready, /version and /metrics are unauthenticated.
//   - /webhooks/provider/:secret receives provider events. It carries no bearer
//     token; the URL secret is checked in constant time and the route is rate
//     limited per source IP.
//   - /api/v1 requires a bearer JWT; /api/v1/admin additionally requires the
//     admin role.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/channelhub/channelhub/internal/api/admin"
	"github.com/channelhub/channelhub/internal/api/instances"
	"github.com/channelhub/channelhub/internal/api/webhooks"
	"github.com/channelhub/channelhub/internal/audit"
	"github.com/channelhub/channelhub/internal/auth"
	"github.com/channelhub/channelhub/internal/clock"
	"github.com/channelhub/channelhub/internal/config"
	"github.com/channelhub/channelhub/internal/db/repositories"
	"github.com/channelhub/channelhub/internal/instance"
	"github.com/channelhub/channelhub/internal/jobs"
	"github.com/channelhub/channelhub/internal/middleware"
	"github.com/channelhub/channelhub/internal/monitor"
	"github.com/channelhub/channelhub/internal/recovery"
	"github.com/channelhub/channelhub/internal/safego"
)

// Version is reported by /version. cmd/server overrides it at link time.
var Version = "dev"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	Service  *instance.Service
	Registry *monitor.Registry

	cleanupJob   *jobs.MonitoringCleanupJob
	rateLimiters []middleware.Limiter
	recorder     *audit.Recorder
	redis        *redis.Client
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown(ctx context.Context) {
	slog.Info("stopping background services")
	if bg.cleanupJob != nil {
		bg.cleanupJob.Stop()
	}
	if bg.Registry != nil {
		if err := bg.Registry.Shutdown(ctx); err != nil {
			slog.Warn("monitoring registry did not drain in time", "error", err)
		}
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.recorder != nil {
		if err := bg.recorder.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	if bg.redis != nil {
		_ = bg.redis.Close()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router and every component behind it.
func NewRouter(cfg *config.Config, db *sql.DB, prov instance.Provider) (*gin.Engine, *BackgroundServices, error) {
	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, nil, err
	}

	// Repositories
	instanceRepo := repositories.NewChannelInstanceRepository(sqlx.NewDb(db, "postgres"))
	auditRepo := repositories.NewAuditRepository(db)

	// Audit trail
	shipper, err := audit.NewMultiShipper(audit.ConfigsFrom(cfg.Audit.Shippers))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure audit shippers: %w", err)
	}
	var auditStore audit.Store
	if cfg.Audit.Enabled {
		auditStore = auditRepo
	}
	var auditShipper audit.Shipper
	if shipper.Len() > 0 {
		auditShipper = shipper
	}
	recorder := audit.NewRecorder(auditStore, auditShipper)

	// Lifecycle service, monitoring registry and recovery controller
	clk := clock.Real()
	registry := monitor.NewRegistry(monitor.Options{
		Clock:            clk,
		DefaultInterval:  cfg.Monitoring.Interval,
		FailureThreshold: cfg.Monitoring.FailureThreshold,
		InactiveTTL:      cfg.Monitoring.InactiveTTL,
		Audit:            recorder,
	})
	svc := instance.NewService(instanceRepo, prov, recorder, registry, instance.Options{
		Clock:              clk,
		Pairing:            instance.PairingPolicy{Window: cfg.Pairing.Window, ScanGuard: cfg.Pairing.ScanGuard},
		MonitorInterval:    cfg.Monitoring.Interval,
		ConnectTimeout:     cfg.Provider.RequestTimeout,
		StatusTimeout:      cfg.Provider.StatusTimeout,
		HealthCheckTimeout: cfg.Provider.HealthCheckTimeout,
		WebhookConfigured:  cfg.Webhooks.Secret != "",
	})
	registry.SetHealthChecker(svc)
	processor := instance.NewEventProcessor(svc)
	controller := recovery.NewController(svc, registry, recorder, clk)

	cleanupJob := jobs.NewMonitoringCleanupJob(controller, cfg.Monitoring.CleanupInterval)
	safego.Go("jobs.monitoring_cleanup", func() { cleanupJob.Start(context.Background()) })

	bg := &BackgroundServices{
		Service:    svc,
		Registry:   registry,
		cleanupJob: cleanupJob,
		recorder:   recorder,
	}

	// Rate limiters: shared through Redis when enabled, per process otherwise
	newLimiter := func(rc middleware.RateLimitConfig) middleware.Limiter {
		if bg.redis != nil {
			return middleware.NewRedisLimiter(bg.redis, rc)
		}
		return middleware.NewMemoryLimiter(rc)
	}
	if cfg.Redis.Enabled {
		bg.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	apiLimit := middleware.DefaultRateLimitConfig()
	if rl := cfg.Security.RateLimiting; rl.RequestsPerMinute > 0 {
		apiLimit.RequestsPerMinute, apiLimit.BurstSize = rl.RequestsPerMinute, rl.Burst
	}
	webhookLimit := middleware.WebhookRateLimitConfig()
	if cfg.Webhooks.RequestsPerMinute > 0 {
		webhookLimit.RequestsPerMinute, webhookLimit.BurstSize = cfg.Webhooks.RequestsPerMinute, cfg.Webhooks.Burst
	}
	apiLimiter := newLimiter(apiLimit)
	webhookLimiter := newLimiter(webhookLimit)
	bg.rateLimiters = []middleware.Limiter{apiLimiter, webhookLimiter}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, registry))
	router.GET("/version", versionHandler())
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.PrometheusPort == 0 {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	webhookHandler := webhooks.NewProviderWebhookHandler(cfg.Webhooks.Secret, processor)
	router.POST("/webhooks/provider/:secret", middleware.RateLimitMiddleware(webhookLimiter), webhookHandler.HandleWebhook)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(tokens))
	if cfg.Security.RateLimiting.Enabled {
		apiV1.Use(middleware.RateLimitMiddleware(apiLimiter))
	}
	instances.NewHandlers(svc).Register(apiV1)

	adminGroup := apiV1.Group("/admin")
	adminGroup.Use(middleware.RequireAdmin())
	admin.NewHandlers(controller, auditRepo).Register(adminGroup)

	if cfg.Monitoring.ResumeOnStartup {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := svc.ResumeMonitoring(ctx)
		if err != nil {
			slog.Error("failed to resume monitoring", "error", err)
		} else {
			slog.Info("resumed monitoring", "instances", n)
		}
	}

	return router, bg, nil
}

// @Summary      Health check
// @Description  Liveness check. Checks database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// MonitoringStatus reports aggregate supervision health.
type MonitoringStatus interface {
	Status() monitor.Report
}

// readinessHandler reports whether the service can take traffic. Supervision
// health is included for operators but does not fail readiness: a critical
// fleet still needs the API to recover it.
func readinessHandler(db *sql.DB, mon MonitoringStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		report := mon.Status()
		checks["monitoring"] = gin.H{
			"system_health": report.SystemHealth,
			"monitoring":    report.Monitoring,
			"problematic":   report.Problematic,
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build and API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured line per request
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		// The webhook secret is part of the path.
		if route := c.FullPath(); route == "/webhooks/provider/:secret" {
			path = "/webhooks/provider/:secret"
		}

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.String("actor", middleware.GetActor(c)),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
