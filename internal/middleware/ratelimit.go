// ratelimit.go provides Gin middleware that enforces per-client token-bucket rate limits,
// returning 429 responses when the configured requests-per-minute threshold is exceeded.
// Limits are tracked in process memory, or in Redis when several replicas share a budget.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/channelhub/channelhub/internal/safego"
	"github.com/channelhub/channelhub/internal/telemetry"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// Scope labels the limiter in metrics and Redis keys
	Scope string
	// RequestsPerMinute is the maximum number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// IdleTTL is how long an unused in-memory bucket is kept
	IdleTTL time.Duration
	// CleanupInterval is how often idle buckets are removed
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns limits for the management API
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Scope:             "api",
		RequestsPerMinute: 120,
		BurstSize:         30,
		IdleTTL:           10 * time.Minute,
		CleanupInterval:   5 * time.Minute,
	}
}

// WebhookRateLimitConfig returns limits for the provider webhook endpoint.
// A pairing burst produces many QR updates in quick succession.
func WebhookRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Scope:             "webhook",
		RequestsPerMinute: 600,
		BurstSize:         100,
		IdleTTL:           10 * time.Minute,
		CleanupInterval:   5 * time.Minute,
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Config() RateLimitConfig
	Stop()
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one x/time/rate token bucket per key.
type MemoryLimiter struct {
	config   RateLimitConfig
	mu       sync.Mutex
	buckets  map[string]*bucket
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewMemoryLimiter creates a limiter and starts its janitor.
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	l := &MemoryLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if config.CleanupInterval > 0 {
		safego.Go("ratelimit.janitor", l.janitor)
	}
	return l
}

func (l *MemoryLimiter) limit() rate.Limit {
	return rate.Limit(float64(l.config.RequestsPerMinute) / 60.0)
}

func (l *MemoryLimiter) janitor() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// Cleanup drops buckets idle longer than IdleTTL.
func (l *MemoryLimiter) Cleanup() int {
	cutoff := l.now().Add(-l.config.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Allow consumes one token for key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit(), l.config.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	remaining := int(math.Max(0, math.Floor(b.lim.TokensAt(now))))
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Config returns the limiter configuration.
func (l *MemoryLimiter) Config() RateLimitConfig { return l.config }

// Stop stops the janitor goroutine
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// RedisLimiter shares a GCRA budget across replicas through Redis.
type RedisLimiter struct {
	config  RateLimitConfig
	limiter *redis_rate.Limiter
}

// NewRedisLimiter creates a Redis-backed limiter on client.
func NewRedisLimiter(client redis.UniversalClient, config RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{config: config, limiter: redis_rate.NewLimiter(client)}
}

// Allow consumes one unit of the key's budget.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	limit := redis_rate.Limit{
		Rate:   l.config.RequestsPerMinute,
		Burst:  l.config.BurstSize,
		Period: time.Minute,
	}
	res, err := l.limiter.Allow(ctx, "chh:rl:"+l.config.Scope+":"+key, limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Config returns the limiter configuration.
func (l *RedisLimiter) Config() RateLimitConfig { return l.config }

// Stop is a no-op; the Redis client is owned by the caller.
func (l *RedisLimiter) Stop() {}

// RateLimitMiddleware creates a Gin middleware that rate limits requests.
// A limiter backend error lets the request through.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	cfg := limiter.Config()
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		d, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "scope", cfg.Scope, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			telemetry.RateLimitedRequestsTotal.WithLabelValues(cfg.Scope).Inc()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"code":        "rate_limited",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting
// Priority: token subject > IP address
func getRateLimitKey(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return "user:" + claims.Subject
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
