package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cpgkit/apply/internal/platform/auth"
)

// RateLimitConfig bounds per-caller throughput on the FHIR surface. $apply
// walks definition graphs and evaluates expressions, so one caller replaying
// large plans can consume far more than its share of the server.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns the limits used by the served FHIR group.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// bucket is one caller's token bucket, refilled lazily on use.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// take spends one token. When the bucket is empty it reports how long the
// caller should wait before retrying.
func (b *bucket) take(cfg RateLimitConfig) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * cfg.RequestsPerSecond
	if burst := float64(cfg.BurstSize); b.tokens > burst {
		b.tokens = burst
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if cfg.RequestsPerSecond <= 0 {
		return false, time.Second
	}
	wait := math.Ceil((1 - b.tokens) / cfg.RequestsPerSecond)
	return false, time.Duration(wait) * time.Second
}

// limiter hands out one bucket per caller key.
type limiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{cfg: cfg, buckets: map[string]*bucket{}}
}

func (l *limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), last: time.Now()}
		l.buckets[key] = b
	}
	return b
}

// limitKey identifies the caller. Authenticated requests are limited per
// subject so clients behind a shared proxy do not starve each other;
// anonymous requests fall back to the client address.
func limitKey(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.RealIP()
}

// RateLimit enforces a per-caller token bucket. Over-limit requests get 429
// with a Retry-After hint. Must run after the auth middleware so the
// authenticated subject is on the context.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg)
	limitValue := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ok, wait := l.bucketFor(limitKey(c)).take(cfg)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitValue)
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(wait/time.Second)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
