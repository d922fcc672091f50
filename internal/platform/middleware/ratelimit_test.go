package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cpgkit/apply/internal/platform/auth"
)

func limitedHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
}

func requestAs(e *echo.Echo, subject string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/fhir/PlanDefinition/p1/$apply", nil)
	if subject != "" {
		ctx := context.WithValue(req.Context(), auth.UserIDKey, subject)
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimitAllowsWithinBurst(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(limitedHandler())

	for i := 0; i < 5; i++ {
		c, rec := requestAs(e, "dr-adams")
		if err := h(c); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: X-RateLimit-Limit = %q, want 10", i+1, got)
		}
	}
}

func TestRateLimitRejectsWhenExhausted(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(limitedHandler())

	for i := 0; i < 2; i++ {
		c, _ := requestAs(e, "dr-adams")
		if err := h(c); err != nil {
			t.Fatalf("request %d within burst: %v", i+1, err)
		}
	}

	c, rec := requestAs(e, "dr-adams")
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket is empty, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

// Each authenticated subject gets its own bucket, so exhausting one does not
// throttle another behind the same address.
func TestRateLimitSeparatesSubjects(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(limitedHandler())

	c, _ := requestAs(e, "dr-adams")
	if err := h(c); err != nil {
		t.Fatalf("first subject: %v", err)
	}
	c, _ = requestAs(e, "dr-adams")
	if err := h(c); err == nil {
		t.Fatal("expected the first subject's second request to be throttled")
	}

	c, _ = requestAs(e, "dr-baker")
	if err := h(c); err != nil {
		t.Fatalf("second subject must have its own bucket, got %v", err)
	}
}

func TestLimitKeyFallsBackToClientAddress(t *testing.T) {
	e := echo.New()

	c, _ := requestAs(e, "dr-adams")
	if got := limitKey(c); got != "user:dr-adams" {
		t.Errorf("authenticated key = %q, want user:dr-adams", got)
	}

	c, _ = requestAs(e, "")
	if got := limitKey(c); got != "ip:"+c.RealIP() {
		t.Errorf("anonymous key = %q, want ip:%s", got, c.RealIP())
	}
}

func TestBucketRefillsOverTime(t *testing.T) {
	b := &bucket{tokens: 0, last: time.Now().Add(-time.Second)}
	ok, _ := b.take(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 2})
	if !ok {
		t.Error("expected a token after a second of refill")
	}
}

func TestBucketWaitHintWithZeroRate(t *testing.T) {
	b := &bucket{tokens: 1, last: time.Now()}
	cfg := RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1}
	b.take(cfg)
	if ok, wait := b.take(cfg); ok || wait < time.Second {
		t.Errorf("expected a one-second hint when the bucket never refills, got %v/%v", ok, wait)
	}
}

func TestLimiterReusesBuckets(t *testing.T) {
	l := newLimiter(DefaultRateLimitConfig())
	a := l.bucketFor("user:dr-adams")
	if a == nil {
		t.Fatal("expected a bucket")
	}
	if l.bucketFor("user:dr-adams") != a {
		t.Error("expected the same bucket for the same key")
	}
	if l.bucketFor("user:dr-baker") == a {
		t.Error("expected a distinct bucket per key")
	}
}
