package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clinicore/identity/internal/config"
	"github.com/clinicore/identity/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Config constructors
// ---------------------------------------------------------------------------

func TestRateLimitConfigFrom(t *testing.T) {
	t.Run("zero values keep auth defaults", func(t *testing.T) {
		cfg := RateLimitConfigFrom(config.RateLimitingConfig{})
		want := AuthRateLimitConfig()
		if cfg.RequestsPerMinute != want.RequestsPerMinute || cfg.BurstSize != want.BurstSize {
			t.Errorf("cfg = %+v, want %+v", cfg, want)
		}
	})

	t.Run("configured values override", func(t *testing.T) {
		cfg := RateLimitConfigFrom(config.RateLimitingConfig{RequestsPerMinute: 30, Burst: 7})
		if cfg.RequestsPerMinute != 30 || cfg.BurstSize != 7 {
			t.Errorf("cfg = %+v", cfg)
		}
	})
}

// ---------------------------------------------------------------------------
// In-memory token bucket
// ---------------------------------------------------------------------------

func newTestLimiter(rpm, burst int) (*RateLimiter, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl, _ := newTestLimiter(60, 3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("ip:1") {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if rl.Allow("ip:1") {
		t.Error("request beyond burst should be denied")
	}
	if !rl.Allow("ip:2") {
		t.Error("other keys have their own bucket")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, now := newTestLimiter(60, 2)
	defer rl.Stop()

	rl.Allow("k")
	rl.Allow("k")
	if rl.Allow("k") {
		t.Fatal("bucket should be empty")
	}

	*now = now.Add(time.Second) // one token at 60 rpm
	if !rl.Allow("k") {
		t.Error("token should have been refilled after one second")
	}

	*now = now.Add(time.Hour)
	if got := rl.RemainingTokens("k"); got != 2 {
		t.Errorf("RemainingTokens = %d, want burst cap 2", got)
	}
}

func TestRateLimiter_RemainingTokensUnknownKey(t *testing.T) {
	rl, _ := newTestLimiter(60, 4)
	defer rl.Stop()
	if got := rl.RemainingTokens("nobody"); got != 4 {
		t.Errorf("RemainingTokens = %d, want 4", got)
	}
}

func TestRateLimiter_Take(t *testing.T) {
	rl, _ := newTestLimiter(30, 1)
	defer rl.Stop()

	res, err := rl.Take(context.Background(), "k")
	if err != nil || !res.Allowed {
		t.Fatalf("first Take = %+v, %v", res, err)
	}
	res, _ = rl.Take(context.Background(), "k")
	if res.Allowed {
		t.Fatal("second Take should be denied")
	}
	if res.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s at 30 rpm", res.RetryAfter)
	}
	if res.Limit != 30 {
		t.Errorf("Limit = %d, want 30", res.Limit)
	}
}

// ---------------------------------------------------------------------------
// Redis limiter
// ---------------------------------------------------------------------------

type stubAllower struct {
	res     *redis_rate.Result
	err     error
	gotKey  string
	gotRate redis_rate.Limit
}

func (s *stubAllower) Allow(_ context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error) {
	s.gotKey = key
	s.gotRate = limit
	return s.res, s.err
}

func TestRedisLimiter_Take(t *testing.T) {
	stub := &stubAllower{res: &redis_rate.Result{Allowed: 0, Remaining: 0, RetryAfter: 1500 * time.Millisecond}}
	rl := newRedisLimiter(stub, RateLimitConfig{RequestsPerMinute: 10, BurstSize: 5}, "identity:ratelimit:")

	res, err := rl.Take(context.Background(), "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if res.Allowed {
		t.Error("Allowed = true, want false")
	}
	if stub.gotKey != "identity:ratelimit:ip:10.0.0.1" {
		t.Errorf("key = %q", stub.gotKey)
	}
	if stub.gotRate.Rate != 10 || stub.gotRate.Burst != 5 || stub.gotRate.Period != time.Minute {
		t.Errorf("limit = %+v", stub.gotRate)
	}
	if res.RetryAfter != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %v", res.RetryAfter)
	}
}

func TestRedisLimiter_Error(t *testing.T) {
	rl := newRedisLimiter(&stubAllower{err: errors.New("connection refused")}, AuthRateLimitConfig(), "")
	if _, err := rl.Take(context.Background(), "k"); err == nil {
		t.Error("expected error")
	}
}

func TestNewLimiterFromConfig(t *testing.T) {
	l, stop, err := NewLimiterFromConfig(config.RateLimitingConfig{})
	if err != nil {
		t.Fatalf("memory limiter: %v", err)
	}
	if _, ok := l.(*RateLimiter); !ok {
		t.Errorf("limiter = %T, want *RateLimiter", l)
	}
	stop()

	if _, _, err := NewLimiterFromConfig(config.RateLimitingConfig{RedisURL: "not a url"}); err == nil {
		t.Error("expected error for invalid redis url")
	}

	l, stop, err = NewLimiterFromConfig(config.RateLimitingConfig{RedisURL: "redis://localhost:6379/0"})
	if err != nil {
		t.Fatalf("redis limiter: %v", err)
	}
	if _, ok := l.(*RedisLimiter); !ok {
		t.Errorf("limiter = %T, want *RedisLimiter", l)
	}
	stop()
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type fixedLimiter struct {
	res LimitResult
	err error
	key string
}

func (f *fixedLimiter) Take(_ context.Context, key string) (LimitResult, error) {
	f.key = key
	return f.res, f.err
}

func limitedRouter(l Limiter, pre gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := []gin.HandlerFunc{}
	if pre != nil {
		handlers = append(handlers, pre)
	}
	handlers = append(handlers, RateLimitMiddleware(l, "test"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.POST("/login", handlers...)
	return r
}

func postLogin(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	l := &fixedLimiter{res: LimitResult{Allowed: true, Limit: 10, Remaining: 9}}
	w := postLogin(limitedRouter(l, nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "10" || w.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("headers = %v", w.Header())
	}
	if l.key != "ip:192.0.2.10" {
		t.Errorf("key = %q, want ip:192.0.2.10", l.key)
	}
}

func TestRateLimitMiddleware_Rejected(t *testing.T) {
	before := testutil.ToFloat64(telemetry.RateLimitRejectionsTotal.WithLabelValues("test"))

	l := &fixedLimiter{res: LimitResult{Allowed: false, Limit: 10, Remaining: -1, RetryAfter: 200 * time.Millisecond}}
	w := postLogin(limitedRouter(l, nil))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if body := decodeBody(t, w); body.Code != "rate_limited" {
		t.Errorf("code = %q", body.Code)
	}
	after := testutil.ToFloat64(telemetry.RateLimitRejectionsTotal.WithLabelValues("test"))
	if after != before+1 {
		t.Errorf("rejections = %v, want %v", after, before+1)
	}
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	l := &fixedLimiter{err: errors.New("redis down")}
	w := postLogin(limitedRouter(l, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 when limiter errors", w.Code)
	}
}

func TestRateLimitMiddleware_KeysOnUser(t *testing.T) {
	l := &fixedLimiter{res: LimitResult{Allowed: true}}
	postLogin(limitedRouter(l, func(c *gin.Context) { c.Set(UserIDKey, "u-42") }))
	if l.key != "user:u-42" {
		t.Errorf("key = %q, want user:u-42", l.key)
	}
}

func TestRateLimitMiddleware_MemoryEndToEnd(t *testing.T) {
	rl, _ := newTestLimiter(60, 2)
	defer rl.Stop()
	r := limitedRouter(rl, nil)

	for i := 0; i < 2; i++ {
		if w := postLogin(r); w.Code != http.StatusNoContent {
			t.Fatalf("request %d: status = %d", i+1, w.Code)
		}
	}
	if w := postLogin(r); w.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", w.Code)
	}
}
