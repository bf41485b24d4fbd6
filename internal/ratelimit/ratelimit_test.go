package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/metrics"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeClock returns a limiter whose clock only moves when advanced.
func fakeClock(l *Limiter) func(time.Duration) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer limiter.Stop()
	advance := fakeClock(limiter)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("k") {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("k") {
		t.Error("Request after burst should be denied")
	}

	// 60/min is one token per second.
	advance(time.Second)
	if !limiter.Allow("k") {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow("k") {
		t.Error("Only one token should have been replenished")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 3})
	defer limiter.Stop()
	fakeClock(limiter)

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 600, BurstSize: 2})
	defer limiter.Stop()
	advance := fakeClock(limiter)

	limiter.Allow("k")
	advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Expected idle time to refill only up to burst 2, got %d", allowed)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestConfigs(t *testing.T) {
	api, checkout := DefaultConfig(), CheckoutConfig()
	if checkout.RequestsPerMinute >= api.RequestsPerMinute {
		t.Errorf("Checkout limit %d should be tighter than API limit %d",
			checkout.RequestsPerMinute, api.RequestsPerMinute)
	}
	if api.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", api.CleanupInterval)
	}
}

func TestMiddleware_PerUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{Name: "test", RequestsPerMinute: 1, BurstSize: 1})
	defer limiter.Stop()
	fakeClock(limiter)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
		}
	}, limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Test-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	before := promtest.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("test"))

	if w := do("u1"); w.Code != http.StatusOK {
		t.Fatalf("first request: got %d", w.Code)
	}
	w := do("u1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
	if w := do("u2"); w.Code != http.StatusOK {
		t.Errorf("other user should not share the bucket: got %d", w.Code)
	}

	if got := promtest.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("test")); got != before+1 {
		t.Errorf("rate limited counter = %v, want %v", got, before+1)
	}
}
