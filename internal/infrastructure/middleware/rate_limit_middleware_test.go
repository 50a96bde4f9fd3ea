package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamsight/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected status 200 on second request, got %d", w2.Code)
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// First request should pass.
	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w1.Code)
	}

	// Second immediate request from same "IP" should be limited.
	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w2.Code)
	}
}

func TestHTTPRateLimitMiddleware_ConcurrencyCap(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 100
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 1

	entered := make(chan struct{})
	release := make(chan struct{})
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/slow", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})
	router.GET("/fast", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/slow", nil)
		router.ServeHTTP(w, req)
		done <- w.Code
	}()
	<-entered

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/fast", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 while the slot is held, got %d", w.Code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("expected slow request to finish with 200, got %d", code)
	}
}

func TestHTTPRateLimitMiddleware_PerClientBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0.5
	cfg.RateLimiting.HTTP.Burst = 1

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	send := func(addr string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = addr
		router.ServeHTTP(w, req)
		return w
	}

	if w := send("10.0.0.1:1000"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for first client, got %d", w.Code)
	}
	if w := send("10.0.0.2:1000"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for second client, got %d", w.Code)
	}

	w := send("10.0.0.1:1001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for repeated client, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2 at 0.5 rps, got %q", got)
	}
}

func TestVisitors_SweepsIdleClients(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newVisitors(rate.Limit(10), 10)
	v.nowFunc = func() time.Time { return now }

	v.reserve("stale")
	now = now.Add(visitorIdle + time.Second)
	for i := 1; i < sweepEvery; i++ {
		v.reserve("fresh")
	}
	if n := v.len(); n != 1 {
		t.Fatalf("expected idle client to be swept, %d clients left", n)
	}
}

func TestRetryAfter(t *testing.T) {
	cases := map[time.Duration]string{
		10 * time.Millisecond:   "1",
		1500 * time.Millisecond: "2",
		10 * time.Minute:        "60",
	}
	for wait, want := range cases {
		if got := retryAfter(wait); got != want {
			t.Errorf("retryAfter(%v) = %s, want %s", wait, got, want)
		}
	}
}

func TestHTTPRateLimitMiddleware_KeysOnForwardedClientBehindTrustedProxy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0.5
	cfg.RateLimiting.HTTP.Burst = 1

	router := gin.New()
	if err := router.SetTrustedProxies([]string{"10.0.0.0/8"}); err != nil {
		t.Fatal(err)
	}
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.ClientIP())
	})

	send := func(remote, forwarded string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		router.ServeHTTP(w, req)
		return w
	}

	// two clients behind the same proxy get separate buckets
	if w := send("10.0.0.1:1000", "203.0.113.7"); w.Code != http.StatusOK || w.Body.String() != "203.0.113.7" {
		t.Fatalf("expected 200 keyed on 203.0.113.7, got %d %q", w.Code, w.Body.String())
	}
	if w := send("10.0.0.1:1000", "203.0.113.8"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for second forwarded client, got %d", w.Code)
	}
	if w := send("10.0.0.1:1000", "203.0.113.7"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for repeated forwarded client, got %d", w.Code)
	}

	// an untrusted peer cannot pick its bucket through the header
	if w := send("192.0.2.10:4321", "203.0.113.9"); w.Code != http.StatusOK || w.Body.String() != "192.0.2.10" {
		t.Fatalf("expected 200 keyed on remote address, got %d %q", w.Code, w.Body.String())
	}
	if w := send("192.0.2.10:4322", "203.0.113.10"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected spoofed header to be ignored, got %d", w.Code)
	}
}
