package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestTokenBucketRefuseAfterBurst(t *testing.T) {
	bucket := newTokenBucket(0.001, 2)
	if !bucket.Allow() || !bucket.Allow() {
		t.Fatal("expected burst to be allowed")
	}
	if bucket.Allow() {
		t.Fatal("expected bucket to be exhausted")
	}
}

func TestRateLimitMiddlewareRejectsWhenExhausted(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1})
	handler := rateLimitMiddleware(rl, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/poll", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/poll", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestAllowConnectTracksClientsSeparately(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{ConnectLimit: 1, ConnectWindow: time.Hour})

	if ok, _, _ := rl.AllowConnect("10.0.0.1"); !ok {
		t.Fatal("expected first connect to be allowed")
	}
	if ok, retry, _ := rl.AllowConnect("10.0.0.1"); ok || retry <= 0 {
		t.Fatalf("expected second connect to be refused with a retry hint, got ok=%v retry=%v", ok, retry)
	}
	if ok, _, _ := rl.AllowConnect("10.0.0.2"); !ok {
		t.Fatal("expected other clients to be unaffected")
	}
}

func TestMemoryWindowsResetAfterWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	windows := newMemoryWindows(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _, _ := windows.Allow("k", 2, time.Minute); !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	now = now.Add(20 * time.Second)
	ok, wait, err := windows.Allow("k", 2, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected refusal, got ok=%v err=%v", ok, err)
	}
	if wait != 40*time.Second {
		t.Fatalf("expected 40s left in window, got %v", wait)
	}

	now = now.Add(40 * time.Second)
	if ok, _, _ := windows.Allow("k", 2, time.Minute); !ok {
		t.Fatal("expected a new window to start")
	}
	if len(windows.windows) != 1 {
		t.Fatalf("expected one tracked window, got %d", len(windows.windows))
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	cases := map[time.Duration]string{0: "1", 500 * time.Millisecond: "1", time.Second: "1", 1500 * time.Millisecond: "2", time.Minute: "60"}
	for wait, want := range cases {
		if got := retryAfterSeconds(wait); got != want {
			t.Errorf("retryAfterSeconds(%v) = %q, want %q", wait, got, want)
		}
	}
}

func TestAllowConnectDisabled(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 5; i++ {
		if ok, _, err := rl.AllowConnect("10.0.0.1"); !ok || err != nil {
			t.Fatalf("expected unlimited connects, got ok=%v err=%v", ok, err)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted bool
		headers map[string]string
		want    string
	}{
		{name: "remote addr", want: "192.0.2.1"},
		{name: "untrusted forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.9"}, want: "192.0.2.1"},
		{name: "trusted forwarded", trusted: true, headers: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, want: "203.0.113.9"},
		{name: "trusted real ip", trusted: true, headers: map[string]string{"X-Real-IP": "198.51.100.7"}, want: "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := newRateLimiter(RateLimitConfig{TrustForwardedHeaders: tt.trusted})
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.RemoteAddr = "192.0.2.1:4321"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := rl.clientIP(req); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedisStoreSharesConnectCounters(t *testing.T) {
	srv := miniredis.RunT(t)
	srv.RequireAuth("secret")

	cfg := RateLimitConfig{ConnectLimit: 2, ConnectWindow: time.Minute, RedisAddr: srv.Addr(), RedisPassword: "secret"}
	first := newRateLimiter(cfg)
	t.Cleanup(func() { _ = first.Close() })
	second := newRateLimiter(cfg)
	t.Cleanup(func() { _ = second.Close() })

	if ok, _, err := first.AllowConnect("10.0.0.1"); !ok || err != nil {
		t.Fatalf("first connect: ok=%v err=%v", ok, err)
	}
	if ok, _, err := second.AllowConnect("10.0.0.1"); !ok || err != nil {
		t.Fatalf("second connect: ok=%v err=%v", ok, err)
	}
	ok, retry, err := first.AllowConnect("10.0.0.1")
	if err != nil {
		t.Fatalf("third connect: %v", err)
	}
	if ok {
		t.Fatal("expected replicas to share the counter")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("unexpected retry hint %v", retry)
	}
	if ttl := srv.TTL("livesync:connect:10.0.0.1"); ttl != time.Minute {
		t.Fatalf("expected window ttl, got %v", ttl)
	}

	srv.FastForward(time.Minute)
	if ok, _, err := first.AllowConnect("10.0.0.1"); !ok || err != nil {
		t.Fatalf("expected counter to reset after the window: ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreReportsFailures(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	rl := newRateLimiter(RateLimitConfig{ConnectLimit: 1, RedisAddr: addr, RedisTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rl.Close() })
	if _, _, err := rl.AllowConnect("10.0.0.1"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
