package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput and socket connect attempts.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// ConnectLimit caps websocket upgrades per client IP within ConnectWindow.
	// Zero disables the connect limiter.
	ConnectLimit  int
	ConnectWindow time.Duration
	// TrustForwardedHeaders resolves the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustForwardedHeaders bool
	// RedisAddr shares connect counters between replicas when set.
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

// windowStore counts attempts per key in fixed windows. Allow reports the
// time left in the window when the attempt is refused.
type windowStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

type rateLimiter struct {
	global         *tokenBucket
	connects       windowStore
	connectLimit   int
	connectWindow  time.Duration
	trustForwarded bool
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		connectLimit:   max(cfg.ConnectLimit, 0),
		connectWindow:  cfg.ConnectWindow,
		trustForwarded: cfg.TrustForwardedHeaders,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	if rl.connectLimit == 0 {
		return rl
	}
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.connects = newRedisStore(addr, cfg.RedisPassword, timeout)
	} else {
		rl.connects = newMemoryWindows(time.Now)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowConnect(ip string) (bool, time.Duration, error) {
	if r == nil || r.connects == nil {
		return true, 0, nil
	}
	if ip == "" {
		ip = "unknown"
	}
	return r.connects.Allow("livesync:connect:"+ip, r.connectLimit, r.connectWindow)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.connects == nil {
		return nil
	}
	return r.connects.Close()
}

// clientIP resolves the caller address, honouring proxy headers only when
// trusted.
func (r *rateLimiter) clientIP(req *http.Request) string {
	if r != nil && r.trustForwarded {
		if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if realIP := strings.TrimSpace(req.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil || rl.global == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.AllowRequest() {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
	})
}

func connectLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil || rl.connects == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, wait, err := rl.AllowConnect(rl.clientIP(r))
		switch {
		case err != nil:
			loggerWithRequestContext(r.Context(), logger).Error("connect limiter failure", "error", err)
			http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
		case !allowed:
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(wait time.Duration) string {
	secs := int((wait + time.Second - 1) / time.Second)
	return strconv.Itoa(max(secs, 1))
}

// memoryWindows is the single-process windowStore.
type memoryWindows struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
	sweepAt time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func newMemoryWindows(now func() time.Time) *memoryWindows {
	return &memoryWindows{now: now, windows: make(map[string]*window)}
}

func (m *memoryWindows) Allow(key string, limit int, length time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.After(m.sweepAt) {
		for k, w := range m.windows {
			if !now.Before(w.resetAt) {
				delete(m.windows, k)
			}
		}
		m.sweepAt = now.Add(length)
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(length)}
		m.windows[key] = w
	}
	w.count++
	if w.count <= limit {
		return true, 0, nil
	}
	return false, w.resetAt.Sub(now), nil
}

func (m *memoryWindows) Close() error { return nil }

// tokenBucket refills continuously at rate tokens per second up to burst.
type tokenBucket struct {
	mu     sync.Mutex
	now    func() time.Time
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	burst = max(burst, 1)
	start := time.Now()
	return &tokenBucket{now: time.Now, rate: rate, burst: float64(burst), tokens: float64(burst), last: start}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.tokens = min(b.burst, b.tokens+now.Sub(b.last).Seconds()*b.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
