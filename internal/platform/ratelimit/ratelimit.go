// Package ratelimit provides fixed-window rate limiting on a cache counter.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/cache"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/http/api"
)

// Config defines rate limiting parameters.
type Config struct {
	RequestsPerWindow int64
	Window            time.Duration
	// KeyPrefix is prepended to all rate limit keys.
	KeyPrefix string
}

// DefaultConfig returns the defaults used for POST /api/accept.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerWindow: 20,
		Window:            time.Minute,
		KeyPrefix:         "ratelimit:",
	}
}

// Limiter counts requests per key.
type Limiter struct {
	counter cache.Counter
	config  *Config
}

func New(c cache.Counter, cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{counter: c, config: cfg}
}

// Result contains the rate limit check result.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Allow counts one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	count, resetAt, err := l.counter.Increment(ctx, l.config.KeyPrefix+key, 1, l.config.Window)
	if err != nil {
		return nil, err
	}
	remaining := l.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   count <= l.config.RequestsPerWindow,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the counter for a key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.counter.Reset(ctx, l.config.KeyPrefix+key)
}

// KeyFromRequest returns the client IP. Proxies are handled upstream by the
// RealIP middleware, which rewrites RemoteAddr.
func KeyFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429. Counter errors fail open.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := l.Allow(r.Context(), KeyFromRequest(r))
		if err != nil {
			appctx.GetLogger(r.Context()).Warn("rate limit check failed, allowing request", slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.config.RequestsPerWindow, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			api.WriteTooManyRequests(w, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
