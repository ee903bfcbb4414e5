// Package middleware provides always-on transport middleware for HTTP servers.
package middleware

import (
	"log/slog"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
)

// ClientIP returns the host part of RemoteAddr. When proxy headers are
// trusted, chi's RealIP middleware has already rewritten RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

// RequestLoggerMiddleware attaches a request-scoped logger to the request context.
//
// It must run after middleware.RequestID so that GetReqID returns a value.
func RequestLoggerMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLogger := base.With(
				"request_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path, // path only: the accept link carries the token in the query
				"client_ip", ClientIP(r),
			)

			ctx := appctx.WithLogger(r.Context(), reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
