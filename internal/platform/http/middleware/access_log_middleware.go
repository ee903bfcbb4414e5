package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
)

// AccessLogMiddleware logs one "request" record per request using the
// request-scoped logger set by RequestLoggerMiddleware.
func AccessLogMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger, ok := appctx.LoggerFromContext(r.Context())
				if !ok {
					logger = log.With(
						"request_id", chimw.GetReqID(r.Context()),
						"method", r.Method,
						"path", r.URL.Path,
						"client_ip", ClientIP(r),
					)
				}

				// Base fields are already on the context logger; only response fields here.
				logger.Info("request",
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
