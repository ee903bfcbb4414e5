package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/onboarding-go/internal/frameworks/service"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/config"
	tlspkg "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/tls"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// trackingService is a test service that records when Close() is called.
type trackingService struct {
	name       string
	prefix     string
	handler    http.Handler
	closeOrder *[]string
}

func (t *trackingService) Handler() http.Handler {
	if t.handler != nil {
		return t.handler
	}
	return http.NotFoundHandler()
}
func (t *trackingService) Prefix() string { return t.prefix }
func (t *trackingService) Close() error {
	*t.closeOrder = append(*t.closeOrder, t.name)
	return nil
}

var _ service.Service = (*trackingService)(nil)

func TestShutdown_ClosesServicesInReverseOrder(t *testing.T) {
	var closeOrder []string
	svc1 := &trackingService{name: "svc1", prefix: "svc1", closeOrder: &closeOrder}
	svc2 := &trackingService{name: "svc2", prefix: "svc2", closeOrder: &closeOrder}
	svc3 := &trackingService{name: "svc3", prefix: "svc3", closeOrder: &closeOrder}

	srv, err := New(config.DevConfig(), quietLogger(), svc1, nil, svc2, svc3)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	expected := []string{"svc3", "svc2", "svc1"}
	if len(closeOrder) != len(expected) {
		t.Fatalf("expected %d services closed, got %d: %v", len(expected), len(closeOrder), closeOrder)
	}
	for i, name := range expected {
		if closeOrder[i] != name {
			t.Errorf("close order[%d] = %q, want %q", i, closeOrder[i], name)
		}
	}
}

func TestRoutes_MiddlewareReachesServices(t *testing.T) {
	var closeOrder []string
	var gotRequestID string
	var gotLogger bool
	svc := &trackingService{
		name:       "api",
		prefix:     "api",
		closeOrder: &closeOrder,
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestID = middleware.GetReqID(r.Context())
			_, gotLogger = appctx.LoggerFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}),
	}

	srv, err := New(config.DevConfig(), quietLogger(), svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/anything", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if gotRequestID == "" {
		t.Error("expected a request id in the context")
	}
	if !gotLogger {
		t.Error("expected a request-scoped logger in the context")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestNew_RejectsInvalidTLS(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		target error
	}{
		{"unknown mode", func(c *config.Config) { c.TLS.Mode = "selfsigned" }, tlspkg.ErrInvalidTLSMode},
		{"static without files", func(c *config.Config) {
			c.TLS.Mode = "static"
			c.TLS.CertFile = ""
		}, tlspkg.ErrMissingCert},
		{"acme without domain", func(c *config.Config) { c.TLS.Mode = "acme" }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DevConfig()
			tt.mutate(cfg)
			_, err := New(cfg, quietLogger())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestHTTPSRedirect(t *testing.T) {
	tests := []struct {
		port   int
		host   string
		target string
	}{
		{443, "example.org", "https://example.org/api/healthz?x=1"},
		{8443, "example.org:80", "https://example.org:8443/api/healthz?x=1"},
		{443, "[::1]:80", "https://[::1]/api/healthz?x=1"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/healthz?x=1", nil)
			req.Host = tt.host
			rec := httptest.NewRecorder()
			newHTTPSRedirectHandler(tt.port).ServeHTTP(rec, req)
			if rec.Code != http.StatusPermanentRedirect {
				t.Fatalf("status = %d, want 308", rec.Code)
			}
			if got := rec.Header().Get("Location"); got != tt.target {
				t.Errorf("Location = %q, want %q", got, tt.target)
			}
		})
	}
}

func TestCheckOriginPort(t *testing.T) {
	if err := checkOriginPort("https://example.org", 9300); err != nil {
		t.Errorf("origin without port: %v", err)
	}
	if err := checkOriginPort("https://example.org:9300", 9300); err != nil {
		t.Errorf("matching port: %v", err)
	}
	if err := checkOriginPort("https://example.org:443", 9300); err == nil {
		t.Error("expected mismatch error")
	}
}
