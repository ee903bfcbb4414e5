package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/onboarding-go/internal/frameworks/service"
	httpapi "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/api"
	httpmw "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/middleware"
)

// setupRoutes creates the chi router with every service mounted.
func (s *Server) setupRoutes(services []service.Service) chi.Router {
	r := chi.NewRouter()

	// Order is fixed: RequestID -> request-scoped logger -> access log -> recoverer.
	r.Use(chimw.RequestID)
	if s.cfg.Server.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(httpmw.RequestLoggerMiddleware(s.logger))
	r.Use(httpmw.AccessLogMiddleware(s.logger))
	r.Use(chimw.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteNotFound(w, "not found")
	})

	for _, svc := range services {
		s.mountService(r, svc)
	}
	return r
}

// mountService mounts a service and tracks it for lifecycle management.
func (s *Server) mountService(r chi.Router, svc service.Service) {
	if svc == nil {
		return
	}
	prefix := svc.Prefix()
	if prefix == "" {
		r.Mount("/", svc.Handler())
	} else {
		r.Mount("/"+prefix, svc.Handler())
	}
	s.mountedServices = append(s.mountedServices, svc)
}
