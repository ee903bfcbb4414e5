// Package api provides the /api/* endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/api"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/api/accept"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/api/admin"
	"github.com/MahdiBaghbani/onboarding-go/internal/frameworks/service"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/ratelimit"
)

// Deps are the collaborators behind the endpoints. AcceptLimiter may be nil.
type Deps struct {
	Acceptor    accept.Acceptor
	Invites     admin.Invites
	Provisioner admin.Provisioner
	Revoker     admin.Revoker
	Reconciler  admin.Reconciler

	Keyring       *auth.Keyring
	AcceptLimiter *ratelimit.Limiter
}

func (d Deps) validate() error {
	var errs []error
	if d.Acceptor == nil {
		errs = append(errs, errors.New("acceptor is required"))
	}
	if d.Invites == nil || d.Provisioner == nil || d.Revoker == nil || d.Reconciler == nil {
		errs = append(errs, errors.New("admin collaborators are required"))
	}
	if d.Keyring == nil {
		errs = append(errs, errors.New("admin keyring is required"))
	}
	return errors.Join(errs...)
}

// Service is the API service.
type Service struct {
	router chi.Router
}

// New creates the API service.
func New(d Deps, log *slog.Logger) (*Service, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	log = logutil.NoopIfNil(log)

	acceptHandler := accept.NewHandler(d.Acceptor)
	adminHandler := admin.NewHandler(d.Invites, d.Provisioner, d.Revoker, d.Reconciler)

	r := chi.NewRouter()
	r.Get("/healthz", api.HealthHandler)

	r.Group(func(r chi.Router) {
		if d.AcceptLimiter != nil {
			r.Use(d.AcceptLimiter.Middleware)
		}
		r.Post("/accept", acceptHandler.HandleAccept)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin(d.Keyring, log))
		adminHandler.Routes(r)
	})

	return &Service{router: r}, nil
}

func (s *Service) Handler() http.Handler { return s.router }
func (s *Service) Prefix() string        { return "api" }
func (s *Service) Close() error          { return nil }

var _ service.Service = (*Service)(nil)
