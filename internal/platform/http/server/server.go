// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/frameworks/service"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/config"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"

	tlspkg "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/tls"
)

// acmeRenewalInterval is how often the ACME certificate expiry is checked.
const acmeRenewalInterval = 12 * time.Hour

// Server wraps the HTTP server and its mounted services.
type Server struct {
	cfg        *config.Config
	tlsCfg     tlspkg.Config
	httpServer *http.Server
	logger     *slog.Logger

	// challengeServer is the HTTP listener for ACME HTTP-01 challenges and
	// HTTPS redirects. Nil except in ACME mode.
	challengeServer *http.Server

	// background stops the ACME renewal loop on shutdown.
	background context.Context
	stop       context.CancelFunc

	// mountedServices are closed in reverse order during shutdown.
	mountedServices []service.Service
}

// New creates a Server and mounts services in the given order. Nil services
// are skipped.
func New(cfg *config.Config, logger *slog.Logger, services ...service.Service) (*Server, error) {
	logger = logutil.NoopIfNil(logger)

	tlsCfg := TLSConfig(cfg.TLS)
	if err := tlsCfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		logger: logger,
	}
	s.background, s.stop = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.setupRoutes(services),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// TLSConfig converts the TOML section into the listener settings.
func TLSConfig(c config.TLSConfig) tlspkg.Config {
	return tlspkg.Config{
		Mode:      c.Mode,
		CertFile:  c.CertFile,
		KeyFile:   c.KeyFile,
		HTTPPort:  c.HTTPPort,
		HTTPSPort: c.HTTPSPort,
		ACME: tlspkg.ACMEConfig{
			Email:      c.ACME.Email,
			Domain:     c.ACME.Domain,
			Directory:  c.ACME.Directory,
			StorageDir: c.ACME.StorageDir,
			UseStaging: c.ACME.UseStaging,
			CAFile:     c.ACME.CAFile,
		},
	}
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start starts the HTTP server. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"public_origin", s.cfg.PublicOrigin,
		"tls_mode", s.tlsCfg.Mode,
	)

	switch s.tlsCfg.Mode {
	case tlspkg.ModeOff, "":
		return s.httpServer.ListenAndServe()

	case tlspkg.ModeStatic:
		static, err := tlspkg.LoadStatic(s.tlsCfg.CertFile, s.tlsCfg.KeyFile, s.logger)
		if err != nil {
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		s.httpServer.TLSConfig = tlspkg.ServerConfig(static.GetCertificate)
		return s.httpServer.ListenAndServeTLS("", "")

	case tlspkg.ModeACME:
		return s.startACME()

	default:
		return fmt.Errorf("%w: %s", tlspkg.ErrInvalidTLSMode, s.tlsCfg.Mode)
	}
}

// startACME runs the server in ACME mode with two listeners: an HTTP
// listener for HTTP-01 challenges and HTTPS redirects, and an HTTPS listener
// for the application router.
func (s *Server) startACME() error {
	host, _, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil {
		host = s.cfg.ListenAddr
	}

	if err := checkOriginPort(s.cfg.PublicOrigin, s.tlsCfg.HTTPSPort); err != nil {
		return err
	}

	rootCAs, err := tlspkg.RootCAPool(s.tlsCfg.ACME.CAFile)
	if err != nil {
		return err
	}
	acmeMgr := tlspkg.NewACMEManager(s.tlsCfg.ACME, s.logger, rootCAs)

	challengeMux := http.NewServeMux()
	challengeMux.Handle("/.well-known/acme-challenge/", acmeMgr.ChallengeHandler())
	challengeMux.Handle("/", newHTTPSRedirectHandler(s.tlsCfg.HTTPSPort))

	httpAddr := net.JoinHostPort(host, strconv.Itoa(s.tlsCfg.HTTPPort))
	s.challengeServer = &http.Server{
		Addr:         httpAddr,
		Handler:      challengeMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	challengeListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("challenge listener bind failed on %s: %w", httpAddr, err)
	}

	closeChallengeServer := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.challengeServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = s.challengeServer.Close()
		}
	}

	challengeErrCh := make(chan error, 1)
	go func() {
		challengeErrCh <- s.challengeServer.Serve(challengeListener)
	}()

	if err := acmeMgr.Init(s.background); err != nil {
		closeChallengeServer()
		return fmt.Errorf("ACME initialization failed: %w", err)
	}
	go acmeMgr.RunRenewal(s.background, acmeRenewalInterval)

	s.httpServer.Addr = net.JoinHostPort(host, strconv.Itoa(s.tlsCfg.HTTPSPort))
	s.httpServer.TLSConfig = tlspkg.ServerConfig(acmeMgr.GetCertificate)

	httpsListener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		closeChallengeServer()
		return fmt.Errorf("https listener bind failed on %s: %w", s.httpServer.Addr, err)
	}

	httpsErrCh := make(chan error, 1)
	go func() {
		httpsErrCh <- s.httpServer.ServeTLS(httpsListener, "", "")
	}()

	s.logger.Info("starting ACME server",
		"http_addr", httpAddr,
		"https_addr", s.httpServer.Addr,
		"domain", s.tlsCfg.ACME.Domain,
	)

	select {
	case httpsErr := <-httpsErrCh:
		closeChallengeServer()
		return httpsErr
	case challengeErr := <-challengeErrCh:
		if errors.Is(challengeErr, http.ErrServerClosed) {
			return <-httpsErrCh
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return fmt.Errorf("challenge server exited unexpectedly: %w", challengeErr)
	}
}

// checkOriginPort rejects a public origin whose explicit port differs from
// the HTTPS listener port.
func checkOriginPort(origin string, httpsPort int) error {
	u, err := url.Parse(origin)
	if err != nil || u.Port() == "" {
		return nil
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port == httpsPort {
		return nil
	}
	return fmt.Errorf("public_origin port %d does not match tls.https_port %d", port, httpsPort)
}

// newHTTPSRedirectHandler returns a handler that issues HTTP 308 Permanent
// Redirect to the HTTPS equivalent of the request URL.
func newHTTPSRedirectHandler(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostOnly := r.Host
		if h, _, err := net.SplitHostPort(hostOnly); err == nil {
			hostOnly = h
		}
		if strings.Contains(hostOnly, ":") && !(strings.HasPrefix(hostOnly, "[") && strings.HasSuffix(hostOnly, "]")) {
			hostOnly = "[" + hostOnly + "]"
		}

		target := "https://" + hostOnly
		if httpsPort != 443 {
			target += ":" + strconv.Itoa(httpsPort)
		}
		http.Redirect(w, r, target+r.URL.RequestURI(), http.StatusPermanentRedirect)
	})
}

// Shutdown gracefully shuts down the server and all mounted services.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.stop()

	// In ACME mode, stop accepting challenges before tearing down HTTPS.
	var challengeErr error
	if s.challengeServer != nil {
		challengeErr = s.challengeServer.Shutdown(ctx)
	}

	httpErr := s.httpServer.Shutdown(ctx)

	for i := len(s.mountedServices) - 1; i >= 0; i-- {
		svc := s.mountedServices[i]
		if err := svc.Close(); err != nil {
			s.logger.Warn("service close error", "service", svc.Prefix(), "error", err)
		} else {
			s.logger.Debug("service closed", "service", svc.Prefix())
		}
	}

	return errors.Join(challengeErr, httpErr)
}
