// Package client builds the outbound HTTP client shared by the GitHub and
// SCIM adapters.
package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	tlspkg "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/tls"
)

var (
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrRedirectDowngrade = errors.New("redirect from https to http blocked")
)

// Config bounds outbound requests.
type Config struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxRedirects   int
	// CAFile adds a root CA, for directories behind a private CA.
	CAFile string
}

// DefaultConfig returns the settings used when the section is absent.
func DefaultConfig() Config {
	return Config{
		Timeout:        15 * time.Second,
		ConnectTimeout: 5 * time.Second,
		MaxRedirects:   3,
	}
}

// New creates the client. Redirects are followed up to MaxRedirects and
// never from https to http.
func New(cfg Config) (*http.Client, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}

	pool, err := tlspkg.RootCAPool(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbound CA: %w", err)
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       cfg.Timeout,
		CheckRedirect: redirectPolicy(cfg.MaxRedirects),
	}, nil
}

func redirectPolicy(maxRedirects int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return ErrTooManyRedirects
		}
		if prev := via[len(via)-1]; prev.URL.Scheme == "https" && req.URL.Scheme != "https" {
			return ErrRedirectDowngrade
		}
		return nil
	}
}
