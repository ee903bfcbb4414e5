// Package tls provides the public listener's TLS modes: off, static and acme.
package tls

import (
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

// TLS modes.
const (
	ModeOff    = "off"
	ModeStatic = "static"
	ModeACME   = "acme"
)

var (
	ErrInvalidTLSMode = errors.New("invalid TLS mode")
	ErrMissingCert    = errors.New("missing certificate or key file")
)

// Config holds the listener TLS settings.
type Config struct {
	Mode      string
	CertFile  string
	KeyFile   string
	HTTPPort  int
	HTTPSPort int
	ACME      ACMEConfig
}

// Validate checks that the fields required by Mode are set.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeOff, "":
		return nil
	case ModeStatic:
		if c.CertFile == "" || c.KeyFile == "" {
			return ErrMissingCert
		}
		return nil
	case ModeACME:
		if c.HTTPPort == 0 || c.HTTPSPort == 0 {
			return errors.New("tls.http_port and tls.https_port must be set for acme mode")
		}
		if c.ACME.Domain == "" || c.ACME.Email == "" {
			return errors.New("tls.acme.domain and tls.acme.email are required")
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTLSMode, c.Mode)
	}
}

// StaticCertificate serves a certificate pair loaded from disk. Reload
// re-reads the files so a rotated certificate is picked up without a restart.
type StaticCertificate struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *cryptotls.Certificate
}

// LoadStatic loads the configured pair.
func LoadStatic(certFile, keyFile string, logger *slog.Logger) (*StaticCertificate, error) {
	if certFile == "" || keyFile == "" {
		return nil, ErrMissingCert
	}
	s := &StaticCertificate{certFile: certFile, keyFile: keyFile, logger: logutil.NoopIfNil(logger)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StaticCertificate) Reload() error {
	cert, err := cryptotls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	s.mu.Lock()
	s.cert = &cert
	s.mu.Unlock()
	s.logger.Info("loaded static TLS certificate", "cert_file", s.certFile, "key_file", s.keyFile)
	return nil
}

func (s *StaticCertificate) GetCertificate(*cryptotls.ClientHelloInfo) (*cryptotls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert, nil
}

// ServerConfig returns a server tls.Config backed by getCert.
func ServerConfig(getCert func(*cryptotls.ClientHelloInfo) (*cryptotls.Certificate, error)) *cryptotls.Config {
	return &cryptotls.Config{
		GetCertificate: getCert,
		MinVersion:     cryptotls.VersionTLS12,
	}
}
