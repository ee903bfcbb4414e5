package tls

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/fsutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

const (
	legoStagingURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	legoProductionURL = "https://acme-v02.api.letsencrypt.org/directory"

	challengeTTL = 10 * time.Minute
	renewBefore  = 30 * 24 * time.Hour
)

// ACMEConfig holds the lego settings.
type ACMEConfig struct {
	Email      string
	Domain     string
	Directory  string
	StorageDir string
	UseStaging bool
	// CAFile is an extra root CA for the ACME directory.
	CAFile string
}

// ACMEUser implements the lego User interface.
type ACMEUser struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (u *ACMEUser) GetEmail() string                        { return u.Email }
func (u *ACMEUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *ACMEUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

type tokenEntry struct {
	keyAuth   string
	expiresAt time.Time
}

// HTTP01Provider implements lego's challenge.Provider with an in-memory
// token store. The server owns the HTTP listener; lego never binds a port.
// Tokens expire after challengeTTL in case CleanUp is never called.
type HTTP01Provider struct {
	tokens sync.Map // token -> tokenEntry
	now    func() time.Time
}

func (p *HTTP01Provider) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.tokens.Store(token, tokenEntry{keyAuth: keyAuth, expiresAt: p.clock().Add(challengeTTL)})
	return nil
}

func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.tokens.Delete(token)
	return nil
}

func (p *HTTP01Provider) lookup(token string) (string, bool) {
	v, ok := p.tokens.Load(token)
	if !ok {
		return "", false
	}
	entry := v.(tokenEntry)
	if p.clock().After(entry.expiresAt) {
		p.tokens.Delete(token)
		return "", false
	}
	return entry.keyAuth, true
}

// ACMEManager obtains and renews the public certificate with lego.
type ACMEManager struct {
	cfg     ACMEConfig
	logger  *slog.Logger
	rootCAs *x509.CertPool

	mu         sync.RWMutex
	cert       *cryptotls.Certificate
	legoClient *lego.Client
	provider   *HTTP01Provider
}

// NewACMEManager creates a manager. rootCAs is used for the ACME directory;
// nil means system defaults.
func NewACMEManager(cfg ACMEConfig, logger *slog.Logger, rootCAs *x509.CertPool) *ACMEManager {
	return &ACMEManager{
		cfg:      cfg,
		logger:   logutil.NoopIfNil(logger),
		rootCAs:  rootCAs,
		provider: &HTTP01Provider{},
	}
}

func (m *ACMEManager) certFile() string { return filepath.Join(m.cfg.StorageDir, "cert.pem") }
func (m *ACMEManager) keyFile() string  { return filepath.Join(m.cfg.StorageDir, "key.pem") }

// Init loads a stored certificate without network calls when one exists and
// is not due for renewal. Otherwise it obtains one from the ACME server; the
// challenge listener must already be serving ChallengeHandler.
func (m *ACMEManager) Init(ctx context.Context) error {
	if m.cfg.Domain == "" {
		return errors.New("ACME domain is required")
	}
	if m.cfg.Email == "" {
		return errors.New("ACME email is required")
	}
	if err := os.MkdirAll(m.cfg.StorageDir, 0700); err != nil {
		return fmt.Errorf("failed to create ACME storage dir: %w", err)
	}

	if cert, err := cryptotls.LoadX509KeyPair(m.certFile(), m.keyFile()); err == nil {
		m.setCert(&cert)
		if !m.NeedsRenewal(time.Now()) {
			m.logger.Info("loaded existing ACME certificate", "domain", m.cfg.Domain)
			return nil
		}
		m.logger.Info("stored ACME certificate is due for renewal", "domain", m.cfg.Domain)
	}

	return m.obtain(ctx)
}

// NeedsRenewal reports whether the current certificate is missing or expires
// within the renewal window.
func (m *ACMEManager) NeedsRenewal(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return true
	}
	leaf := m.cert.Leaf
	if leaf == nil && len(m.cert.Certificate) > 0 {
		parsed, err := x509.ParseCertificate(m.cert.Certificate[0])
		if err != nil {
			return true
		}
		leaf = parsed
	}
	return leaf == nil || now.Add(renewBefore).After(leaf.NotAfter)
}

// RunRenewal checks the certificate every interval until ctx is done.
func (m *ACMEManager) RunRenewal(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !m.NeedsRenewal(now) {
				continue
			}
			if err := m.obtain(ctx); err != nil {
				m.logger.Error("ACME renewal failed", "domain", m.cfg.Domain, "error", err)
			}
		}
	}
}

func (m *ACMEManager) setCert(cert *cryptotls.Certificate) {
	m.mu.Lock()
	m.cert = cert
	m.mu.Unlock()
}

// client creates the lego client once and registers the account if needed.
func (m *ACMEManager) client() (*lego.Client, error) {
	m.mu.RLock()
	c := m.legoClient
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	user, err := m.loadOrCreateUser()
	if err != nil {
		return nil, fmt.Errorf("failed to load/create ACME user: %w", err)
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = m.cfg.Directory
	if legoCfg.CADirURL == "" {
		legoCfg.CADirURL = legoProductionURL
		if m.cfg.UseStaging {
			legoCfg.CADirURL = legoStagingURL
		}
	}
	legoCfg.Certificate.KeyType = certcrypto.EC256
	if m.rootCAs != nil {
		legoCfg.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &cryptotls.Config{RootCAs: m.rootCAs, MinVersion: cryptotls.VersionTLS12},
			},
		}
	}

	c, err = lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}
	if err := c.Challenge.SetHTTP01Provider(m.provider); err != nil {
		return nil, fmt.Errorf("failed to set HTTP-01 provider: %w", err)
	}

	if user.Registration == nil {
		reg, err := c.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("failed to register ACME account: %w", err)
		}
		user.Registration = reg
		if err := m.saveUser(user); err != nil {
			m.logger.Warn("failed to save ACME user", "error", err)
		}
	}

	m.mu.Lock()
	m.legoClient = c
	m.mu.Unlock()
	return c, nil
}

func (m *ACMEManager) obtain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := m.client()
	if err != nil {
		return err
	}

	m.logger.Info("obtaining ACME certificate", "domain", m.cfg.Domain)
	res, err := c.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{m.cfg.Domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	cert, err := cryptotls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	if err := fsutil.WriteFileAtomic(m.keyFile(), res.PrivateKey); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	if err := fsutil.WriteFileAtomic(m.certFile(), res.Certificate); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	m.setCert(&cert)

	m.logger.Info("obtained and saved ACME certificate", "domain", m.cfg.Domain, "cert_file", m.certFile())
	return nil
}

// GetCertificate returns the current certificate for tls.Config.GetCertificate.
func (m *ACMEManager) GetCertificate(*cryptotls.ClientHelloInfo) (*cryptotls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return nil, errors.New("no certificate available")
	}
	return m.cert, nil
}

// ChallengeHandler serves /.well-known/acme-challenge/{token} on the HTTP listener.
func (m *ACMEManager) ChallengeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/.well-known/acme-challenge/"
		token, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok || token == "" || m.provider == nil {
			http.NotFound(w, r)
			return
		}
		keyAuth, ok := m.provider.lookup(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, keyAuth)
	})
}

func (m *ACMEManager) loadOrCreateUser() (*ACMEUser, error) {
	userFile := filepath.Join(m.cfg.StorageDir, "account.json")
	keyFile := filepath.Join(m.cfg.StorageDir, "account.key")

	if userData, err := os.ReadFile(userFile); err == nil {
		if keyData, err := os.ReadFile(keyFile); err == nil {
			user := &ACMEUser{}
			if err := json.Unmarshal(userData, user); err == nil {
				if key, err := certcrypto.ParsePEMPrivateKey(keyData); err == nil {
					user.key = key
					return user, nil
				}
			}
		}
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	return &ACMEUser{Email: m.cfg.Email, key: privateKey}, nil
}

func (m *ACMEManager) saveUser(user *ACMEUser) error {
	userData, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(m.cfg.StorageDir, "account.json"), userData); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(m.cfg.StorageDir, "account.key"), certcrypto.PEMEncode(user.key))
}
