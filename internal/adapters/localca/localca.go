// Package localca is a file-backed certificate issuer. It signs client
// certificates with a local CA and hands them out as password-protected
// PKCS#12 bundles.
package localca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/fsutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Config configures the issuer.
type Config struct {
	// CACertFile and CAKeyFile default to ca.crt and ca.key in StorageDir.
	CACertFile string
	CAKeyFile  string
	// GenerateCA creates the CA when the files do not exist. Dev mode only.
	GenerateCA bool

	StorageDir   string
	ProcessedDir string
	Validity     time.Duration
}

// record is the persisted issue result for one request id.
type record struct {
	Identity  string    `json:"identity"`
	Serial    string    `json:"serial"`
	NotAfter  time.Time `json:"not_after"`
	Bundle    []byte    `json:"bundle"`
	Password  string    `json:"password"`
	CreatedAt time.Time `json:"created_at"`
}

// Issuer implements capabilities.CertIssuer.
type Issuer struct {
	cfg    Config
	ca     *authority
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func New(cfg Config, logger *slog.Logger) (*Issuer, error) {
	logger = logutil.NoopIfNil(logger)
	if cfg.StorageDir == "" {
		return nil, errors.New("localca: storage_dir is required")
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.StorageDir, "processed")
	}
	if cfg.CACertFile == "" {
		cfg.CACertFile = filepath.Join(cfg.StorageDir, "ca.crt")
	}
	if cfg.CAKeyFile == "" {
		cfg.CAKeyFile = filepath.Join(cfg.StorageDir, "ca.key")
	}
	if cfg.Validity <= 0 {
		cfg.Validity = 365 * 24 * time.Hour
	}

	ca, generated, err := loadOrGenerateCA(cfg.CACertFile, cfg.CAKeyFile, cfg.GenerateCA)
	if err != nil {
		return nil, fmt.Errorf("localca: %w", err)
	}
	if generated {
		logger.Warn("generated development CA", "cert_file", cfg.CACertFile)
	}
	for _, dir := range []string{cfg.bundleDir(), cfg.ProcessedDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("localca: failed to create %s: %w", dir, err)
		}
	}

	return &Issuer{
		cfg:    cfg,
		ca:     ca,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (c Config) bundleDir() string { return filepath.Join(c.StorageDir, "bundles") }

func (i *Issuer) bundlePath(requestID string) (string, error) {
	if !safeName.MatchString(requestID) {
		return "", fmt.Errorf("%w: invalid request id %q", invites.ErrPermanentFailure, requestID)
	}
	return filepath.Join(i.cfg.bundleDir(), requestID+".json"), nil
}

// CACertificate returns the signing CA certificate.
func (i *Issuer) CACertificate() *x509.Certificate { return i.ca.cert }

// Issue returns the bundle for requestID, signing a new certificate only the
// first time. Later calls return the stored bytes unchanged.
func (i *Issuer) Issue(ctx context.Context, identity, requestID string) (*capabilities.CertBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := i.bundlePath(requestID)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if rec, err := readRecord(path); err == nil {
		return &capabilities.CertBundle{Bundle: rec.Bundle, Password: rec.Password}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	rec, err := i.sign(identity)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("failed to store bundle: %w", err)
	}

	i.logger.Info("client certificate issued", "request_id", requestID, "serial", rec.Serial, "not_after", rec.NotAfter)
	return &capabilities.CertBundle{Bundle: rec.Bundle, Password: rec.Password}, nil
}

func (i *Issuer) sign(identity string) (*record, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := i.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: identity},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(i.cfg.Validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if strings.Contains(identity, "@") {
		template.EmailAddresses = []string{identity}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, i.ca.cert, &key.PublicKey, i.ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	password, err := randomPassword()
	if err != nil {
		return nil, err
	}
	bundle, err := pkcs12.Modern.Encode(key, cert, []*x509.Certificate{i.ca.cert}, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}

	return &record{
		Identity:  identity,
		Serial:    serial.Text(16),
		NotAfter:  cert.NotAfter,
		Bundle:    bundle,
		Password:  password,
		CreatedAt: now.UTC(),
	}, nil
}

func randomPassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate bundle password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func readRecord(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt bundle record %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// CheckProcessed reports whether the deployment pipeline has written the
// processed marker for username.
func (i *Issuer) CheckProcessed(ctx context.Context, username string) (bool, error) {
	if !safeName.MatchString(username) {
		return false, fmt.Errorf("invalid username %q", username)
	}
	return fsutil.Exists(filepath.Join(i.cfg.ProcessedDir, username+".pem"))
}

// DeleteSecret removes the stored bundle for requestID. A missing bundle is not an error.
func (i *Issuer) DeleteSecret(ctx context.Context, requestID string) error {
	path, err := i.bundlePath(requestID)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return removeIfExists(path)
}

// DeleteByUsername removes the processed marker, so the certificate is no
// longer reported as deployed.
func (i *Issuer) DeleteByUsername(ctx context.Context, username string) error {
	if !safeName.MatchString(username) {
		return fmt.Errorf("invalid username %q", username)
	}
	return removeIfExists(filepath.Join(i.cfg.ProcessedDir, username+".pem"))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var _ capabilities.CertIssuer = (*Issuer)(nil)
