package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeCert writes a self-signed pair valid until notAfter and returns the
// PEM encoded certificate.
func writeCert(t *testing.T, dir, cn string, notAfter time.Time, isCA bool) (certFile, keyFile string, certPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		DNSNames:              []string{cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage |= x509.KeyUsageCertSign
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	certFile = filepath.Join(dir, cn+".crt")
	keyFile = filepath.Join(dir, cn+".key")
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile, certPEM
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"off", Config{Mode: ModeOff}, false},
		{"empty means off", Config{}, false},
		{"static", Config{Mode: ModeStatic, CertFile: "c", KeyFile: "k"}, false},
		{"static missing key", Config{Mode: ModeStatic, CertFile: "c"}, true},
		{"acme", Config{Mode: ModeACME, HTTPPort: 80, HTTPSPort: 443, ACME: ACMEConfig{Domain: "x.example", Email: "ops@x.example"}}, false},
		{"acme missing ports", Config{Mode: ModeACME, ACME: ACMEConfig{Domain: "x.example", Email: "ops@x.example"}}, true},
		{"acme missing domain", Config{Mode: ModeACME, HTTPPort: 80, HTTPSPort: 443}, true},
		{"selfsigned is unknown", Config{Mode: "selfsigned"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateInvalidMode(t *testing.T) {
	cfg := Config{Mode: "bogus"}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidTLSMode) {
		t.Errorf("expected ErrInvalidTLSMode, got %v", err)
	}
}

func TestLoadStatic(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, _ := writeCert(t, dir, "one.example", time.Now().Add(24*time.Hour), false)

	s, err := LoadStatic(certFile, keyFile, nil)
	if err != nil {
		t.Fatalf("LoadStatic failed: %v", err)
	}
	cfg := ServerConfig(s.GetCertificate)
	first, _ := cfg.GetCertificate(nil)
	if first == nil {
		t.Fatal("expected certificate")
	}

	// Rotate the files in place and reload.
	newCert, newKey, _ := writeCert(t, dir, "two.example", time.Now().Add(24*time.Hour), false)
	os.Rename(newCert, certFile)
	os.Rename(newKey, keyFile)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	second, _ := cfg.GetCertificate(nil)
	if string(second.Certificate[0]) == string(first.Certificate[0]) {
		t.Error("expected reloaded certificate to differ")
	}
}

func TestLoadStatic_Errors(t *testing.T) {
	if _, err := LoadStatic("", "", nil); !errors.Is(err, ErrMissingCert) {
		t.Errorf("expected ErrMissingCert, got %v", err)
	}
	dir := t.TempDir()
	if _, err := LoadStatic(filepath.Join(dir, "nope.crt"), filepath.Join(dir, "nope.key"), nil); err == nil {
		t.Error("expected error for missing files")
	}
}
