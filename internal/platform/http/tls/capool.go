package tls

import (
	"crypto/x509"
	"fmt"
	"os"
)

// RootCAPool returns the system pool extended with the PEM certificates in
// caFile. An empty caFile returns nil so callers keep the system defaults.
func RootCAPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %s: %w", caFile, err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("CA file %s: no valid PEM certificates found", caFile)
	}
	return pool, nil
}
