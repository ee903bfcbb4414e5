package localca

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
)

func newIssuer(t *testing.T, dir string) *Issuer {
	t.Helper()
	iss, err := New(Config{StorageDir: dir, GenerateCA: true, Validity: 24 * time.Hour}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return iss
}

func TestIssue_Idempotent(t *testing.T) {
	iss := newIssuer(t, t.TempDir())
	ctx := context.Background()

	first, err := iss.Issue(ctx, "alice@example.org", "req-1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	second, err := iss.Issue(ctx, "alice@example.org", "req-1")
	if err != nil {
		t.Fatalf("second Issue failed: %v", err)
	}
	if !bytes.Equal(first.Bundle, second.Bundle) || first.Password != second.Password {
		t.Error("expected byte-identical bundles for the same request id")
	}

	other, err := iss.Issue(ctx, "alice@example.org", "req-2")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first.Bundle, other.Bundle) {
		t.Error("expected a new bundle for another request id")
	}
}

func TestIssue_BundleContents(t *testing.T) {
	iss := newIssuer(t, t.TempDir())

	got, err := iss.Issue(context.Background(), "bob@example.org", "req-b")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(got.Password) < 20 {
		t.Errorf("expected a strong password, got %q", got.Password)
	}

	key, cert, chain, err := pkcs12.DecodeChain(got.Bundle, got.Password)
	if err != nil {
		t.Fatalf("DecodeChain failed: %v", err)
	}
	if key == nil {
		t.Error("expected private key in bundle")
	}
	if cert.Subject.CommonName != "bob@example.org" || len(cert.EmailAddresses) != 1 {
		t.Errorf("unexpected subject %v %v", cert.Subject, cert.EmailAddresses)
	}
	if len(chain) != 1 || !chain[0].Equal(iss.CACertificate()) {
		t.Error("expected the CA in the chain")
	}

	roots := x509.NewCertPool()
	roots.AddCert(iss.CACertificate())
	if _, err := cert.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}}); err != nil {
		t.Errorf("certificate does not verify as a client cert: %v", err)
	}

	if _, _, _, err := pkcs12.DecodeChain(got.Bundle, "wrong"); err == nil {
		t.Error("expected the bundle to be password protected")
	}
}

func TestIssue_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	first := newIssuer(t, dir)
	b1, err := first.Issue(context.Background(), "carol@example.org", "req-c")
	if err != nil {
		t.Fatal(err)
	}

	second := newIssuer(t, dir)
	if !second.CACertificate().Equal(first.CACertificate()) {
		t.Error("expected the generated CA to be reused")
	}
	b2, err := second.Issue(context.Background(), "carol@example.org", "req-c")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1.Bundle, b2.Bundle) {
		t.Error("expected the stored bundle after restart")
	}
}

func TestNew_MissingCA(t *testing.T) {
	_, err := New(Config{StorageDir: t.TempDir()}, nil)
	if err == nil {
		t.Fatal("expected error without CA and without generation")
	}
}

func TestIssue_InvalidRequestID(t *testing.T) {
	iss := newIssuer(t, t.TempDir())
	_, err := iss.Issue(context.Background(), "x@example.org", "../escape")
	if !errors.Is(err, invites.ErrPermanentFailure) {
		t.Errorf("expected permanent failure, got %v", err)
	}
}

func TestDeleteSecret(t *testing.T) {
	iss := newIssuer(t, t.TempDir())
	ctx := context.Background()

	b1, err := iss.Issue(ctx, "dave@example.org", "req-d")
	if err != nil {
		t.Fatal(err)
	}
	if err := iss.DeleteSecret(ctx, "req-d"); err != nil {
		t.Fatalf("DeleteSecret failed: %v", err)
	}
	if err := iss.DeleteSecret(ctx, "req-d"); err != nil {
		t.Errorf("deleting a missing secret must succeed, got %v", err)
	}
	b2, err := iss.Issue(ctx, "dave@example.org", "req-d")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(b1.Bundle, b2.Bundle) {
		t.Error("expected a fresh bundle after the secret was deleted")
	}
}

func TestProcessedMarker(t *testing.T) {
	dir := t.TempDir()
	iss := newIssuer(t, dir)
	ctx := context.Background()

	ok, err := iss.CheckProcessed(ctx, "erin")
	if err != nil || ok {
		t.Fatalf("expected not processed, got %v, %v", ok, err)
	}

	marker := filepath.Join(dir, "processed", "erin.pem")
	if err := os.WriteFile(marker, []byte("cert"), 0600); err != nil {
		t.Fatal(err)
	}
	if ok, err := iss.CheckProcessed(ctx, "erin"); err != nil || !ok {
		t.Fatalf("expected processed, got %v, %v", ok, err)
	}

	if err := iss.DeleteByUsername(ctx, "erin"); err != nil {
		t.Fatalf("DeleteByUsername failed: %v", err)
	}
	if ok, _ := iss.CheckProcessed(ctx, "erin"); ok {
		t.Error("expected marker removed")
	}
	if _, err := iss.CheckProcessed(ctx, "../etc"); err == nil {
		t.Error("expected invalid username error")
	}
}
