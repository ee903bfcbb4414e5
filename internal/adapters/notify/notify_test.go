package notify

import (
	"errors"
	"strings"
	"testing"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
)

func TestRender_Locales(t *testing.T) {
	r, err := newRenderer("https://onboard.example.org/", "en")
	if err != nil {
		t.Fatalf("newRenderer failed: %v", err)
	}

	tests := []struct {
		locale      string
		wantSubject string
		wantText    string
	}{
		{"en", "You have been invited by Admin", "Import it into your browser"},
		{"de", "Sie wurden eingeladen von Admin", "Importieren Sie es"},
		{"de-AT", "Sie wurden eingeladen von Admin", "Importieren Sie es"},
		{"", "You have been invited by Admin", "Import it into your browser"},
		{"fr", "You have been invited by Admin", "Import it into your browser"},
	}

	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			m, err := r.inviteMessage(capabilities.InviteEmail{
				Email:     "alice@example.org",
				Token:     "tok+en/1",
				InvitedBy: "Admin",
				Bundle:    &capabilities.CertBundle{Bundle: []byte("p12"), Password: "s3cret"},
				Locale:    tt.locale,
			})
			if err != nil {
				t.Fatalf("inviteMessage failed: %v", err)
			}
			if m.Subject != tt.wantSubject {
				t.Errorf("expected subject %q, got %q", tt.wantSubject, m.Subject)
			}
			if !strings.Contains(m.Text, tt.wantText) {
				t.Errorf("expected text to contain %q, got %q", tt.wantText, m.Text)
			}
			const link = "https://onboard.example.org/accept?token=tok%2Ben%2F1"
			if !strings.Contains(m.Text, link) {
				t.Errorf("expected accept link %s in text, got %q", link, m.Text)
			}
			if !strings.Contains(m.Text, "s3cret") || !strings.Contains(m.HTML, "s3cret") {
				t.Error("expected bundle password in both bodies")
			}
		})
	}
}

func TestRender_EscapesHTML(t *testing.T) {
	r, err := newRenderer("https://onboard.example.org", "en")
	if err != nil {
		t.Fatal(err)
	}
	m, err := r.inviteMessage(capabilities.InviteEmail{
		Email:     "alice@example.org",
		Token:     "t",
		InvitedBy: "<script>x</script>",
		Bundle:    &capabilities.CertBundle{Password: "p"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(m.HTML, "<script>") {
		t.Errorf("expected inviter name escaped, got %s", m.HTML)
	}
}

func TestRender_Renewal(t *testing.T) {
	r, err := newRenderer("https://onboard.example.org", "de")
	if err != nil {
		t.Fatal(err)
	}
	m, err := r.renewalMessage("bob@example.org", &capabilities.CertBundle{Password: "pw"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if m.Subject != "Ihr Client-Zertifikat wurde erneuert" {
		t.Errorf("expected german subject for default locale, got %q", m.Subject)
	}
	if strings.Contains(m.Text, "accept?token") {
		t.Error("renewal email must not carry an accept link")
	}
}

func TestRender_MissingBundle(t *testing.T) {
	r, err := newRenderer("https://onboard.example.org", "en")
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.inviteMessage(capabilities.InviteEmail{Email: "a@example.org", Token: "t"})
	if !errors.Is(err, invites.ErrPermanentFailure) {
		t.Errorf("expected ErrPermanentFailure, got %v", err)
	}
}

func TestNewRenderer_RequiresOrigin(t *testing.T) {
	if _, err := newRenderer("", "en"); err == nil {
		t.Error("expected error for empty origin")
	}
}
