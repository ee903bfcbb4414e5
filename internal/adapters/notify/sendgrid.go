package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

const sendEndpoint = "/v3/mail/send"

// SendGridConfig configures the SendGrid notifier.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// Host overrides the API host, e.g. https://api.eu.sendgrid.com.
	Host          string
	PublicOrigin  string
	DefaultLocale string
}

// SendGrid sends invite and renewal emails through the SendGrid v3 API.
type SendGrid struct {
	cfg    SendGridConfig
	r      *renderer
	logger *slog.Logger
}

func NewSendGrid(cfg SendGridConfig, logger *slog.Logger) (*SendGrid, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("notify: sendgrid api_key is required")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("notify: from_email is required")
	}
	r, err := newRenderer(cfg.PublicOrigin, cfg.DefaultLocale)
	if err != nil {
		return nil, err
	}
	return &SendGrid{cfg: cfg, r: r, logger: logutil.NoopIfNil(logger)}, nil
}

func (s *SendGrid) SendInviteEmail(ctx context.Context, msg capabilities.InviteEmail) error {
	m, err := s.r.inviteMessage(msg)
	if err != nil {
		return err
	}
	return s.send(ctx, "invite", msg.Email, m, msg.Bundle)
}

func (s *SendGrid) SendCertRenewalEmail(ctx context.Context, email string, bundle *capabilities.CertBundle, locale string) error {
	m, err := s.r.renewalMessage(email, bundle, locale)
	if err != nil {
		return err
	}
	return s.send(ctx, "renewal", email, m, bundle)
}

func (s *SendGrid) send(ctx context.Context, kind, to string, m *message, bundle *capabilities.CertBundle) error {
	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromEmail)
	email := mail.NewSingleEmail(from, m.Subject, mail.NewEmail("", to), m.Text, m.HTML)
	email.AddAttachment(mail.NewAttachment().
		SetContent(base64.StdEncoding.EncodeToString(bundle.Bundle)).
		SetType(bundleMIME).
		SetFilename(BundleFilename).
		SetDisposition("attachment"))

	request := sendgrid.GetRequest(s.cfg.APIKey, sendEndpoint, s.cfg.Host)
	request.Method = http.MethodPost
	request.Body = mail.GetRequestBody(email)

	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return capabilities.Transient("sendgrid send", err)
	}
	if response.StatusCode >= 300 {
		failure := fmt.Errorf("sendgrid returned %d: %s", response.StatusCode, response.Body)
		if response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests {
			return capabilities.Transient("sendgrid send", failure)
		}
		return failure
	}

	s.logger.Info("email sent", "kind", kind, "to", to, "status", response.StatusCode)
	return nil
}

var _ capabilities.Notifier = (*SendGrid)(nil)
