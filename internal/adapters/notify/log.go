package notify

import (
	"context"
	"log/slog"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

// Log renders emails and logs their metadata instead of sending them.
// The token and bundle password are never logged.
type Log struct {
	r      *renderer
	logger *slog.Logger
}

func NewLog(publicOrigin, defaultLocale string, logger *slog.Logger) (*Log, error) {
	r, err := newRenderer(publicOrigin, defaultLocale)
	if err != nil {
		return nil, err
	}
	return &Log{r: r, logger: logutil.NoopIfNil(logger)}, nil
}

func (l *Log) SendInviteEmail(ctx context.Context, msg capabilities.InviteEmail) error {
	m, err := l.r.inviteMessage(msg)
	if err != nil {
		return err
	}
	l.logger.Info("invite email (not sent)",
		"to", msg.Email,
		"subject", m.Subject,
		"locale", msg.Locale,
		"bundle_bytes", len(msg.Bundle.Bundle))
	return nil
}

func (l *Log) SendCertRenewalEmail(ctx context.Context, email string, bundle *capabilities.CertBundle, locale string) error {
	m, err := l.r.renewalMessage(email, bundle, locale)
	if err != nil {
		return err
	}
	l.logger.Info("renewal email (not sent)", "to", email, "subject", m.Subject, "locale", locale, "bundle_bytes", len(bundle.Bundle))
	return nil
}

var _ capabilities.Notifier = (*Log)(nil)
