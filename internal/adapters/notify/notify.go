// Package notify implements capabilities.Notifier over SendGrid, plus a
// logging notifier for development.
package notify

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
)

//go:embed templates
var templateFS embed.FS

const (
	kindInvite  = "invite"
	kindRenewal = "renewal"

	// BundleFilename is the attachment name of the PKCS#12 bundle.
	BundleFilename = "client-certificate.p12"
	bundleMIME     = "application/x-pkcs12"
)

// message is a rendered email.
type message struct {
	Subject string
	Text    string
	HTML    string
}

// templateData is what every template sees.
type templateData struct {
	InvitedBy string
	AcceptURL string
	Password  string
	Filename  string
}

type localeTemplates struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

// renderer holds the parsed templates keyed by locale and kind.
type renderer struct {
	origin        string
	defaultLocale string
	templates     map[string]localeTemplates
}

func newRenderer(publicOrigin, defaultLocale string) (*renderer, error) {
	if publicOrigin == "" {
		return nil, errors.New("notify: public_origin is required")
	}
	if _, err := url.Parse(publicOrigin); err != nil {
		return nil, fmt.Errorf("notify: invalid public_origin: %w", err)
	}
	if defaultLocale == "" {
		defaultLocale = invites.Locales[0]
	}

	r := &renderer{
		origin:        strings.TrimSuffix(publicOrigin, "/"),
		defaultLocale: defaultLocale,
		templates:     make(map[string]localeTemplates),
	}
	for _, locale := range invites.Locales {
		for _, kind := range []string{kindInvite, kindRenewal} {
			base := "templates/" + locale + "/" + kind
			text, err := texttemplate.ParseFS(templateFS, base+".txt.tmpl")
			if err != nil {
				return nil, fmt.Errorf("notify: parse %s text: %w", base, err)
			}
			html, err := htmltemplate.ParseFS(templateFS, base+".html.tmpl")
			if err != nil {
				return nil, fmt.Errorf("notify: parse %s html: %w", base, err)
			}
			r.templates[locale+"/"+kind] = localeTemplates{text: text, html: html}
		}
	}
	return r, nil
}

// acceptURL builds the link the invitee follows to accept the invite.
func (r *renderer) acceptURL(token string) string {
	return r.origin + "/accept?token=" + url.QueryEscape(token)
}

func (r *renderer) render(kind, locale string, data templateData) (*message, error) {
	locale, err := invites.NormalizeLocale(locale, r.defaultLocale)
	if err != nil {
		locale = r.defaultLocale
	}
	t, ok := r.templates[locale+"/"+kind]
	if !ok {
		return nil, fmt.Errorf("notify: no %s template for locale %q", kind, locale)
	}

	var subject, text, html bytes.Buffer
	if err := t.text.ExecuteTemplate(&subject, "subject", data); err != nil {
		return nil, fmt.Errorf("notify: render subject: %w", err)
	}
	if err := t.text.ExecuteTemplate(&text, "text", data); err != nil {
		return nil, fmt.Errorf("notify: render text: %w", err)
	}
	if err := t.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("notify: render html: %w", err)
	}
	return &message{
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

func (r *renderer) inviteMessage(msg capabilities.InviteEmail) (*message, error) {
	if msg.Bundle == nil {
		return nil, fmt.Errorf("notify: invite email for %s has no certificate bundle: %w", msg.Email, invites.ErrPermanentFailure)
	}
	return r.render(kindInvite, msg.Locale, templateData{
		InvitedBy: msg.InvitedBy,
		AcceptURL: r.acceptURL(msg.Token),
		Password:  msg.Bundle.Password,
		Filename:  BundleFilename,
	})
}

func (r *renderer) renewalMessage(email string, bundle *capabilities.CertBundle, locale string) (*message, error) {
	if bundle == nil {
		return nil, fmt.Errorf("notify: renewal email for %s has no certificate bundle: %w", email, invites.ErrPermanentFailure)
	}
	return r.render(kindRenewal, locale, templateData{
		Password: bundle.Password,
		Filename: BundleFilename,
	})
}
