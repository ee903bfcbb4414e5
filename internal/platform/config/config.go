// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the service configuration.
type Config struct {
	// Mode is the operating mode: strict or dev.
	Mode string `toml:"mode"`

	// PublicOrigin is the externally visible origin used in invite links.
	// Example: "https://onboarding.example.org"
	PublicOrigin string `toml:"public_origin"`

	// ListenAddr is the address to listen on.
	ListenAddr string `toml:"listen_addr"`

	Server      ServerConfig      `toml:"server"`
	TLS         TLSConfig         `toml:"tls"`
	Logging     LoggingConfig     `toml:"logging"`
	Store       DriverSection     `toml:"store"`
	Cache       DriverSection     `toml:"cache"`
	Invites     InvitesConfig     `toml:"invites"`
	Saga        SagaConfig        `toml:"saga"`
	Events      EventsConfig      `toml:"events"`
	Reconciler  ReconcilerConfig  `toml:"reconciler"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	GitHub      GitHubConfig      `toml:"github"`
	Directory   DirectoryConfig   `toml:"directory"`
	Notifier    NotifierConfig    `toml:"notifier"`
	Issuer      IssuerConfig      `toml:"issuer"`

	OutboundHTTP OutboundHTTPConfig `toml:"outbound_http"`
}

// OutboundHTTPConfig bounds requests to GitHub and the SCIM directory.
type OutboundHTTPConfig struct {
	TimeoutMS        int    `toml:"timeout_ms"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	MaxRedirects     int    `toml:"max_redirects"`
	CAFile           string `toml:"ca_file"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Admins lists API keys accepted on /api/admin. KeyHash is an argon2id PHC string.
	Admins []AdminKey `toml:"admins"`

	// AcceptRateLimitPerMinute bounds POST /api/accept per client IP.
	AcceptRateLimitPerMinute int `toml:"accept_rate_limit_per_minute"`

	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`
}

// AdminKey names an administrator and the hash of their API key.
type AdminKey struct {
	Name    string `toml:"name"`
	KeyHash string `toml:"key_hash"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	// Mode is one of: off, static, acme.
	Mode      string     `toml:"mode"`
	CertFile  string     `toml:"cert_file"`
	KeyFile   string     `toml:"key_file"`
	HTTPPort  int        `toml:"http_port"`
	HTTPSPort int        `toml:"https_port"`
	ACME      ACMEConfig `toml:"acme"`
}

// ACMEConfig holds ACME (lego) settings.
type ACMEConfig struct {
	Email      string `toml:"email"`
	Domain     string `toml:"domain"`
	Directory  string `toml:"directory"`
	StorageDir string `toml:"storage_dir"`
	UseStaging bool   `toml:"use_staging"`
	// CAFile is an extra root CA for the ACME directory (test CAs such as pebble).
	CAFile string `toml:"ca_file"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `toml:"level"`

	// Format is json or text.
	Format string `toml:"format"`
}

// DriverSection selects a named driver and carries raw per-driver options.
// Each driver decodes its own table from Drivers[Driver].
type DriverSection struct {
	Driver  string                    `toml:"driver"`
	Drivers map[string]map[string]any `toml:"drivers"`
}

// Options returns the raw option table for the selected driver (never nil).
func (d DriverSection) Options() map[string]any {
	if opts, ok := d.Drivers[d.Driver]; ok && opts != nil {
		return opts
	}
	return map[string]any{}
}

// StoreOptions returns a copy of the selected store driver's options with
// failure_ceiling taken from [reconciler], so the store marks invites failed
// at the same attempt count the reconciler does.
func (c *Config) StoreOptions() map[string]any {
	src := c.Store.Options()
	opts := make(map[string]any, len(src)+1)
	for k, v := range src {
		opts[k] = v
	}
	if c.Reconciler.FailureCeiling > 0 {
		opts["failure_ceiling"] = c.Reconciler.FailureCeiling
	}
	return opts
}

// InvitesConfig holds invite lifecycle settings.
type InvitesConfig struct {
	TTLHours                   int    `toml:"ttl_hours"`
	DefaultLocale              string `toml:"default_locale"`
	AcceptMaxAttempts          int    `toml:"accept_max_attempts"`
	AcceptAttemptWindowSeconds int    `toml:"accept_attempt_window_seconds"`
}

func (c InvitesConfig) TTL() time.Duration { return time.Duration(c.TTLHours) * time.Hour }

func (c InvitesConfig) AttemptWindow() time.Duration {
	return time.Duration(c.AcceptAttemptWindowSeconds) * time.Second
}

// SagaConfig holds local retry settings for provisioning steps.
type SagaConfig struct {
	StepRetries  int `toml:"step_retries"`
	RetryDelayMS int `toml:"retry_delay_ms"`
}

func (c SagaConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// EventsConfig holds in-process event bus settings.
type EventsConfig struct {
	Workers          int  `toml:"workers"`
	Buffer           int  `toml:"buffer"`
	MaxDeliveries    int  `toml:"max_deliveries"`
	RedeliverOnStart bool `toml:"redeliver_on_start"`
}

// ReconcilerConfig holds reconciliation loop settings.
type ReconcilerConfig struct {
	Enabled             bool   `toml:"enabled"`
	IntervalSeconds     int    `toml:"interval_seconds"`
	InitialDelaySeconds int    `toml:"initial_delay_seconds"`
	BackoffBaseSeconds  int    `toml:"backoff_base_seconds"`
	BackoffMaxSeconds   int    `toml:"backoff_max_seconds"`
	FailureCeiling      int    `toml:"failure_ceiling"`
	Lease               string `toml:"lease"`
	LeaseTTLSeconds     int    `toml:"lease_ttl_seconds"`
}

func (c ReconcilerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c ReconcilerConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds) * time.Second
}

func (c ReconcilerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c ReconcilerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func (c ReconcilerConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// MaintenanceConfig holds the expired-invite sweep settings.
type MaintenanceConfig struct {
	Enabled        bool   `toml:"enabled"`
	Schedule       string `toml:"schedule"`
	RetentionHours int    `toml:"retention_hours"`
}

func (c MaintenanceConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// GitHubConfig configures the code review gateway.
type GitHubConfig struct {
	APIURL      string `toml:"api_url"`
	Owner       string `toml:"owner"`
	Repo        string `toml:"repo"`
	BaseBranch  string `toml:"base_branch"`
	UsersDir    string `toml:"users_dir"`
	Token       string `toml:"token"`
	MergeMethod string `toml:"merge_method"`
}

// DirectoryConfig configures the SCIM directory client.
type DirectoryConfig struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

func (c DirectoryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NotifierConfig configures outbound email.
type NotifierConfig struct {
	// Driver is sendgrid or log.
	Driver    string `toml:"driver"`
	FromEmail string `toml:"from_email"`
	FromName  string `toml:"from_name"`
	APIKey    string `toml:"api_key"`
	Host      string `toml:"host"`
}

// IssuerConfig configures the certificate issuer.
type IssuerConfig struct {
	Driver       string `toml:"driver"`
	CACertFile   string `toml:"ca_cert_file"`
	CAKeyFile    string `toml:"ca_key_file"`
	StorageDir   string `toml:"storage_dir"`
	ProcessedDir string `toml:"processed_dir"`
	ValidityDays int    `toml:"validity_days"`
}

const redactedValue = "[REDACTED]"

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

// Redacted returns a printable rendering of the config with secrets masked.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	sb.WriteString(fmt.Sprintf("  Mode: %q,\n", c.Mode))
	sb.WriteString(fmt.Sprintf("  PublicOrigin: %q,\n", c.PublicOrigin))
	sb.WriteString(fmt.Sprintf("  ListenAddr: %q,\n", c.ListenAddr))
	sb.WriteString("  Server: {\n")
	names := make([]string, 0, len(c.Server.Admins))
	for _, a := range c.Server.Admins {
		names = append(names, a.Name)
	}
	sb.WriteString(fmt.Sprintf("    Admins: %q,\n", names))
	sb.WriteString(fmt.Sprintf("    AcceptRateLimitPerMinute: %d,\n", c.Server.AcceptRateLimitPerMinute))
	sb.WriteString("  },\n")
	sb.WriteString(fmt.Sprintf("  TLS: {Mode: %q, HTTPPort: %d, HTTPSPort: %d, ACME.Domain: %q},\n",
		c.TLS.Mode, c.TLS.HTTPPort, c.TLS.HTTPSPort, c.TLS.ACME.Domain))
	sb.WriteString(fmt.Sprintf("  Logging: {Level: %q, Format: %q},\n", c.Logging.Level, c.Logging.Format))
	sb.WriteString(fmt.Sprintf("  Store: {Driver: %q},\n", c.Store.Driver))
	sb.WriteString(fmt.Sprintf("  Cache: {Driver: %q},\n", c.Cache.Driver))
	sb.WriteString(fmt.Sprintf("  Invites: {TTLHours: %d, DefaultLocale: %q, AcceptMaxAttempts: %d},\n",
		c.Invites.TTLHours, c.Invites.DefaultLocale, c.Invites.AcceptMaxAttempts))
	sb.WriteString(fmt.Sprintf("  Saga: {StepRetries: %d, RetryDelayMS: %d},\n", c.Saga.StepRetries, c.Saga.RetryDelayMS))
	sb.WriteString(fmt.Sprintf("  Reconciler: {Enabled: %v, IntervalSeconds: %d, FailureCeiling: %d, Lease: %q},\n",
		c.Reconciler.Enabled, c.Reconciler.IntervalSeconds, c.Reconciler.FailureCeiling, c.Reconciler.Lease))
	sb.WriteString(fmt.Sprintf("  Maintenance: {Enabled: %v, Schedule: %q},\n", c.Maintenance.Enabled, c.Maintenance.Schedule))
	sb.WriteString(fmt.Sprintf("  GitHub: {Owner: %q, Repo: %q, BaseBranch: %q, Token: %q},\n",
		c.GitHub.Owner, c.GitHub.Repo, c.GitHub.BaseBranch, redact(c.GitHub.Token)))
	sb.WriteString(fmt.Sprintf("  Directory: {BaseURL: %q, Token: %q},\n", c.Directory.BaseURL, redact(c.Directory.Token)))
	sb.WriteString(fmt.Sprintf("  Notifier: {Driver: %q, FromEmail: %q, APIKey: %q},\n",
		c.Notifier.Driver, c.Notifier.FromEmail, redact(c.Notifier.APIKey)))
	sb.WriteString(fmt.Sprintf("  Issuer: {Driver: %q, StorageDir: %q},\n", c.Issuer.Driver, c.Issuer.StorageDir))
	sb.WriteString("}")
	return sb.String()
}

// AcceptURL builds the invitee link for a raw token.
func (c *Config) AcceptURL(token string) string {
	return strings.TrimSuffix(c.PublicOrigin, "/") + "/accept?token=" + url.QueryEscape(token)
}
