package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var noEnv = map[string]string{}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func strPtr(s string) *string { return &s }

func TestParseMode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Mode
		wantErr bool
	}{
		{"strict", "strict", ModeStrict, false},
		{"dev", "dev", ModeDev, false},
		{"empty defaults to strict", "", ModeStrict, false},
		{"uppercase", "STRICT", ModeStrict, false},
		{"whitespace", "  dev  ", ModeDev, false},
		{"invalid", "interop", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(LoaderOptions{Environment: noEnv})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != "strict" {
		t.Errorf("expected mode strict, got %s", cfg.Mode)
	}
	if cfg.TLS.Mode != "static" {
		t.Errorf("expected tls mode static, got %s", cfg.TLS.Mode)
	}
	if cfg.Invites.TTL().Hours() != 168 {
		t.Errorf("expected 7 day TTL, got %v", cfg.Invites.TTL())
	}
	if cfg.Reconciler.FailureCeiling != 5 {
		t.Errorf("expected failure ceiling 5, got %d", cfg.Reconciler.FailureCeiling)
	}
	if cfg.Reconciler.BackoffMax().Seconds() != 600 {
		t.Errorf("expected backoff max 600s, got %v", cfg.Reconciler.BackoffMax())
	}
}

func TestLoad_ModeFlag(t *testing.T) {
	cfg, err := Load(LoaderOptions{ModeFlag: "dev", Environment: noEnv})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != "dev" {
		t.Errorf("expected mode dev, got %s", cfg.Mode)
	}
	if cfg.TLS.Mode != "off" {
		t.Errorf("expected tls off in dev, got %s", cfg.TLS.Mode)
	}
	if cfg.Notifier.Driver != "log" {
		t.Errorf("expected log notifier in dev, got %s", cfg.Notifier.Driver)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfig(t, `
mode = "dev"
public_origin = "https://join.example.org"
listen_addr = ":8443"

[server]
accept_rate_limit_per_minute = 5

[[server.admins]]
name = "ops"
key_hash = "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"

[store]
driver = "postgres"

[store.drivers.postgres]
dsn = "postgres://localhost/onboarding"

[invites]
ttl_hours = 24

[github]
owner = "acme"
repo = "platform-config"
`)

	cfg, err := Load(LoaderOptions{ConfigPath: path, Environment: noEnv})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != "dev" {
		t.Errorf("expected mode dev, got %s", cfg.Mode)
	}
	if cfg.PublicOrigin != "https://join.example.org" {
		t.Errorf("unexpected public origin %s", cfg.PublicOrigin)
	}
	if cfg.ListenAddr != ":8443" {
		t.Errorf("expected listen addr :8443, got %s", cfg.ListenAddr)
	}
	if len(cfg.Server.Admins) != 1 || cfg.Server.Admins[0].Name != "ops" {
		t.Errorf("expected one admin named ops, got %+v", cfg.Server.Admins)
	}
	if cfg.Server.AcceptRateLimitPerMinute != 5 {
		t.Errorf("expected rate limit 5, got %d", cfg.Server.AcceptRateLimitPerMinute)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Store.Driver)
	}
	if cfg.Store.Options()["dsn"] != "postgres://localhost/onboarding" {
		t.Errorf("unexpected postgres options %v", cfg.Store.Options())
	}
	if cfg.Invites.TTLHours != 24 {
		t.Errorf("expected ttl 24, got %d", cfg.Invites.TTLHours)
	}
	// Untouched keys keep the preset.
	if cfg.Invites.AcceptMaxAttempts != 10 {
		t.Errorf("expected preset accept attempts, got %d", cfg.Invites.AcceptMaxAttempts)
	}
	if cfg.GitHub.BaseBranch != "main" {
		t.Errorf("expected preset base branch, got %s", cfg.GitHub.BaseBranch)
	}
}

func TestLoad_ModeFlagOverridesFile(t *testing.T) {
	path := writeConfig(t, `mode = "dev"`)

	cfg, err := Load(LoaderOptions{ConfigPath: path, ModeFlag: "strict", Environment: noEnv})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != "strict" {
		t.Errorf("expected flag mode strict, got %s", cfg.Mode)
	}
	if cfg.TLS.Mode != "static" {
		t.Errorf("expected strict preset tls, got %s", cfg.TLS.Mode)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(LoaderOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.toml"), Environment: noEnv})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, `mode = [`)
	if _, err := Load(LoaderOptions{ConfigPath: path, Environment: noEnv}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_UndecodedKeysWarn(t *testing.T) {
	path := writeConfig(t, `
mode = "dev"
unknown_key = 1

[reconciler]
bogus = true
`)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	if _, err := Load(LoaderOptions{ConfigPath: path, Environment: noEnv, Logger: logger}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "undecoded keys") {
		t.Fatalf("expected warning, got %q", out)
	}
	if !strings.Contains(out, "unknown_key") || !strings.Contains(out, "reconciler.bogus") {
		t.Errorf("expected both keys in warning, got %q", out)
	}
}

func TestLoad_InvalidEnums(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"tls mode", "[tls]\nmode = \"selfsigned\"", "tls.mode"},
		{"logging level", "[logging]\nlevel = \"loud\"", "logging.level"},
		{"logging format", "[logging]\nformat = \"xml\"", "logging.format"},
		{"store driver", "[store]\ndriver = \"mongo\"", "store.driver"},
		{"cache driver", "[cache]\ndriver = \"valkey\"", "cache.driver"},
		{"lease", "[reconciler]\nlease = \"etcd\"", "reconciler.lease"},
		{"notifier", "[notifier]\ndriver = \"smtp\"", "notifier.driver"},
		{"issuer", "[issuer]\ndriver = \"vault\"", "issuer.driver"},
		{"merge method", "[github]\nmerge_method = \"ff\"", "github.merge_method"},
		{"json store with store lease", "[store]\ndriver = \"json\"\n[reconciler]\nlease = \"store\"", "reconciler.lease"},
		{"zero ceiling", "[reconciler]\nfailure_ceiling = 0", "reconciler.failure_ceiling"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(LoaderOptions{ConfigPath: path, Environment: noEnv})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestLoad_InvalidPublicOrigin(t *testing.T) {
	for _, origin := range []string{"join.example.org", "ftp://join.example.org", "https://"} {
		t.Run(origin, func(t *testing.T) {
			_, err := Load(LoaderOptions{
				Environment:   noEnv,
				FlagOverrides: FlagOverrides{PublicOrigin: strPtr(origin)},
			})
			if err == nil {
				t.Errorf("expected error for origin %q", origin)
			}
		})
	}
}

func TestLoad_EnvSecrets(t *testing.T) {
	path := writeConfig(t, `
[github]
token = "from-file"

[cache]
driver = "redis"
`)
	cfg, err := Load(LoaderOptions{
		ConfigPath: path,
		Environment: map[string]string{
			"ONBOARDING_GITHUB_TOKEN":     "from-env",
			"ONBOARDING_DIRECTORY_TOKEN":  "scim-token",
			"ONBOARDING_SENDGRID_API_KEY": "SG.key",
			"ONBOARDING_DATABASE_DSN":     "postgres://db/onboarding",
			"ONBOARDING_REDIS_ADDR":       "redis:6379",
			"GITHUB_TOKEN":                "unprefixed-ignored",
		},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.GitHub.Token != "from-env" {
		t.Errorf("expected env token to win over file, got %q", cfg.GitHub.Token)
	}
	if cfg.Directory.Token != "scim-token" {
		t.Errorf("expected directory token, got %q", cfg.Directory.Token)
	}
	if cfg.Notifier.APIKey != "SG.key" {
		t.Errorf("expected sendgrid key, got %q", cfg.Notifier.APIKey)
	}
	if cfg.Store.Drivers["postgres"]["dsn"] != "postgres://db/onboarding" {
		t.Errorf("expected dsn in postgres options, got %v", cfg.Store.Drivers["postgres"])
	}
	if cfg.Cache.Options()["addr"] != "redis:6379" {
		t.Errorf("expected redis addr, got %v", cfg.Cache.Options())
	}
}

func TestLoad_FlagOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr = ":1111"

[logging]
level = "info"
`)
	cfg, err := Load(LoaderOptions{
		ConfigPath:  path,
		Environment: noEnv,
		FlagOverrides: FlagOverrides{
			ListenAddr:        strPtr(":2222"),
			LoggingLevel:      strPtr("warn"),
			TLSMode:           strPtr("off"),
			StoreDriver:       strPtr("json"),
			ReconcilerEnabled: strPtr("false"),
			LoggingFormat:     strPtr(""),
		},
	})
	if err == nil {
		t.Fatal("expected json store with store lease to be rejected")
	}

	cfg, err = Load(LoaderOptions{
		ConfigPath:  path,
		Environment: noEnv,
		FlagOverrides: FlagOverrides{
			ListenAddr:        strPtr(":2222"),
			LoggingLevel:      strPtr("warn"),
			TLSMode:           strPtr("off"),
			ReconcilerEnabled: strPtr("false"),
			LoggingFormat:     strPtr(""),
		},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != ":2222" {
		t.Errorf("expected flag listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected flag level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected empty flag to keep json format, got %s", cfg.Logging.Format)
	}
	if cfg.TLS.Mode != "off" {
		t.Errorf("expected tls off, got %s", cfg.TLS.Mode)
	}
	if cfg.Reconciler.Enabled {
		t.Error("expected reconciler disabled by flag")
	}
}

func TestRedacted_MasksSecrets(t *testing.T) {
	cfg := DevConfig()
	cfg.GitHub.Token = "ghp_secret"
	cfg.Directory.Token = "scim_secret"
	cfg.Notifier.APIKey = "SG.secret"
	cfg.Server.Admins = []AdminKey{{Name: "ops", KeyHash: "$argon2id$hash"}}

	out := cfg.Redacted()
	for _, secret := range []string{"ghp_secret", "scim_secret", "SG.secret", "$argon2id$hash"} {
		if strings.Contains(out, secret) {
			t.Errorf("redacted output leaks %q", secret)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("expected redaction marker")
	}
	if !strings.Contains(out, `"ops"`) {
		t.Error("expected admin names to be listed")
	}
}

func TestAcceptURL(t *testing.T) {
	cfg := DevConfig()
	cfg.PublicOrigin = "https://join.example.org/"

	got := cfg.AcceptURL("ab cd")
	want := "https://join.example.org/accept?token=ab+cd"
	if got != want {
		t.Errorf("AcceptURL = %q, want %q", got, want)
	}
}

func TestStoreOptions_CarriesFailureCeiling(t *testing.T) {
	path := writeConfig(t, `
[store]
driver = "sqlite"

[store.drivers.sqlite]
path = "/var/lib/onboarding/invites.db"

[reconciler]
failure_ceiling = 8
`)
	cfg, err := Load(LoaderOptions{ModeFlag: "dev", ConfigPath: path, Environment: noEnv})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	opts := cfg.StoreOptions()
	if opts["failure_ceiling"] != 8 {
		t.Errorf("expected failure_ceiling 8, got %v", opts["failure_ceiling"])
	}
	if opts["path"] != "/var/lib/onboarding/invites.db" {
		t.Errorf("expected driver options kept, got %v", opts)
	}
	if _, ok := cfg.Store.Options()["failure_ceiling"]; ok {
		t.Error("StoreOptions must not modify the loaded driver table")
	}
}
