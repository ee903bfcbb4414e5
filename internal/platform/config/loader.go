package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Mode represents the service operating mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeDev    Mode = "dev"
)

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return ModeStrict, nil
	case "dev":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of strict, dev", s)
	}
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// ModeFlag is the --mode flag value (overrides config file mode).
	ModeFlag string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Environment replaces the process environment for secret lookup.
	// Nil means os.Environ().
	Environment map[string]string

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	ListenAddr        *string
	PublicOrigin      *string
	TLSMode           *string
	LoggingLevel      *string
	LoggingFormat     *string
	StoreDriver       *string
	ReconcilerEnabled *string // "true", "false", or "" (unset)
}

// Load builds the effective configuration.
// Precedence: mode preset -> TOML file -> environment secrets -> CLI flags.
// Invalid enum values fail the load. Unknown TOML keys produce a warning.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var data []byte
	var probe struct {
		Mode string `toml:"mode"`
	}

	if opts.ConfigPath != "" {
		var err error
		data, err = os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		if _, err := toml.Decode(string(data), &probe); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
	}

	modeStr := probe.Mode
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetForMode(mode)

	// Decoding over the preset only replaces keys present in the file.
	if data != nil {
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}
	cfg.Mode = string(mode)

	if err := overlayEnv(cfg, opts.Environment); err != nil {
		return nil, err
	}

	overlayFlags(cfg, opts.FlagOverrides)

	if err := validateEnums(cfg); err != nil {
		return nil, err
	}
	if err := validateRanges(cfg); err != nil {
		return nil, err
	}
	if err := validatePublicOrigin(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// presetForMode returns the base config for a given mode.
func presetForMode(mode Mode) *Config {
	if mode == ModeDev {
		return DevConfig()
	}
	return StrictConfig()
}

// StrictConfig returns production defaults.
func StrictConfig() *Config {
	return &Config{
		Mode:         string(ModeStrict),
		PublicOrigin: "https://localhost:9300",
		ListenAddr:   ":9300",
		Server: ServerConfig{
			AcceptRateLimitPerMinute: 20,
		},
		TLS: TLSConfig{
			Mode:      "static",
			HTTPPort:  9380,
			HTTPSPort: 9300,
			ACME: ACMEConfig{
				Directory:  "https://acme-v02.api.letsencrypt.org/directory",
				StorageDir: ".onboarding/acme",
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store: DriverSection{
			Driver: "sqlite",
			Drivers: map[string]map[string]any{
				"sqlite": {"path": ".onboarding/onboarding.db"},
			},
		},
		Cache: DriverSection{Driver: "memory"},
		Invites: InvitesConfig{
			TTLHours:                   168,
			DefaultLocale:              "en",
			AcceptMaxAttempts:          10,
			AcceptAttemptWindowSeconds: 900,
		},
		Saga: SagaConfig{StepRetries: 2, RetryDelayMS: 500},
		Events: EventsConfig{
			Workers:          4,
			Buffer:           256,
			MaxDeliveries:    5,
			RedeliverOnStart: true,
		},
		Reconciler: ReconcilerConfig{
			Enabled:             true,
			IntervalSeconds:     120,
			InitialDelaySeconds: 10,
			BackoffBaseSeconds:  30,
			BackoffMaxSeconds:   600,
			FailureCeiling:      5,
			Lease:               "store",
			LeaseTTLSeconds:     300,
		},
		Maintenance: MaintenanceConfig{
			Enabled:        true,
			Schedule:       "@hourly",
			RetentionHours: 720,
		},
		GitHub: GitHubConfig{
			BaseBranch:  "main",
			UsersDir:    "users",
			MergeMethod: "squash",
		},
		Directory: DirectoryConfig{TimeoutSeconds: 15},
		OutboundHTTP: OutboundHTTPConfig{
			TimeoutMS:        15000,
			ConnectTimeoutMS: 5000,
			MaxRedirects:     3,
		},
		Notifier: NotifierConfig{Driver: "sendgrid", FromName: "Onboarding"},
		Issuer: IssuerConfig{
			Driver:       "localca",
			StorageDir:   ".onboarding/certs",
			ProcessedDir: ".onboarding/processed",
			ValidityDays: 365,
		},
	}
}

// DevConfig returns development defaults: plain HTTP, log notifier, no lease.
func DevConfig() *Config {
	cfg := StrictConfig()
	cfg.Mode = string(ModeDev)
	cfg.PublicOrigin = "http://localhost:9300"
	cfg.TLS.Mode = "off"
	cfg.TLS.ACME.Directory = "https://acme-staging-v02.api.letsencrypt.org/directory"
	cfg.TLS.ACME.UseStaging = true
	cfg.Logging = LoggingConfig{Level: "debug", Format: "text"}
	cfg.Notifier.Driver = "log"
	cfg.Reconciler.Lease = "none"
	cfg.Reconciler.IntervalSeconds = 30
	cfg.Saga.RetryDelayMS = 100
	return cfg
}

// overlayFlags applies CLI flag values onto cfg.
func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.ListenAddr != nil && *f.ListenAddr != "" {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.PublicOrigin != nil && *f.PublicOrigin != "" {
		cfg.PublicOrigin = *f.PublicOrigin
	}
	if f.TLSMode != nil && *f.TLSMode != "" {
		cfg.TLS.Mode = *f.TLSMode
	}
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
	if f.LoggingFormat != nil && *f.LoggingFormat != "" {
		cfg.Logging.Format = *f.LoggingFormat
	}
	if f.StoreDriver != nil && *f.StoreDriver != "" {
		cfg.Store.Driver = *f.StoreDriver
	}
	if f.ReconcilerEnabled != nil && *f.ReconcilerEnabled != "" {
		cfg.Reconciler.Enabled = *f.ReconcilerEnabled == "true"
	}
}

// validateEnums validates enum-like config fields and returns an error for invalid values.
func validateEnums(cfg *Config) error {
	switch cfg.TLS.Mode {
	case "off", "static", "acme":
	default:
		return fmt.Errorf("invalid tls.mode %q: must be one of off, static, acme", cfg.TLS.Mode)
	}

	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q: must be one of trace, debug, info, warn, error", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q: must be one of json, text", cfg.Logging.Format)
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres", "json":
	default:
		return fmt.Errorf("invalid store.driver %q: must be one of sqlite, postgres, json", cfg.Store.Driver)
	}

	switch cfg.Cache.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid cache.driver %q: must be one of memory, redis", cfg.Cache.Driver)
	}

	switch cfg.Reconciler.Lease {
	case "none", "store", "redis":
	default:
		return fmt.Errorf("invalid reconciler.lease %q: must be one of none, store, redis", cfg.Reconciler.Lease)
	}
	if cfg.Reconciler.Lease == "store" && cfg.Store.Driver == "json" {
		return fmt.Errorf("invalid reconciler.lease %q: the json store cannot hold a lease; use none or redis", cfg.Reconciler.Lease)
	}

	switch cfg.Notifier.Driver {
	case "sendgrid", "log":
	default:
		return fmt.Errorf("invalid notifier.driver %q: must be one of sendgrid, log", cfg.Notifier.Driver)
	}

	switch cfg.Issuer.Driver {
	case "localca":
	default:
		return fmt.Errorf("invalid issuer.driver %q: must be one of localca", cfg.Issuer.Driver)
	}

	switch cfg.GitHub.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		return fmt.Errorf("invalid github.merge_method %q: must be one of merge, squash, rebase", cfg.GitHub.MergeMethod)
	}

	return nil
}

// validateRanges rejects numeric settings the runtime cannot work with.
func validateRanges(cfg *Config) error {
	checks := []struct {
		name string
		val  int
		min  int
	}{
		{"invites.ttl_hours", cfg.Invites.TTLHours, 1},
		{"invites.accept_max_attempts", cfg.Invites.AcceptMaxAttempts, 1},
		{"saga.step_retries", cfg.Saga.StepRetries, 0},
		{"events.workers", cfg.Events.Workers, 1},
		{"events.max_deliveries", cfg.Events.MaxDeliveries, 1},
		{"reconciler.interval_seconds", cfg.Reconciler.IntervalSeconds, 1},
		{"reconciler.backoff_base_seconds", cfg.Reconciler.BackoffBaseSeconds, 1},
		{"reconciler.backoff_max_seconds", cfg.Reconciler.BackoffMaxSeconds, 1},
		{"reconciler.failure_ceiling", cfg.Reconciler.FailureCeiling, 1},
	}
	for _, c := range checks {
		if c.val < c.min {
			return fmt.Errorf("invalid %s %d: must be >= %d", c.name, c.val, c.min)
		}
	}
	return nil
}

// validatePublicOrigin requires an absolute http(s) origin.
func validatePublicOrigin(cfg *Config) error {
	u, err := url.Parse(cfg.PublicOrigin)
	if err != nil {
		return fmt.Errorf("invalid public_origin %q: %w", cfg.PublicOrigin, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid public_origin %q: must be an absolute http or https URL", cfg.PublicOrigin)
	}
	return nil
}
