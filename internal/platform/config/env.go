package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "ONBOARDING_"

// envSecrets are the values that may come from the environment instead of
// the TOML file. Empty values leave the file value in place.
type envSecrets struct {
	GitHubToken    string `env:"GITHUB_TOKEN"`
	DirectoryToken string `env:"DIRECTORY_TOKEN"`
	SendGridAPIKey string `env:"SENDGRID_API_KEY"`
	DatabaseDSN    string `env:"DATABASE_DSN"`
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
}

// ParseEnv loads prefixed environment variables into target.
// A nil environ reads the process environment.
func ParseEnv(target any, environ map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func overlayEnv(cfg *Config, environ map[string]string) error {
	var s envSecrets
	if err := ParseEnv(&s, environ); err != nil {
		return err
	}

	if s.GitHubToken != "" {
		cfg.GitHub.Token = s.GitHubToken
	}
	if s.DirectoryToken != "" {
		cfg.Directory.Token = s.DirectoryToken
	}
	if s.SendGridAPIKey != "" {
		cfg.Notifier.APIKey = s.SendGridAPIKey
	}
	if s.DatabaseDSN != "" {
		setDriverOption(&cfg.Store, "postgres", "dsn", s.DatabaseDSN)
	}
	if s.RedisAddr != "" {
		setDriverOption(&cfg.Cache, "redis", "addr", s.RedisAddr)
	}
	if s.RedisPassword != "" {
		setDriverOption(&cfg.Cache, "redis", "password", s.RedisPassword)
	}
	return nil
}

func setDriverOption(d *DriverSection, driver, key string, value any) {
	if d.Drivers == nil {
		d.Drivers = make(map[string]map[string]any)
	}
	if d.Drivers[driver] == nil {
		d.Drivers[driver] = make(map[string]any)
	}
	d.Drivers[driver][key] = value
}
