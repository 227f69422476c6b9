// Package config loads flagctl configuration from environment variables.
//
// Optional variables:
//   - FLAGCTL_PROVIDER: one of memory, file, flagz, postgres, redis
//     (default "file").
//   - FLAGCTL_FLAGS_FILE: YAML flag file for the file provider
//     (default "flags.yaml").
//   - FLAGZ_BASE_URL: flagz server URL, required for the flagz provider.
//   - FLAGZ_API_KEY: bearer token for the flagz server.
//   - DATABASE_URL: PostgreSQL connection string, required for the postgres
//     provider.
//   - FLAGZ_PROJECT_ID: restricts the postgres provider to one project.
//   - CACHE_RESYNC_INTERVAL: safety-net reload interval of the postgres
//     provider (default "1m", must be > 0 if set).
//   - REDIS_ADDR: Redis address, required for the redis provider.
//   - REDIS_KEY: hash holding flag definitions (default "flageval:flags").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - FLAGCTL_TIMEOUT: deadline for provider initialisation and a single
//     evaluation (default "10s", must be > 0 if set).
//   - METRICS_ADDR: when set, `flagctl watch` serves Prometheus metrics on
//     this address.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	ProviderMemory   = "memory"
	ProviderFile     = "file"
	ProviderFlagz    = "flagz"
	ProviderPostgres = "postgres"
	ProviderRedis    = "redis"
)

const (
	defaultProvider            = ProviderFile
	defaultFlagsFile           = "flags.yaml"
	defaultRedisKey            = "flageval:flags"
	defaultTimeout             = 10 * time.Second
	defaultCacheResyncInterval = time.Minute
)

var ErrUnknownProvider = errors.New("unknown provider")

// Config holds the runtime configuration for flagctl.
type Config struct {
	Provider            string
	FlagsFile           string
	FlagzBaseURL        string
	FlagzAPIKey         string
	DatabaseURL         string
	ProjectID           string
	CacheResyncInterval time.Duration
	RedisAddr           string
	RedisKey            string
	LogLevel            string
	Timeout             time.Duration
	MetricsAddr         string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if a variable the selected provider needs
// is missing or if optional values fail validation.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse reads environment variables like Load but leaves the provider
// requirements to [Config.Validate], so callers can overlay other sources
// first.
func Parse() (Config, error) {
	timeout, err := positiveDuration("FLAGCTL_TIMEOUT", defaultTimeout)
	if err != nil {
		return Config{}, err
	}

	cacheResyncInterval, err := positiveDuration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Provider:            strings.ToLower(envOrDefault("FLAGCTL_PROVIDER", defaultProvider)),
		FlagsFile:           envOrDefault("FLAGCTL_FLAGS_FILE", defaultFlagsFile),
		FlagzBaseURL:        strings.TrimSpace(os.Getenv("FLAGZ_BASE_URL")),
		FlagzAPIKey:         strings.TrimSpace(os.Getenv("FLAGZ_API_KEY")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ProjectID:           strings.TrimSpace(os.Getenv("FLAGZ_PROJECT_ID")),
		CacheResyncInterval: cacheResyncInterval,
		RedisAddr:           strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisKey:            envOrDefault("REDIS_KEY", defaultRedisKey),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		Timeout:             timeout,
		MetricsAddr:         strings.TrimSpace(os.Getenv("METRICS_ADDR")),
	}, nil
}

// Validate checks that the selected provider has what it needs.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderMemory:
	case ProviderFile:
		if c.FlagsFile == "" {
			return errors.New("FLAGCTL_FLAGS_FILE is required for the file provider")
		}
	case ProviderFlagz:
		if c.FlagzBaseURL == "" {
			return errors.New("FLAGZ_BASE_URL is required for the flagz provider")
		}
	case ProviderPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres provider")
		}
	case ProviderRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis provider")
		}
	default:
		return fmt.Errorf("FLAGCTL_PROVIDER: %w: %q", ErrUnknownProvider, c.Provider)
	}
	if c.Timeout <= 0 {
		return errors.New("FLAGCTL_TIMEOUT must be > 0")
	}
	return nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
