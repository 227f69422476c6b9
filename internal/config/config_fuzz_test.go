package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":8080")
	f.Add("  :9090  ", ":8080")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "FLAGCTL_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadTimeout(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, timeout string) {
		if strings.ContainsRune(timeout, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("FLAGCTL_TIMEOUT", timeout)

		cfg, err := Load()
		trimmed := strings.TrimSpace(timeout)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty FLAGCTL_TIMEOUT", err)
			}
			if cfg.Timeout != defaultTimeout {
				t.Fatalf("Timeout = %s, want %s", cfg.Timeout, defaultTimeout)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for FLAGCTL_TIMEOUT=%q", timeout)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for FLAGCTL_TIMEOUT=%q", err, timeout)
		}
		if cfg.Timeout != parsed {
			t.Fatalf("Timeout = %s, want %s", cfg.Timeout, parsed)
		}
	})
}
