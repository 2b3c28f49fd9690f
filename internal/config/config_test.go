package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Csrf.TTLSec != 3600 {
		t.Errorf("csrf ttl default = %d", cfg.Csrf.TTLSec)
	}
	if cfg.Pow.DefaultDifficulty != 4 {
		t.Errorf("pow difficulty default = %d", cfg.Pow.DefaultDifficulty)
	}
	if got := cfg.RateLimit.Actions["register"]; len(got) != 3 || got[0].MaxAttempts != 1 {
		t.Errorf("register default windows = %+v", got)
	}
	if cfg.CaptchaEnabled() {
		t.Error("captcha must be disabled without keys")
	}
}

func TestLoad_FileOverridesDefaultTable(t *testing.T) {
	p := writeConfig(t, `
ratelimit:
  actions:
    register:
      - {max_attempts: 2, window_sec: 60}
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.RateLimit.Actions["register"]; len(got) != 1 || got[0].MaxAttempts != 2 {
		t.Errorf("override not applied: %+v", got)
	}
	// Untouched actions keep their defaults.
	if got := cfg.RateLimit.Actions["login"]; len(got) != 3 {
		t.Errorf("login defaults lost: %+v", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CSRF_SECRET_KEY", "env-secret")
	t.Setenv("HCAPTCHA_SITE_KEY", "site")
	t.Setenv("HCAPTCHA_SECRET_KEY", "sec")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Secret.Key != "env-secret" {
		t.Errorf("CSRF_SECRET_KEY not applied: %q", cfg.Secret.Key)
	}
	if !cfg.CaptchaEnabled() {
		t.Error("captcha keys from env should enable the verifier")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"difficulty too low", "pow:\n  default_difficulty: 2\n"},
		{"difficulty too high", "pow:\n  default_difficulty: 7\n"},
		{"captcha half-configured", "captcha:\n  site_key: only-site\n"},
		{"redis without url", "store:\n  backend: redis\n"},
		{"route without action", "routes:\n  - pattern: ^/register$\n"},
		{"negative window", "ratelimit:\n  actions:\n    login:\n      - {max_attempts: -1, window_sec: 60}\n"},
	}
	for _, tc := range cases {
		cfg, err := Load(writeConfig(t, tc.body))
		if err != nil {
			continue // compile-stage rejection is fine too
		}
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidate_StrictSecret(t *testing.T) {
	cfg, err := Load(writeConfig(t, "secret:\n  strict: true\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("strict mode without a key must fail validation")
	}
}
