package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  dev_mode: true
auth:
  issuer: http://localhost:8080/realms/spynet
  jwks_uri: http://localhost:8080/realms/spynet/protocol/openid-connect/certs
`)

	t.Setenv("ISSUER", "https://sso.example.com/realms/spynet")
	t.Setenv("JWKS_CACHE_TTL", "2m")
	t.Setenv("JWKS_MAX_REFETCHES", "-1")
	t.Setenv("AUDIENCE", "account, spynet-api")
	t.Setenv("PORT", "4100")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Auth.Issuer != "https://sso.example.com/realms/spynet" {
		t.Fatalf("Issuer override mismatch, got %q", cfg.Auth.Issuer)
	}
	if cfg.Auth.CacheTTL != 2*time.Minute {
		t.Fatalf("CacheTTL override mismatch, got %s", cfg.Auth.CacheTTL)
	}
	if cfg.Auth.MaxRefetches != -1 {
		t.Fatalf("MaxRefetches override mismatch, got %d", cfg.Auth.MaxRefetches)
	}
	if len(cfg.Auth.Audiences) != 2 || cfg.Auth.Audiences[1] != "spynet-api" {
		t.Fatalf("Audiences override mismatch, got %v", cfg.Auth.Audiences)
	}
	if cfg.Server.DevListenAddr != ":4100" {
		t.Fatalf("PORT override mismatch, got %q", cfg.Server.DevListenAddr)
	}
	if cfg.Roles.Premium != DefaultPremiumRole {
		t.Fatalf("premium role default lost, got %q", cfg.Roles.Premium)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `auth:
  issuer: http://localhost:8080/realms/spynet
  jwks_uri: http://localhost:8080/certs
  jwks_url: typo
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Auth.Issuer = "http://localhost:8080/realms/spynet"
		cfg.Auth.JWKSURI = "http://localhost:8080/certs"
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing issuer", mutate: func(c *Config) { c.Auth.Issuer = "" }, wantErr: "auth.issuer"},
		{name: "missing jwks", mutate: func(c *Config) { c.Auth.JWKSURI = "" }, wantErr: "auth.jwks_uri"},
		{name: "bad scheme", mutate: func(c *Config) { c.Auth.JWKSURI = "ftp://keys" }, wantErr: "auth.jwks_uri"},
		{name: "empty role", mutate: func(c *Config) { c.Roles.Premium = "" }, wantErr: "roles"},
		{name: "negative leeway", mutate: func(c *Config) { c.Auth.Leeway = -time.Second }, wantErr: "leeway"},
		{name: "prod without domains", mutate: func(c *Config) { c.Server.DevMode = false }, wantErr: "tls.domains"},
		{name: "prod with domains", mutate: func(c *Config) {
			c.Server.DevMode = false
			c.Server.TLS.Domains = []string{"api.spynet.example"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseNumbersFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
	if parseInt("x", 3) != 3 {
		t.Fatalf("invalid int should return fallback")
	}
	if parseInt(" 0 ", 3) != 0 {
		t.Fatalf("parsed int mismatch")
	}
}
