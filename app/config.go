package app

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"spynet/client"
)

// Default role names of the realm.
const (
	DefaultPremiumRole    = "agente-premium"
	DefaultClassifiedRole = "nivel-00"
	DefaultHSTSMaxAge     = 31536000
)

// Config captures the resource API configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Roles  RoleConfig   `yaml:"roles"`
}

// ServerConfig controls listener and TLS concerns.
type ServerConfig struct {
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// AuthConfig describes how bearer tokens are verified. MaxRefetches caps the
// key set refetches one unknown kid may trigger; zero disables them.
type AuthConfig struct {
	Issuer          string        `yaml:"issuer"`
	JWKSURI         string        `yaml:"jwks_uri"`
	Audiences       []string      `yaml:"audiences"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefetchInterval time.Duration `yaml:"refetch_interval"`
	MaxRefetches    int           `yaml:"max_refetches"`
	Leeway          time.Duration `yaml:"leeway"`
}

// RoleConfig names the realm roles guarding the restricted routes.
type RoleConfig struct {
	Premium    string `yaml:"premium"`
	Classified string `yaml:"classified"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:   ":4000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Auth: AuthConfig{
			CacheTTL:        client.DefaultCacheTTL,
			RefetchInterval: client.DefaultRefetchInterval,
			MaxRefetches:    client.DefaultMaxRefetches,
		},
		Roles: RoleConfig{
			Premium:    DefaultPremiumRole,
			Classified: DefaultClassifiedRole,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"ISSUER":                func(v string) { cfg.Auth.Issuer = v },
		"JWKS_URI":              func(v string) { cfg.Auth.JWKSURI = v },
		"AUDIENCE":              func(v string) { cfg.Auth.Audiences = splitAndTrim(v) },
		"PORT":                  func(v string) { cfg.Server.DevListenAddr = ":" + strings.TrimPrefix(v, ":") },
		"ROLE_PREMIUM":          func(v string) { cfg.Roles.Premium = v },
		"ROLE_CLASSIFIED":       func(v string) { cfg.Roles.Classified = v },
		"API_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"API_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"API_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"JWKS_CACHE_TTL":        func(v string) { cfg.Auth.CacheTTL = parseDuration(v, cfg.Auth.CacheTTL) },
		"JWKS_REFETCH_INTERVAL": func(v string) { cfg.Auth.RefetchInterval = parseDuration(v, cfg.Auth.RefetchInterval) },
		"JWKS_MAX_REFETCHES":    func(v string) { cfg.Auth.MaxRefetches = parseInt(v, cfg.Auth.MaxRefetches) },
		"TOKEN_LEEWAY":          func(v string) { cfg.Auth.Leeway = parseDuration(v, cfg.Auth.Leeway) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	required := []struct{ field, raw string }{
		{"auth.issuer", c.Auth.Issuer},
		{"auth.jwks_uri", c.Auth.JWKSURI},
	}
	for _, r := range required {
		field, raw := r.field, r.raw
		if raw == "" {
			slog.Error("Missing required configuration", "field", field)
			return fmt.Errorf("%s is required", field)
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			slog.Error("Invalid configuration value", "field", field, "value", raw)
			return fmt.Errorf("%s must start with http:// or https://, got: %s", field, raw)
		}
	}
	if c.Roles.Premium == "" || c.Roles.Classified == "" {
		return errors.New("roles.premium and roles.classified must not be empty")
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth.leeway must not be negative, got %s", c.Auth.Leeway)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	return nil
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
