package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded flow and session defaults
const (
	DefaultSessionTTL       = 24 * time.Hour
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultAPITimeout       = 5 * time.Second
	DefaultAPIMaxAttempts   = 3
	DefaultHSTSMaxAge       = 31536000
	minSessionSecretLen     = 32
)

// DefaultScopes are requested on every login.
var DefaultScopes = []string{"openid", "profile", "roles"}

// Config captures the BFF configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	API      APIConfig      `yaml:"api"`
	Sessions SessionConfig  `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig points at the OpenID provider. The BFF is a public client,
// so there is no secret.
type ProviderConfig struct {
	Issuer           string        `yaml:"issuer"`
	ClientID         string        `yaml:"client_id"`
	Scopes           []string      `yaml:"scopes"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// APIConfig describes the resource API the access token is relayed to.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts uint          `yaml:"max_attempts"`

	// SendResource adds the API base URL as the resource authorization parameter.
	SendResource bool `yaml:"send_resource"`
}

// SessionConfig controls the session cookie and server-side lifetime.
type SessionConfig struct {
	Secret     string        `yaml:"secret"`
	TTL        time.Duration `yaml:"ttl"`
	CookieName string        `yaml:"cookie_name"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
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

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:3000",
			DevListenAddr:   ":3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Provider: ProviderConfig{
			Scopes:           append([]string(nil), DefaultScopes...),
			DiscoveryTimeout: DefaultDiscoveryTimeout,
		},
		API: APIConfig{
			BaseURL:      "http://localhost:4000",
			Timeout:      DefaultAPITimeout,
			MaxAttempts:  DefaultAPIMaxAttempts,
			SendResource: true,
		},
		Sessions: SessionConfig{
			TTL:        DefaultSessionTTL,
			CookieName: defaultCookieName,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"ISSUER_URL":        func(v string) { cfg.Provider.Issuer = v },
		"CLIENT_ID":         func(v string) { cfg.Provider.ClientID = v },
		"API_URL":           func(v string) { cfg.API.BaseURL = v },
		"SESSION_SECRET":    func(v string) { cfg.Sessions.Secret = v },
		"PORT":              func(v string) { cfg.Server.DevListenAddr = ":" + strings.TrimPrefix(v, ":") },
		"PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"BFF_DEV_MODE":      func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BFF_SESSION_TTL":   func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"BFF_API_TIMEOUT":   func(v string) { cfg.API.Timeout = parseDuration(v, cfg.API.Timeout) },
		"BFF_TLS_DOMAINS":   func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BFF_TLS_EMAIL":     func(v string) { cfg.Server.TLS.Email = v },
		"BFF_TRUST_PROXY":   func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"BFF_COOKIE_DOMAIN": func(v string) { cfg.Server.CookieDomain = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
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

// Validate performs sanity checks on the config. Every failure is fatal at
// startup.
func (c Config) Validate() error {
	if err := validateHTTPURL("server.public_url", c.Server.PublicURL); err != nil {
		return err
	}
	if err := validateHTTPURL("provider.issuer", c.Provider.Issuer); err != nil {
		return err
	}
	if c.Provider.ClientID == "" {
		slog.Error("Missing required configuration", "field", "provider.client_id")
		return errors.New("provider.client_id is required")
	}
	if err := validateHTTPURL("api.base_url", c.API.BaseURL); err != nil {
		return err
	}

	if c.Sessions.Secret == "" {
		slog.Error("Missing required configuration", "field", "sessions.secret")
		return errors.New("sessions.secret is required")
	}
	if len(c.Sessions.Secret) < minSessionSecretLen {
		if !c.Server.DevMode {
			slog.Error("Session secret too short", "field", "sessions.secret", "min_length", minSessionSecretLen)
			return fmt.Errorf("sessions.secret must be at least %d bytes in production", minSessionSecretLen)
		}
		slog.Warn("Session secret is shorter than recommended", "min_length", minSessionSecretLen)
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive, got %s", c.Sessions.TTL)
	}
	if c.Sessions.CookieName == "" {
		return errors.New("sessions.cookie_name is required")
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.API.MaxAttempts == 0 {
		return errors.New("api.max_attempts must be at least 1")
	}

	if !c.Server.DevMode {
		if len(c.Server.TLS.Domains) == 0 {
			slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
			return errors.New("server.tls.domains must be provided in production")
		}
		if !strings.HasPrefix(c.Server.PublicURL, "https://") {
			slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must use https in production")
			return fmt.Errorf("server.public_url must use https in production, got: %s", c.Server.PublicURL)
		}
	}

	if c.Server.CookieDomain != "" {
		u, _ := url.Parse(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(u.Hostname(), cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", u.Hostname())
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, u.Hostname())
		}
	}

	return nil
}

// CallbackURL is the redirect_uri registered with the provider.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/callback"
}

// HomeURL is where the provider sends the browser after logout.
func (c Config) HomeURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/"
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		slog.Error("Missing required configuration", "field", field)
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", field, "value", raw, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("%s must start with http:// or https://, got: %s", field, raw)
	}
	return nil
}
