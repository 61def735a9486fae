// Package app is the resource API: it verifies bearer tokens issued by the
// identity provider and serves mission data gated by realm roles.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"spynet/client"
	"spynet/middleware"
)

// App bundles runtime dependencies for the API.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Validator *client.Validator
	started   time.Time
}

// NewApp builds the validator from configuration. httpClient may be nil.
func NewApp(cfg Config, logger *slog.Logger, httpClient *http.Client) (*App, error) {
	v, err := client.NewValidator(client.ValidatorConfig{
		Issuer:            cfg.Auth.Issuer,
		JWKSURL:           cfg.Auth.JWKSURI,
		ExpectedAudiences: cfg.Auth.Audiences,
		CacheTTL:          cfg.Auth.CacheTTL,
		MaxRefetches:      keySetRefetches(cfg.Auth.MaxRefetches),
		RefetchInterval:   cfg.Auth.RefetchInterval,
		Leeway:            cfg.Auth.Leeway,
		HTTPClient:        httpClient,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}
	return &App{Config: cfg, Logger: logger, Validator: v, started: time.Now()}, nil
}

// WarmKeys fetches the signing keys ahead of the first request. Failure is
// not fatal; the cache retries on demand.
func (a *App) WarmKeys(ctx context.Context) {
	if err := a.Validator.Keys().Refresh(ctx); err != nil {
		a.Logger.Warn("initial jwks fetch failed", "jwks_uri", a.Config.Auth.JWKSURI, "error", err)
		return
	}
	a.Logger.Info("jwks loaded", "jwks_uri", a.Config.Auth.JWKSURI)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "online",
		"service": "spynet-api",
		"uptime":  time.Since(a.started).Round(time.Second).String(),
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleDossier(w http.ResponseWriter, r *http.Request) {
	claims, _ := client.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":   claims.PreferredUsername,
		"sub":     claims.Subject,
		"roles":   claims.Roles,
		"mission": "Recover the microfilm before midnight.",
		"message": fmt.Sprintf("Welcome, agent %s.", claims.PreferredUsername),
	})
}

func (a *App) handleNuclearCodes(w http.ResponseWriter, r *http.Request) {
	claims, _ := client.ClaimsFromContext(r.Context())
	a.Logger.Info("classified access", "sub", claims.Subject, "route", r.URL.Path)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":     claims.PreferredUsername,
		"clearance": a.Config.Roles.Classified,
		"codes":     []string{"ALFA-7-TANGO", "BRAVO-0-ZULU", "ECHO-4-KILO"},
	})
}

func (a *App) handlePremium(w http.ResponseWriter, r *http.Request) {
	claims, _ := client.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":    claims.PreferredUsername,
		"briefing": "Gadget allowance doubled. Aston Martin on standby.",
	})
}

// recordSubject copies the verified subject into the request log.
func recordSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := client.ClaimsFromContext(r.Context()); ok {
			middleware.SetSubject(r.Context(), claims.Subject)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// keySetRefetches maps the configured cap onto the key set cache, which
// reads zero as its default. Zero or less in config disables refetching.
func keySetRefetches(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
