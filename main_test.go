package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"spynet/idptest"
	"spynet/server"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunConnectSuccess(t *testing.T) {
	p := idptest.New(t)
	cfg := server.DefaultConfig()
	cfg.Provider.Issuer = p.Issuer
	cfg.Provider.ClientID = p.ClientID

	if err := runConnect(context.Background(), cfg, quietLogger(), nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
	if got := p.LastAuthorizeRequest().Get("code_challenge_method"); got != "S256" {
		t.Fatalf("authorize request should carry PKCE, got method %q", got)
	}
}

func TestRunConnectReachesLoginPage(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"issuer":"` + srv.URL + `","authorization_endpoint":"` + srv.URL + `/start","token_endpoint":"` + srv.URL + `/token","jwks_uri":"` + srv.URL + `/jwks"}`))
		case "/start":
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			_, _ = w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := server.DefaultConfig()
	cfg.Provider.Issuer = srv.URL
	cfg.Provider.ClientID = "spynet-bff"

	if err := runConnect(context.Background(), cfg, quietLogger(), nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := server.DefaultConfig()
	cfg.Provider.Issuer = srv.URL
	cfg.Provider.ClientID = "spynet-bff"

	if err := runConnect(context.Background(), cfg, quietLogger(), nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestSetupConfigWritesLoadableFile(t *testing.T) {
	// dev mode, then defaults for everything except the client id
	input := "y\n\n\n\nspynet-web\n\n\n"
	cfg := setupConfig(bufio.NewReader(strings.NewReader(input)))

	if cfg.Provider.ClientID != "spynet-web" {
		t.Fatalf("client id mismatch, got %q", cfg.Provider.ClientID)
	}
	if len(cfg.Sessions.Secret) != 64 {
		t.Fatalf("expected a generated 32 byte hex secret, got %d chars", len(cfg.Sessions.Secret))
	}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := writeConfigFile(path, cfg); err != nil {
		t.Fatalf("writeConfigFile: %v", err)
	}
	loaded, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Sessions.Secret != cfg.Sessions.Secret || loaded.Provider.Issuer != cfg.Provider.Issuer {
		t.Fatalf("written config did not round trip")
	}
}

func TestRunConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeConfigFile(path, server.DefaultConfig()); err != nil {
		t.Fatalf("writeConfigFile: %v", err)
	}
	if err := runConfigInit(path, quietLogger()); err == nil {
		t.Fatalf("expected error for existing file")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), quietLogger())
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}

func TestNormalizeList(t *testing.T) {
	fallback := []string{"openid"}
	if got := normalizeList(" , ", fallback); len(got) != 1 || got[0] != "openid" {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := normalizeList("openid, profile ,roles", fallback); len(got) != 3 || got[2] != "roles" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://spynet.example.com/mission?x=1", nil)
	w := httptest.NewRecorder()
	redirectToHTTPS(w, req)
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", w.Code)
	}
	if got := w.Header().Get("Location"); got != "https://spynet.example.com/mission?x=1" {
		t.Fatalf("unexpected location %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
