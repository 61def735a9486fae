package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"spynet/middleware"
)

// App bundles runtime dependencies for the BFF.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Sessions   *SessionManager
	Relay      *TokenRelay
	HTTPClient *http.Client

	pages      *pages
	descriptor atomic.Pointer[ClientDescriptor]
}

// NewApp wires the BFF from configuration. Discovery is a separate step so
// callers decide whether a provider outage is fatal.
func NewApp(cfg Config, store SessionStore, logger *slog.Logger) (*App, error) {
	relay, err := NewTokenRelay(cfg.API, nil, logger)
	if err != nil {
		return nil, err
	}
	return &App{
		Config:     cfg,
		Logger:     logger,
		Sessions:   NewSessionManager(cfg, store, logger),
		Relay:      relay,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		pages:      newPages(),
	}, nil
}

// Discover fetches provider metadata and installs the descriptor.
func (a *App) Discover(ctx context.Context) error {
	d, err := Discover(ctx, a.Config, a.HTTPClient)
	if err != nil {
		return err
	}
	a.SetDescriptor(d)
	a.Logger.Info("provider discovered",
		"issuer", d.Issuer,
		"authorization_endpoint", d.AuthorizationEndpoint,
		"end_session", d.EndSessionEndpoint != "")
	return nil
}

// DiscoverWithRetry keeps trying discovery with exponential backoff until it
// succeeds or ctx ends. Flow routes answer 503 meanwhile.
func (a *App) DiscoverWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.Discover(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			a.Logger.Warn("provider discovery failed, retrying", "error", err, "backoff", d)
		}),
	)
	return err
}

// SetDescriptor installs a discovered descriptor.
func (a *App) SetDescriptor(d *ClientDescriptor) {
	a.descriptor.Store(d)
}

// Descriptor returns the current descriptor or nil before discovery.
func (a *App) Descriptor() *ClientDescriptor {
	return a.descriptor.Load()
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.fail(w, r, internalError("session unavailable", err))
		return
	}
	view := homeView{Title: "Home"}
	if sess.Authenticated() {
		view.Authenticated = true
		if sess.Claims != nil {
			view.Agent = sess.Claims.PreferredUsername
			view.Roles = sess.Claims.Roles
			middleware.SetSubject(r.Context(), sess.Claims.Subject)
		}
	}
	if err := a.pages.render(w, http.StatusOK, a.pages.home, view); err != nil {
		a.Logger.Error("render home", "error", err)
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	discovery := "ready"
	if a.Descriptor() == nil {
		status = http.StatusServiceUnavailable
		discovery = "pending"
	}
	writeJSON(w, status, map[string]string{"status": http.StatusText(status), "discovery": discovery})
}

// fail answers with the error page for err. Only FlowError messages reach
// the user.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		flowErr = internalError("something went wrong", err)
	}
	level := slog.LevelWarn
	if flowErr.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	a.Logger.Log(r.Context(), level, "request failed",
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"status", flowErr.Status,
		"error", flowErr)

	view := errorView{
		Title:   http.StatusText(flowErr.Status),
		Status:  flowErr.Status,
		Message: flowErr.Message,
		Relogin: flowErr.Status == http.StatusBadRequest || flowErr.Status == http.StatusUnauthorized,
	}
	if rerr := a.pages.render(w, flowErr.Status, a.pages.errors, view); rerr != nil {
		a.Logger.Error("render error page", "error", rerr)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
