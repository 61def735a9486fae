package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"spynet/middleware"
)

// Routes constructs the BFF router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	if a.Config.Server.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(a.Logger))
	r.Use(middleware.Recovery(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(middleware.SecurityHeaders(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleHome)
	r.Get("/healthz", a.handleHealth)
	r.Get("/logout", a.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(a.requireDescriptor)
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
	})

	r.Get("/mission", a.handleMission("Mission dossier", "/api/dossier"))
	r.Get("/mission/classified", a.handleMission("Nuclear codes", "/api/nuclear-codes"))
	r.Get("/mission/premium", a.handleMission("Premium briefing", "/api/premium"))

	return r
}

// requireDescriptor answers 503 until discovery has succeeded.
func (a *App) requireDescriptor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Descriptor() == nil {
			w.Header().Set("Retry-After", strconv.Itoa(5))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "identity provider not available yet"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
