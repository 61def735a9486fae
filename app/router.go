package app

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"spynet/client"
	"spynet/middleware"
)

// Routes constructs the API router. Everything under /api except /api/status
// requires a valid bearer token.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(a.Logger))
	r.Use(middleware.Recovery(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(middleware.SecurityHeaders(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Get("/api/status", a.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(client.RequireAuth(a.Validator, a.Logger))
		r.Use(recordSubject)

		r.Get("/api/dossier", a.handleDossier)
		r.With(client.RequireRole(a.Config.Roles.Classified,
			fmt.Sprintf("access denied: %s clearance required", a.Config.Roles.Classified), a.Logger)).
			Get("/api/nuclear-codes", a.handleNuclearCodes)
		r.With(client.RequireRole(a.Config.Roles.Premium,
			"access denied: premium agents only", a.Logger)).
			Get("/api/premium", a.handlePremium)
	})

	return r
}
