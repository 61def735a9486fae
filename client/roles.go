package client

import (
	"errors"
	"log/slog"
	"net/http"
)

// Require allows the request when claims carry role.
func Require(claims *Claims, role string) error {
	if claims.HasRole(role) {
		return nil
	}
	return &AuthorizationError{Role: role}
}

// RequireRole gates a handler on a realm role. It must run after
// RequireAuth; a request without verified claims is answered with 401.
func RequireRole(role, message string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, MessageMissingToken)
				return
			}
			if err := Require(claims, role); err != nil {
				var authErr *AuthorizationError
				if errors.As(err, &authErr) {
					logger.Info("role denied", "sub", claims.Subject, "role", authErr.Role)
				}
				writeError(w, http.StatusForbidden, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
