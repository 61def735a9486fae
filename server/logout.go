package server

import (
	"net/http"
)

// handleLogout destroys the local session and sends the browser to the
// provider's end-session endpoint.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.fail(w, r, internalError("session unavailable", err))
		return
	}
	if !sess.Authenticated() {
		if sess != nil {
			if err := a.Sessions.Destroy(r.Context(), w, sess); err != nil {
				a.Logger.Warn("destroy pending session", "error", err)
			}
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	target := "/"
	if desc := a.Descriptor(); desc != nil {
		if u := desc.EndSessionURL(sess.Tokens.IDToken, a.Config.HomeURL()); u != "" {
			target = u
		}
	}

	if err := a.Sessions.Destroy(r.Context(), w, sess); err != nil {
		a.fail(w, r, internalError("logout failed, please try again", err))
		return
	}
	if sess.Claims != nil {
		a.Logger.Info("logout", "sub", sess.Claims.Subject)
	}
	http.Redirect(w, r, target, http.StatusFound)
}
