package server

import (
	"errors"
	"net/http"
	"time"

	"spynet/middleware"
)

// handleLogin starts an authorization code flow with a fresh PKCE pair.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	desc := a.Descriptor()
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.fail(w, r, internalError("session unavailable", err))
		return
	}
	if sess == nil {
		sess = a.Sessions.New()
	}

	pkce := GeneratePKCE()
	sess.PKCE = &pkce
	if err := a.Sessions.Save(r.Context(), w, sess); err != nil {
		a.fail(w, r, internalError("session unavailable", err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, desc.AuthCodeURL(pkce), http.StatusFound)
}

// handleCallback completes the flow. Every outcome except "no login in
// progress" consumes the pending PKCE state.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	desc := a.Descriptor()

	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.fail(w, r, internalError("session unavailable", err))
		return
	}
	if sess == nil || sess.PKCE == nil {
		a.fail(w, r, badRequest("no sign-in in progress for this browser", errors.New("missing code_verifier")))
		return
	}

	pkce := *sess.PKCE
	sess.PKCE = nil

	if flowErr := checkCallback(r, pkce, time.Now()); flowErr != nil {
		a.abandonLogin(w, r, sess, flowErr)
		return
	}

	tokens, claims, err := desc.Exchange(ctx, r.URL.Query().Get("code"), pkce)
	if err != nil {
		a.abandonLogin(w, r, sess, err)
		return
	}

	sess.Tokens = tokens
	sess.Claims = claims
	if err := a.Sessions.Rotate(ctx, w, sess); err != nil {
		a.fail(w, r, internalError("session unavailable", err))
		return
	}
	middleware.SetSubject(ctx, claims.Subject)
	a.Logger.Info("login completed", "sub", claims.Subject, "roles", claims.Roles, "tokens", *tokens)

	http.Redirect(w, r, "/mission", http.StatusFound)
}

func checkCallback(r *http.Request, pkce PKCEState, now time.Time) *FlowError {
	q := r.URL.Query()
	if code := q.Get("error"); code != "" {
		return badRequest("sign-in was not completed", errors.New("provider returned "+code+": "+q.Get("error_description")))
	}
	if !constantTimeEqual(q.Get("state"), pkce.State) {
		return badRequest("sign-in response did not match this login, please sign in again", errors.New("state mismatch"))
	}
	if q.Get("code") == "" {
		return badRequest("sign-in response is missing the authorization code", errors.New("code missing"))
	}
	if pkce.Expired(now) {
		return badRequest("sign-in took too long, please sign in again", errors.New("login attempt expired"))
	}
	return nil
}

// abandonLogin persists the cleared PKCE state and reports err.
func (a *App) abandonLogin(w http.ResponseWriter, r *http.Request, sess *Session, err error) {
	if serr := a.Sessions.Save(r.Context(), w, sess); serr != nil {
		a.Logger.Error("save session after failed login", "error", serr)
	}
	a.fail(w, r, err)
}
