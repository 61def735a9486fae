package server

import (
	"errors"
	"net/http"

	"spynet/middleware"
)

// handleMission relays apiPath with the session's access token and renders
// the answer. Unauthenticated visitors go back home.
func (a *App) handleMission(title, apiPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.Sessions.Load(r)
		if err != nil {
			a.fail(w, r, internalError("session unavailable", err))
			return
		}
		if !sess.Authenticated() {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		agent := ""
		if sess.Claims != nil {
			agent = sess.Claims.PreferredUsername
			middleware.SetSubject(r.Context(), sess.Claims.Subject)
		}

		resp, err := a.Relay.Do(r.Context(), sess.Tokens, apiPath)
		if err != nil {
			a.fail(w, r, &FlowError{Status: http.StatusBadGateway, Message: "mission control is unreachable", Err: err})
			return
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			view := missionView{Title: title, Agent: agent, Payload: prettyJSON(resp.Body)}
			if err := a.pages.render(w, http.StatusOK, a.pages.mission, view); err != nil {
				a.Logger.Error("render mission", "error", err)
			}
		case resp.InsufficientRole():
			msg := resp.ErrorMessage()
			if msg == "" {
				msg = "insufficient clearance"
			}
			a.fail(w, r, &FlowError{Status: http.StatusForbidden, Message: msg, Err: errors.New("api denied role")})
		case resp.Unauthorized():
			a.fail(w, r, &FlowError{Status: http.StatusUnauthorized, Message: "your session has expired, please sign in again", Err: errors.New("api rejected token")})
		default:
			a.fail(w, r, &FlowError{Status: http.StatusBadGateway, Message: "mission control returned an error", Err: errors.New("api status " + http.StatusText(resp.StatusCode))})
		}
	}
}
