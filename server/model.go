package server

import (
	"log/slog"
	"slices"
	"time"

	"spynet/client"
)

// Session is the server-side state bound to a browser cookie.
type Session struct {
	ID        string
	PKCE      *PKCEState
	Tokens    *TokenSet
	Claims    *client.Claims
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Authenticated reports whether the session holds tokens.
func (s *Session) Authenticated() bool {
	return s != nil && s.Tokens != nil && s.Tokens.AccessToken != ""
}

// clone returns a deep copy so stored sessions never share mutable state
// with callers.
func (s Session) clone() Session {
	out := s
	if s.PKCE != nil {
		p := *s.PKCE
		out.PKCE = &p
	}
	if s.Tokens != nil {
		t := *s.Tokens
		out.Tokens = &t
	}
	if s.Claims != nil {
		c := *s.Claims
		c.Roles = slices.Clone(s.Claims.Roles)
		if c.Roles == nil {
			c.Roles = []string{}
		}
		out.Claims = &c
	}
	return out
}

// TokenSet holds the tokens of an authenticated session. It never leaves
// the server.
type TokenSet struct {
	AccessToken string
	IDToken     string
	Expiry      time.Time
}

// LogValue keeps tokens out of logs.
func (t TokenSet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("access_token", t.AccessToken != ""),
		slog.Bool("id_token", t.IDToken != ""),
		slog.Time("expiry", t.Expiry),
	)
}
