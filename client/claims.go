package client

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified view of a token used for authorization decisions.
// Roles is never nil.
type Claims struct {
	Subject           string
	PreferredUsername string
	Issuer            string
	ExpiresAt         time.Time
	Roles             []string
}

// HasRole reports whether role is among the realm roles.
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Roles, role)
}

// TokenClaims is the wire shape of access and ID tokens issued by the
// identity provider.
type TokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username,omitempty"`
	Nonce             string       `json:"nonce,omitempty"`
	RealmAccess       *RealmAccess `json:"realm_access,omitempty"`
}

type RealmAccess struct {
	Roles []string `json:"roles"`
}

// Claims flattens the token into Claims with normalized roles.
func (tc *TokenClaims) Claims() *Claims {
	out := &Claims{
		Subject:           tc.Subject,
		PreferredUsername: tc.PreferredUsername,
		Issuer:            tc.Issuer,
	}
	if tc.ExpiresAt != nil {
		out.ExpiresAt = tc.ExpiresAt.Time
	}
	var roles []string
	if tc.RealmAccess != nil {
		roles = tc.RealmAccess.Roles
	}
	out.Roles = normalizeRoles(roles)
	return out
}

// normalizeRoles drops empty and repeated entries, keeping first-seen order.
func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
