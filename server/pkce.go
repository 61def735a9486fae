package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"golang.org/x/oauth2"
)

// PKCEMaxAge bounds how long a login attempt may wait for its callback.
const PKCEMaxAge = 10 * time.Minute

const methodS256 = "S256"

// PKCEState is the per-attempt secret material of one login. State and
// Nonce bind the callback and the ID token to this attempt.
type PKCEState struct {
	Verifier  string
	Challenge string
	Method    string
	State     string
	Nonce     string
	CreatedAt time.Time
}

// GeneratePKCE creates fresh material for a login attempt.
func GeneratePKCE() PKCEState {
	verifier := oauth2.GenerateVerifier()
	return PKCEState{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    methodS256,
		State:     randomToken(),
		Nonce:     randomToken(),
		CreatedAt: time.Now(),
	}
}

// Verify reports whether challenge was derived from this verifier.
func (p PKCEState) Verify(challenge string) bool {
	return p.Method == methodS256 && constantTimeEqual(oauth2.S256ChallengeFromVerifier(p.Verifier), challenge)
}

// Expired reports whether the attempt is older than PKCEMaxAge.
func (p PKCEState) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > PKCEMaxAge
}

func randomToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
