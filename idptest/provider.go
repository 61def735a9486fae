// Package idptest runs an in-process OpenID Connect provider for tests. It
// publishes discovery metadata and a JWKS, issues codes bound to a PKCE
// challenge, and signs RS256 access and ID tokens.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const DefaultClientID = "spynet-bff"

// User is the identity the provider authenticates on /authorize.
type User struct {
	Subject  string
	Username string
	Roles    []string
}

// DefaultUser holds both gated roles.
var DefaultUser = User{
	Subject:  "agent-007",
	Username: "bond",
	Roles:    []string{"agente-premium", "nivel-00"},
}

type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

type grant struct {
	clientID    string
	challenge   string
	nonce       string
	redirectURI string
	user        User
}

type tokenFailure struct {
	status int
	code   string
}

// Option customizes a Provider.
type Option func(*Provider)

// WithoutEndSession omits end_session_endpoint from discovery.
func WithoutEndSession() Option {
	return func(p *Provider) { p.endSession = false }
}

// WithClientID sets the only client id the provider accepts.
func WithClientID(id string) Option {
	return func(p *Provider) { p.ClientID = id }
}

// Provider is a minimal OpenID provider backed by httptest.
type Provider struct {
	Issuer   string
	ClientID string

	t          testing.TB
	server     *httptest.Server
	endSession bool
	accessTTL  time.Duration

	mu            sync.Mutex
	keys          []signingKey
	codes         map[string]grant
	user          User
	failNext      *tokenFailure
	jwksDown      bool
	lastAuthorize url.Values
	lastLogout    url.Values

	jwksFetches   atomic.Int64
	tokenRequests atomic.Int64
}

// New starts a provider that is shut down when the test ends.
func New(t testing.TB, opts ...Option) *Provider {
	t.Helper()
	p := &Provider{
		ClientID:   DefaultClientID,
		t:          t,
		endSession: true,
		accessTTL:  5 * time.Minute,
		codes:      make(map[string]grant),
		user:       DefaultUser,
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := p.addKey(); err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Get("/jwks", p.handleJWKS)
	r.Get("/logout", p.handleLogout)

	p.server = httptest.NewServer(r)
	p.Issuer = p.server.URL
	t.Cleanup(p.server.Close)
	return p
}

// JWKSURL returns the published key set location.
func (p *Provider) JWKSURL() string { return p.Issuer + "/jwks" }

// JWKSFetches counts requests to the key set endpoint.
func (p *Provider) JWKSFetches() int64 { return p.jwksFetches.Load() }

// TokenRequests counts requests to the token endpoint.
func (p *Provider) TokenRequests() int64 { return p.tokenRequests.Load() }

// SetUser changes who is signed in by the next /authorize.
func (p *Provider) SetUser(u User) {
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
}

// FailNextExchange makes the next token request fail with an OAuth error.
func (p *Provider) FailNextExchange(status int, code string) {
	p.mu.Lock()
	p.failNext = &tokenFailure{status: status, code: code}
	p.mu.Unlock()
}

// SetJWKSAvailable toggles the key set endpoint between 200 and 500.
func (p *Provider) SetJWKSAvailable(ok bool) {
	p.mu.Lock()
	p.jwksDown = !ok
	p.mu.Unlock()
}

// LastAuthorizeRequest returns the query of the latest /authorize call.
func (p *Provider) LastAuthorizeRequest() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAuthorize
}

// LastLogoutRequest returns the query of the latest end-session call.
func (p *Provider) LastLogoutRequest() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLogout
}

// RotateKey publishes a new signing key and signs with it from now on.
func (p *Provider) RotateKey() string {
	p.t.Helper()
	kid, err := p.addKey()
	if err != nil {
		p.t.Fatalf("rotate key: %v", err)
	}
	return kid
}

// AccessToken signs an access token for u that expires after ttl. A negative
// ttl yields an already expired token.
func (p *Provider) AccessToken(u User, ttl time.Duration) string {
	p.t.Helper()
	return p.Sign(p.accessClaims(u, time.Now(), ttl))
}

// Sign signs claims with the current published key.
func (p *Provider) Sign(claims jwt.MapClaims) string {
	p.t.Helper()
	raw, err := p.sign(claims)
	if err != nil {
		p.t.Fatalf("sign token: %v", err)
	}
	return raw
}

// SignWithUnpublishedKey signs claims with a key the JWKS never lists.
func (p *Provider) SignWithUnpublishedKey(claims jwt.MapClaims) string {
	p.t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		p.t.Fatalf("generate key: %v", err)
	}
	raw, err := signWith(signingKey{kid: uuid.NewString(), priv: priv}, claims)
	if err != nil {
		p.t.Fatalf("sign token: %v", err)
	}
	return raw
}

// Claims returns the standard access token claims for u.
func (p *Provider) Claims(u User, ttl time.Duration) jwt.MapClaims {
	return p.accessClaims(u, time.Now(), ttl)
}

func (p *Provider) addKey() (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	key := signingKey{kid: uuid.NewString(), priv: priv}
	p.mu.Lock()
	p.keys = append([]signingKey{key}, p.keys...)
	p.mu.Unlock()
	return key.kid, nil
}

func (p *Provider) sign(claims jwt.MapClaims) (string, error) {
	p.mu.Lock()
	key := p.keys[0]
	p.mu.Unlock()
	return signWith(key, claims)
}

func signWith(key signingKey, claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.kid
	return tok.SignedString(key.priv)
}

func (p *Provider) accessClaims(u User, now time.Time, ttl time.Duration) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss":                p.Issuer,
		"sub":                u.Subject,
		"aud":                "account",
		"azp":                p.ClientID,
		"typ":                "Bearer",
		"preferred_username": u.Username,
		"iat":                now.Unix(),
		"exp":                now.Add(ttl).Unix(),
	}
	if u.Roles != nil {
		claims["realm_access"] = map[string]any{"roles": u.Roles}
	}
	return claims
}

func (p *Provider) idClaims(g grant, now time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss":                p.Issuer,
		"sub":                g.user.Subject,
		"aud":                g.clientID,
		"preferred_username": g.user.Username,
		"iat":                now.Unix(),
		"exp":                now.Add(p.accessTTL).Unix(),
	}
	if g.nonce != "" {
		claims["nonce"] = g.nonce
	}
	if g.user.Roles != nil {
		claims["realm_access"] = map[string]any{"roles": g.user.Roles}
	}
	return claims
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	meta := map[string]any{
		"issuer":                                p.Issuer,
		"authorization_endpoint":                p.Issuer + "/authorize",
		"token_endpoint":                        p.Issuer + "/token",
		"jwks_uri":                              p.JWKSURL(),
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
	if p.endSession {
		meta["end_session_endpoint"] = p.Issuer + "/logout"
	}
	writeJSON(w, http.StatusOK, meta)
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p.mu.Lock()
	p.lastAuthorize = q
	user := p.user
	p.mu.Unlock()

	switch {
	case q.Get("client_id") != p.ClientID:
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	case q.Get("response_type") != "code":
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	case q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "":
		http.Error(w, "pkce required", http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = grant{
		clientID:    p.ClientID,
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
		redirectURI: redirect.String(),
		user:        user,
	}
	p.mu.Unlock()

	vals := redirect.Query()
	vals.Set("code", code)
	if state := q.Get("state"); state != "" {
		vals.Set("state", state)
	}
	redirect.RawQuery = vals.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	code := r.PostForm.Get("code")

	p.mu.Lock()
	fail := p.failNext
	p.failNext = nil
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if fail != nil {
		oauthError(w, fail.status, fail.code)
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	clientID := r.PostForm.Get("client_id")
	if id, _, basic := r.BasicAuth(); basic {
		clientID = id
	}
	if clientID != g.clientID {
		oauthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if r.PostForm.Get("redirect_uri") != g.redirectURI {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	verifier := r.PostForm.Get("code_verifier")
	if verifier == "" || oauth2.S256ChallengeFromVerifier(verifier) != g.challenge {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	now := time.Now()
	access, err := p.sign(p.accessClaims(g.user, now, p.accessTTL))
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	idToken, err := p.sign(p.idClaims(g, now))
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   int(p.accessTTL.Seconds()),
		"scope":        "openid profile roles",
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksFetches.Add(1)
	p.mu.Lock()
	down := p.jwksDown
	keys := append([]signingKey(nil), p.keys...)
	p.mu.Unlock()

	if down {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}

	set := jose.JSONWebKeySet{}
	kids := make([]string, 0, len(keys))
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.priv.PublicKey,
			KeyID:     k.kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
		kids = append(kids, k.kid)
	}
	etag := fmt.Sprintf("%q", strings.Join(kids, "."))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.lastLogout = r.URL.Query()
	p.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("signed out"))
}

func oauthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
