package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"spynet/client"
)

// ClientDescriptor is everything the BFF knows about the provider and
// itself as a relying party. It is immutable once discovered.
type ClientDescriptor struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	EndSessionEndpoint    string
	JWKSURI               string
	ClientID              string
	ResponseType          string
	TokenEndpointAuth     string

	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	resource string
}

// Discover loads provider metadata and builds the descriptor. httpClient
// may be nil.
func Discover(ctx context.Context, cfg Config, httpClient *http.Client) (*ClientDescriptor, error) {
	issuer := cfg.Provider.Issuer
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	timeout := cfg.Provider.DiscoveryTimeout
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}

	var meta struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
		JWKSURI            string `json:"jwks_uri"`
	}
	if err := op.Claims(&meta); err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: fmt.Errorf("decode metadata: %w", err)}
	}

	endpoint := op.Endpoint()
	if endpoint.AuthURL == "" {
		return nil, &DiscoveryError{Issuer: issuer, Err: errors.New("authorization_endpoint missing")}
	}
	if endpoint.TokenURL == "" {
		return nil, &DiscoveryError{Issuer: issuer, Err: errors.New("token_endpoint missing")}
	}
	if meta.EndSessionEndpoint != "" {
		if _, err := url.Parse(meta.EndSessionEndpoint); err != nil {
			return nil, &DiscoveryError{Issuer: issuer, Err: fmt.Errorf("end_session_endpoint: %w", err)}
		}
	}
	// public client: client_id travels in the form body
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	scopes := cfg.Provider.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	d := &ClientDescriptor{
		Issuer:                issuer,
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		EndSessionEndpoint:    meta.EndSessionEndpoint,
		JWKSURI:               meta.JWKSURI,
		ClientID:              cfg.Provider.ClientID,
		ResponseType:          "code",
		TokenEndpointAuth:     "none",
		oauth: &oauth2.Config{
			ClientID:    cfg.Provider.ClientID,
			RedirectURL: cfg.CallbackURL(),
			Endpoint:    endpoint,
			Scopes:      scopes,
		},
		verifier: op.Verifier(&oidc.Config{ClientID: cfg.Provider.ClientID}),
	}
	if cfg.API.SendResource {
		d.resource = cfg.API.BaseURL
	}
	return d, nil
}

// AuthCodeURL builds the authorization request for one login attempt.
func (d *ClientDescriptor) AuthCodeURL(p PKCEState) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(p.Verifier),
		oidc.Nonce(p.Nonce),
	}
	if d.resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", d.resource))
	}
	return d.oauth.AuthCodeURL(p.State, opts...)
}

// Exchange redeems code with the PKCE verifier, verifies the ID token and
// returns the tokens with the claims to cache in the session.
func (d *ClientDescriptor) Exchange(ctx context.Context, code string, p PKCEState) (*TokenSet, *client.Claims, error) {
	tok, err := d.oauth.Exchange(ctx, code, oauth2.VerifierOption(p.Verifier))
	if err != nil {
		return nil, nil, exchangeError(err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, nil, internalError("sign-in could not be completed", errors.New("id_token missing in response"))
	}
	idToken, err := d.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, nil, internalError("sign-in could not be completed", fmt.Errorf("verify id_token: %w", err))
	}
	if !constantTimeEqual(idToken.Nonce, p.Nonce) {
		return nil, nil, badRequest("sign-in response did not match this login, please sign in again", errors.New("nonce mismatch"))
	}

	var claims client.TokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil, internalError("sign-in could not be completed", fmt.Errorf("parse claims: %w", err))
	}

	tokens := &TokenSet{
		AccessToken: tok.AccessToken,
		IDToken:     rawIDToken,
		Expiry:      tok.Expiry,
	}
	return tokens, claims.Claims(), nil
}

// EndSessionURL returns the provider logout URL for idTokenHint, or "" when
// the provider publishes no end_session_endpoint.
func (d *ClientDescriptor) EndSessionURL(idTokenHint, postLogoutRedirect string) string {
	if d.EndSessionEndpoint == "" {
		return ""
	}
	u, err := url.Parse(d.EndSessionEndpoint)
	if err != nil {
		return ""
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	q.Set("post_logout_redirect_uri", postLogoutRedirect)
	q.Set("client_id", d.ClientID)
	u.RawQuery = q.Encode()
	return u.String()
}
