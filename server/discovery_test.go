package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/oauth2-proxy/mockoidc"
	"golang.org/x/oauth2"

	"spynet/idptest"
)

func discoveryConfig(issuer string) Config {
	cfg := validConfig()
	cfg.Provider.Issuer = issuer
	cfg.Provider.DiscoveryTimeout = 2 * time.Second
	return cfg
}

// metadataServer publishes the given discovery document with the server's
// own URL as issuer.
func metadataServer(t *testing.T, edit func(meta map[string]any)) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/jwks",
		}
		edit(meta)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverBuildsDescriptor(t *testing.T) {
	p := idptest.New(t)
	cfg := discoveryConfig(p.Issuer)
	cfg.Provider.ClientID = p.ClientID

	d, err := Discover(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.AuthorizationEndpoint != p.Issuer+"/authorize" || d.TokenEndpoint != p.Issuer+"/token" {
		t.Fatalf("endpoints mismatch: %+v", d)
	}
	if d.EndSessionEndpoint != p.Issuer+"/logout" || d.JWKSURI != p.JWKSURL() {
		t.Fatalf("optional metadata mismatch: %+v", d)
	}
	if d.ResponseType != "code" || d.TokenEndpointAuth != "none" || d.ClientID != p.ClientID {
		t.Fatalf("client metadata mismatch: %+v", d)
	}
	if d.oauth.Endpoint.AuthStyle != oauth2.AuthStyleInParams {
		t.Fatalf("public client must send client_id in the form body")
	}
}

func TestDiscoverWithoutEndSession(t *testing.T) {
	p := idptest.New(t, idptest.WithoutEndSession())
	d, err := Discover(context.Background(), discoveryConfig(p.Issuer), nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.EndSessionEndpoint != "" {
		t.Fatalf("expected no end_session_endpoint, got %q", d.EndSessionEndpoint)
	}
	if got := d.EndSessionURL("hint", "http://localhost:3000/"); got != "" {
		t.Fatalf("expected no logout URL, got %q", got)
	}
}

func TestDiscoverAgainstMockOIDC(t *testing.T) {
	m, err := mockoidc.Run()
	if err != nil {
		t.Fatalf("mockoidc: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown() })

	d, err := Discover(context.Background(), discoveryConfig(m.Issuer()), nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.TokenEndpoint != m.TokenEndpoint() {
		t.Fatalf("token endpoint: got %q want %q", d.TokenEndpoint, m.TokenEndpoint())
	}
	if d.JWKSURI != m.JWKSEndpoint() {
		t.Fatalf("jwks uri: got %q want %q", d.JWKSURI, m.JWKSEndpoint())
	}
}

func TestDiscoverErrors(t *testing.T) {
	missingToken := metadataServer(t, func(meta map[string]any) { delete(meta, "token_endpoint") })
	missingAuth := metadataServer(t, func(meta map[string]any) { delete(meta, "authorization_endpoint") })
	wrongIssuer := metadataServer(t, func(meta map[string]any) { meta["issuer"] = "https://elsewhere.example" })

	unreachable := httptest.NewServer(http.NotFoundHandler())
	unreachable.Close()

	cases := map[string]string{
		"missing token endpoint":         missingToken.URL,
		"missing authorization endpoint": missingAuth.URL,
		"issuer mismatch":                wrongIssuer.URL,
		"unreachable":                    unreachable.URL,
	}
	for name, issuer := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Discover(context.Background(), discoveryConfig(issuer), nil)
			var derr *DiscoveryError
			if !errors.As(err, &derr) {
				t.Fatalf("expected *DiscoveryError, got %v", err)
			}
			if derr.Issuer != issuer {
				t.Fatalf("error should name the issuer, got %q", derr.Issuer)
			}
		})
	}
}

func TestAuthCodeURLWithoutResource(t *testing.T) {
	p := idptest.New(t)
	cfg := discoveryConfig(p.Issuer)
	cfg.API.SendResource = false
	d, err := Discover(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	u, err := url.Parse(d.AuthCodeURL(GeneratePKCE()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Has("resource") {
		t.Fatalf("resource parameter should be omitted")
	}
	if u.Query().Get("redirect_uri") != cfg.CallbackURL() {
		t.Fatalf("redirect_uri mismatch, got %q", u.Query().Get("redirect_uri"))
	}
}

func TestEndSessionURL(t *testing.T) {
	d := &ClientDescriptor{EndSessionEndpoint: "https://sso.example.com/logout?ui_locales=es", ClientID: "spynet-bff"}
	u, err := url.Parse(d.EndSessionURL("id-token", "https://spynet.example.com/"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("id_token_hint") != "id-token" || q.Get("client_id") != "spynet-bff" {
		t.Fatalf("unexpected query: %v", q)
	}
	if q.Get("post_logout_redirect_uri") != "https://spynet.example.com/" {
		t.Fatalf("unexpected redirect: %q", q.Get("post_logout_redirect_uri"))
	}
	if q.Get("ui_locales") != "es" {
		t.Fatalf("existing query parameters must be kept")
	}

	if u, _ := url.Parse(d.EndSessionURL("", "https://spynet.example.com/")); u.Query().Has("id_token_hint") {
		t.Fatalf("empty hint must be omitted")
	}
}

func TestExchangeErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid grant", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, http.StatusBadRequest},
		{"unauthorized client", &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusUnauthorized}}, http.StatusBadRequest},
		{"provider outage", &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadGateway}}, http.StatusInternalServerError},
		{"network", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exchangeError(tc.err).Status; got != tc.want {
				t.Fatalf("status: got %d want %d", got, tc.want)
			}
		})
	}
}
