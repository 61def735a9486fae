package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	api "spynet/app"
	"spynet/idptest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bffSetup runs the provider, the resource API and the BFF in process.
type bffSetup struct {
	t        *testing.T
	provider *idptest.Provider
	api      *httptest.Server
	app      *App
	store    SessionStore
	memory   *MemoryStore
	server   *httptest.Server
	cfg      Config
}

type setupOption struct {
	providerOpts []idptest.Option
	store        func(*MemoryStore) SessionStore
	skipDiscover bool
	mutate       func(*Config)
	logger       *slog.Logger
}

func newBFFSetup(t *testing.T, opt setupOption) *bffSetup {
	t.Helper()
	provider := idptest.New(t, opt.providerOpts...)

	apiCfg := api.DefaultConfig()
	apiCfg.Auth.Issuer = provider.Issuer
	apiCfg.Auth.JWKSURI = provider.JWKSURL()
	apiApp, err := api.NewApp(apiCfg, quietLogger(), nil)
	if err != nil {
		t.Fatalf("api.NewApp: %v", err)
	}
	apiServer := httptest.NewServer(apiApp.Routes())
	t.Cleanup(apiServer.Close)

	server := httptest.NewUnstartedServer(nil)
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://" + server.Listener.Addr().String()
	cfg.Provider.Issuer = provider.Issuer
	cfg.Provider.ClientID = provider.ClientID
	cfg.API.BaseURL = apiServer.URL
	cfg.Sessions.Secret = testSecret
	if opt.mutate != nil {
		opt.mutate(&cfg)
	}

	memory := NewMemoryStore()
	var store SessionStore = memory
	if opt.store != nil {
		store = opt.store(memory)
	}
	logger := opt.logger
	if logger == nil {
		logger = quietLogger()
	}
	app, err := NewApp(cfg, store, logger)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if !opt.skipDiscover {
		if err := app.Discover(context.Background()); err != nil {
			t.Fatalf("Discover: %v", err)
		}
	}
	server.Config.Handler = app.Routes()
	server.Start()
	t.Cleanup(server.Close)

	return &bffSetup{
		t:        t,
		provider: provider,
		api:      apiServer,
		app:      app,
		store:    store,
		memory:   memory,
		server:   server,
		cfg:      cfg,
	}
}

// newBrowser returns a client with its own cookie jar that does not follow
// redirects.
func (s *bffSetup) newBrowser() *http.Client {
	s.t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		s.t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar:     jar,
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *bffSetup) get(browser *http.Client, target string) (*http.Response, string) {
	s.t.Helper()
	if strings.HasPrefix(target, "/") {
		target = s.server.URL + target
	}
	resp, err := browser.Get(target)
	if err != nil {
		s.t.Fatalf("GET %s: %v", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

// startLogin hits /login and returns the provider authorization URL.
func (s *bffSetup) startLogin(browser *http.Client) *url.URL {
	s.t.Helper()
	resp, _ := s.get(browser, "/login")
	if resp.StatusCode != http.StatusFound {
		s.t.Fatalf("/login: expected 302, got %d", resp.StatusCode)
	}
	loc, err := resp.Location()
	if err != nil {
		s.t.Fatalf("/login location: %v", err)
	}
	return loc
}

// authorize follows the authorization URL at the provider and returns the
// callback URL it redirects to.
func (s *bffSetup) authorize(browser *http.Client, authURL *url.URL) *url.URL {
	s.t.Helper()
	resp, body := s.get(browser, authURL.String())
	if resp.StatusCode != http.StatusFound {
		s.t.Fatalf("provider authorize: expected 302, got %d: %s", resp.StatusCode, body)
	}
	loc, err := resp.Location()
	if err != nil {
		s.t.Fatalf("provider location: %v", err)
	}
	return loc
}

// login runs the whole flow and returns the callback response.
func (s *bffSetup) login(browser *http.Client) *http.Response {
	s.t.Helper()
	callback := s.authorize(browser, s.startLogin(browser))
	resp, body := s.get(browser, callback.String())
	if resp.StatusCode != http.StatusFound {
		s.t.Fatalf("callback: expected 302, got %d: %s", resp.StatusCode, body)
	}
	return resp
}

// sessionID reads the session id from the browser's cookie.
func (s *bffSetup) sessionID(browser *http.Client) string {
	s.t.Helper()
	u, _ := url.Parse(s.server.URL)
	for _, c := range browser.Jar.Cookies(u) {
		if c.Name == s.cfg.Sessions.CookieName {
			id, err := s.app.Sessions.verify(c.Value)
			if err != nil {
				s.t.Fatalf("session cookie does not verify: %v", err)
			}
			return id
		}
	}
	return ""
}

// session loads the browser's server-side session.
func (s *bffSetup) session(browser *http.Client) (Session, bool) {
	s.t.Helper()
	sess, ok, err := s.memory.Load(context.Background(), s.sessionID(browser))
	if err != nil {
		s.t.Fatalf("store load: %v", err)
	}
	return sess, ok
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
