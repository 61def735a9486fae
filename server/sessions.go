package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

const defaultCookieName = "spynet_session"

// SessionManager binds sessions in a SessionStore to a signed cookie. The
// cookie carries only the session id, timestamped and authenticated by
// securecookie.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	name         string
	codec        *securecookie.SecureCookie
	secure       bool
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	name := cfg.Sessions.CookieName
	if name == "" {
		name = defaultCookieName
	}
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	// hash key only: the id is opaque, so the value is signed but not encrypted
	codec := securecookie.New([]byte(cfg.Sessions.Secret), nil)
	codec.SetSerializer(securecookie.NopEncoder{})
	codec.MaxAge(int(ttl.Seconds()))
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		name:         name,
		codec:        codec,
		secure:       strings.HasPrefix(cfg.Server.PublicURL, "https://"),
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Load returns the session referenced by the request cookie, or nil when
// there is none. A forged or stale cookie is treated as absent.
func (sm *SessionManager) Load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.name)
	if err != nil {
		return nil, nil
	}
	id, err := sm.verify(cookie.Value)
	if err != nil {
		sm.logger.Debug("session cookie rejected", "error", err)
		return nil, nil
	}
	sess, ok, err := sm.store.Load(r.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// New creates an unsaved session with a fresh id.
func (sm *SessionManager) New() *Session {
	now := sm.now()
	return &Session{
		ID:        newSessionID(),
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}
}

// Save stores sess, extends its lifetime and (re)issues the cookie.
func (sm *SessionManager) Save(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	value, err := sm.sign(sess.ID)
	if err != nil {
		return fmt.Errorf("sign session cookie: %w", err)
	}
	sess.ExpiresAt = sm.now().Add(sm.ttl)
	if err := sm.store.Save(ctx, *sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	http.SetCookie(w, sm.cookie(value, int(sm.ttl.Seconds())))
	return nil
}

// Rotate moves sess to a new id and drops the old one.
func (sm *SessionManager) Rotate(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	old := sess.ID
	sess.ID = newSessionID()
	if err := sm.Save(ctx, w, sess); err != nil {
		sess.ID = old
		return err
	}
	if err := sm.store.Destroy(ctx, old); err != nil {
		sm.logger.Warn("drop rotated session failed", "error", err)
	}
	return nil
}

// Destroy removes sess from the store and clears the cookie. The cookie is
// left alone when the store fails.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if err := sm.store.Destroy(ctx, sess.ID); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	sm.Clear(w)
	return nil
}

// Clear removes the session cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie("", -1))
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sm.name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func (sm *SessionManager) sign(id string) (string, error) {
	return sm.codec.Encode(sm.name, []byte(id))
}

func (sm *SessionManager) verify(value string) (string, error) {
	var id []byte
	if err := sm.codec.Decode(sm.name, value, &id); err != nil {
		return "", err
	}
	if len(id) == 0 {
		return "", errors.New("empty session id")
	}
	return string(id), nil
}

func newSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(errors.New("crypto/rand unavailable: " + err.Error()))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
