package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultRefetchInterval = 5 * time.Second
	DefaultMaxRefetches    = 1
	DefaultFetchTimeout    = 10 * time.Second

	// staleRetryDelay postpones the next fetch after a failed refresh while
	// stale keys keep serving.
	staleRetryDelay = 30 * time.Second
	maxJWKSBytes    = 1 << 20
)

var errRefetchThrottled = errors.New("jwks refetch throttled")

// KeySetConfig configures a KeySetCache.
//
// MaxRefetches bounds the refetches triggered by a single unknown key id.
// Zero selects DefaultMaxRefetches; a negative value disables refetching.
// RefetchInterval spaces those refetches across all callers; zero selects
// DefaultRefetchInterval and a negative value removes the throttle.
// FetchTimeout bounds a shared fetch independently of the callers waiting
// on it.
type KeySetConfig struct {
	JWKSURL         string
	CacheTTL        time.Duration
	MaxRefetches    int
	RefetchInterval time.Duration
	FetchTimeout    time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

type keySnapshot struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// KeySetCache holds the identity provider's published signing keys.
// Lookups read an immutable snapshot; refreshes replace it atomically.
type KeySetCache struct {
	cfg     KeySetConfig
	client  *http.Client
	logger  *slog.Logger
	current atomic.Pointer[keySnapshot]
	group   singleflight.Group
	limiter *rate.Limiter
	now     func() time.Time
}

// NewKeySetCache creates an empty cache. Keys are fetched on first use.
func NewKeySetCache(cfg KeySetConfig) *KeySetCache {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MaxRefetches == 0 {
		cfg.MaxRefetches = DefaultMaxRefetches
	}
	if cfg.RefetchInterval == 0 {
		cfg.RefetchInterval = DefaultRefetchInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	limit := rate.Inf
	if cfg.RefetchInterval > 0 {
		limit = rate.Every(cfg.RefetchInterval)
	}
	return &KeySetCache{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

// Key resolves the public key for kid. An unknown kid triggers a bounded
// number of refetches before giving up with a *KeySetError. A lookup that
// just loaded the set does not refetch it again.
func (c *KeySetCache) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	snap, loaded, err := c.snapshot(ctx)
	if err != nil {
		return nil, &KeySetError{KeyID: kid, Err: err}
	}
	if key := snap.find(kid); key != nil {
		return key, nil
	}
	if loaded {
		return nil, &KeySetError{KeyID: kid}
	}

	for i := 0; i < c.cfg.MaxRefetches; i++ {
		snap, err = c.refetch(ctx)
		if errors.Is(err, errRefetchThrottled) {
			c.logger.Warn("jwks refetch throttled", "kid", kid)
			break
		}
		if err != nil {
			return nil, &KeySetError{KeyID: kid, Err: err}
		}
		if key := snap.find(kid); key != nil {
			return key, nil
		}
	}
	return nil, &KeySetError{KeyID: kid}
}

// Refresh fetches the key set unconditionally. Useful to warm the cache at
// startup.
func (c *KeySetCache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// snapshot returns the current keys, loading them when missing or expired.
// loaded reports whether this call produced a freshly fetched set.
func (c *KeySetCache) snapshot(ctx context.Context) (snap *keySnapshot, loaded bool, err error) {
	snap = c.current.Load()
	if snap != nil && c.now().Before(snap.expires) {
		return snap, false, nil
	}
	fresh, err := c.refresh(ctx)
	if err == nil {
		return fresh, true, nil
	}
	if snap == nil || ctx.Err() != nil {
		return nil, false, err
	}
	c.logger.Warn("jwks refresh failed, serving stale keys", "error", err, "fetched", snap.fetched)
	held := *snap
	held.expires = c.now().Add(staleRetryDelay)
	c.current.CompareAndSwap(snap, &held)
	return snap, false, nil
}

func (c *KeySetCache) refresh(ctx context.Context) (*keySnapshot, error) {
	return c.shared(ctx, "refresh", c.fetch)
}

// refetch is the kid-miss path. Concurrent misses share one fetch and the
// limiter is consulted once per shared fetch.
func (c *KeySetCache) refetch(ctx context.Context) (*keySnapshot, error) {
	return c.shared(ctx, "refetch", func(fetchCtx context.Context) (*keySnapshot, error) {
		if !c.limiter.Allow() {
			return nil, errRefetchThrottled
		}
		return c.fetch(fetchCtx)
	})
}

// shared runs fn once for all concurrent callers of key. The fetch runs
// detached from any single caller's cancellation and is bounded by
// FetchTimeout; each caller stops waiting when its own context ends.
func (c *KeySetCache) shared(ctx context.Context, key string, fn func(context.Context) (*keySnapshot, error)) (*keySnapshot, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return fn(fetchCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySnapshot), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for jwks: %w", ctx.Err())
	}
}

func (c *KeySetCache) fetch(ctx context.Context) (*keySnapshot, error) {
	prev := c.current.Load()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if prev != nil && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	now := c.now()
	ttl := maxCacheDuration(resp.Header.Get("Cache-Control"), c.cfg.CacheTTL)

	if resp.StatusCode == http.StatusNotModified && prev != nil {
		next := *prev
		next.fetched = now
		next.expires = now.Add(ttl)
		c.current.Store(&next)
		return &next, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("jwks contains no keys")
	}

	snap := &keySnapshot{
		set:     set,
		fetched: now,
		expires: now.Add(ttl),
		etag:    resp.Header.Get("ETag"),
	}
	c.current.Store(snap)
	c.logger.Debug("jwks refreshed", "keys", len(set.Keys), "expires", snap.expires)
	return snap, nil
}

func (s *keySnapshot) find(kid string) *jose.JSONWebKey {
	if kid == "" {
		// A token without kid only resolves against a single-key set.
		if len(s.set.Keys) == 1 && usableForSigning(s.set.Keys[0]) {
			key := s.set.Keys[0]
			return &key
		}
		return nil
	}
	for _, k := range s.set.Key(kid) {
		if usableForSigning(k) {
			key := k
			return &key
		}
	}
	return nil
}

func usableForSigning(k jose.JSONWebKey) bool {
	return (k.Use == "" || k.Use == "sig") && k.Valid()
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := strconv.Atoi(strings.Trim(kv[1], `"`)); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return fallback
}
