package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"spynet/middleware"
)

const maxRelayBody = 1 << 20

// ErrNoAccessToken means the session has nothing to relay.
var ErrNoAccessToken = errors.New("session holds no access token")

// RelayResponse is the API's answer, passed through verbatim.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// InsufficientRole reports a 403 from the API.
func (r *RelayResponse) InsufficientRole() bool {
	return r.StatusCode == http.StatusForbidden
}

// Unauthorized reports that the API rejected the token.
func (r *RelayResponse) Unauthorized() bool {
	return r.StatusCode == http.StatusUnauthorized
}

// ErrorMessage extracts the "error" field of a JSON error body.
func (r *RelayResponse) ErrorMessage() string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.Error
}

// TokenRelay calls the resource API on behalf of a session.
type TokenRelay struct {
	base        *url.URL
	client      *http.Client
	timeout     time.Duration
	maxAttempts uint
	logger      *slog.Logger
	newBackOff  func() backoff.BackOff
}

// NewTokenRelay builds a relay for the API at cfg.BaseURL. client may be nil.
func NewTokenRelay(cfg APIConfig, client *http.Client, logger *slog.Logger) (*TokenRelay, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          50,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		}
	}
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = DefaultAPIMaxAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultAPITimeout
	}
	return &TokenRelay{
		base:        base,
		client:      client,
		timeout:     timeout,
		maxAttempts: attempts,
		logger:      logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}, nil
}

// Do performs GET path against the API with the session's access token.
// Transport failures are retried with backoff; any HTTP status is final.
func (t *TokenRelay) Do(ctx context.Context, tokens *TokenSet, path string) (*RelayResponse, error) {
	if tokens == nil || tokens.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	target := t.base.JoinPath(path).String()

	op := func() (*RelayResponse, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		req.Header.Set("Accept", "application/json")
		if id := middleware.RequestIDFromContext(ctx); id != "" {
			req.Header.Set(middleware.RequestIDHeader, id)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()

		// the API has answered; a broken body is not a reason to ask again
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBody))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("read api response (status %d): %w", resp.StatusCode, err))
		}
		return &RelayResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
		}, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(t.newBackOff()),
		backoff.WithMaxTries(t.maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			t.logger.Warn("api call failed, retrying", "path", path, "error", err, "backoff", d)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("call api %s: %w", path, err)
	}
	return resp, nil
}
