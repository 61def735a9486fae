package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	Issuer  string
	JWKSURL string
	// ExpectedAudiences is optional; when set a token must carry at least one.
	ExpectedAudiences []string
	CacheTTL          time.Duration
	MaxRefetches      int
	RefetchInterval   time.Duration
	Leeway            time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Validator verifies access tokens signed by the identity provider.
type Validator struct {
	cfg    ValidatorConfig
	keys   *KeySetCache
	parser *jwt.Parser
}

var signingMethods = []string{
	jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(), jwt.SigningMethodPS384.Alg(), jwt.SigningMethodPS512.Alg(),
	jwt.SigningMethodES256.Alg(), jwt.SigningMethodES384.Alg(), jwt.SigningMethodES512.Alg(),
}

// NewValidator creates a validator with its own key set cache.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	keys := NewKeySetCache(KeySetConfig{
		JWKSURL:         cfg.JWKSURL,
		CacheTTL:        cfg.CacheTTL,
		MaxRefetches:    cfg.MaxRefetches,
		RefetchInterval: cfg.RefetchInterval,
		HTTPClient:      cfg.HTTPClient,
		Logger:          cfg.Logger,
	})
	return newValidator(cfg, keys, time.Now), nil
}

func newValidator(cfg ValidatorConfig, keys *KeySetCache, now func() time.Time) *Validator {
	parser := jwt.NewParser(
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(now),
	)
	return &Validator{cfg: cfg, keys: keys, parser: parser}
}

// Keys exposes the validator's key set cache.
func (v *Validator) Keys() *KeySetCache { return v.keys }

// Validate checks signature, issuer and expiry and returns the verified
// claims. Every failure matches ErrInvalidToken.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, &InvalidTokenError{Err: errors.New("token required")}
	}

	claims := &TokenClaims{}
	tok, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, &InvalidTokenError{Err: err}
	}
	if !tok.Valid {
		return nil, &InvalidTokenError{Err: errors.New("token invalid")}
	}
	if claims.Subject == "" {
		return nil, &InvalidTokenError{Err: errors.New("sub missing")}
	}
	if len(v.cfg.ExpectedAudiences) > 0 && !audienceAllowed(claims.Audience, v.cfg.ExpectedAudiences) {
		return nil, &InvalidTokenError{Err: errors.New("audience rejected")}
	}
	return claims.Claims(), nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		if slices.Contains(expected, a) {
			return true
		}
	}
	return false
}
