package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"spynet/idptest"
)

func newTestValidator(t *testing.T, p *idptest.Provider, audiences ...string) *Validator {
	t.Helper()
	v, err := NewValidator(ValidatorConfig{
		Issuer:            p.Issuer,
		JWKSURL:           p.JWKSURL(),
		ExpectedAudiences: audiences,
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestNewValidatorRequiresIssuerAndJWKS(t *testing.T) {
	if _, err := NewValidator(ValidatorConfig{JWKSURL: "http://idp/jwks"}); err == nil {
		t.Fatalf("expected error without issuer")
	}
	if _, err := NewValidator(ValidatorConfig{Issuer: "http://idp"}); err == nil {
		t.Fatalf("expected error without jwks url")
	}
}

func TestValidateAcceptsProviderToken(t *testing.T) {
	p := idptest.New(t)
	v := newTestValidator(t, p)

	claims, err := v.Validate(context.Background(), p.AccessToken(idptest.DefaultUser, time.Minute))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "agent-007" || claims.PreferredUsername != "bond" {
		t.Fatalf("unexpected identity: %+v", claims)
	}
	if claims.Issuer != p.Issuer {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}
	if diff := cmp.Diff([]string{"agente-premium", "nivel-00"}, claims.Roles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if claims.ExpiresAt.Before(time.Now()) {
		t.Fatalf("expected future expiry, got %s", claims.ExpiresAt)
	}
}

func TestValidateRolesAlwaysPresent(t *testing.T) {
	p := idptest.New(t)
	v := newTestValidator(t, p)

	claims, err := v.Validate(context.Background(), p.AccessToken(idptest.User{Subject: "s", Username: "u"}, time.Minute))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Roles == nil || len(claims.Roles) != 0 {
		t.Fatalf("expected empty non-nil roles, got %#v", claims.Roles)
	}
}

func TestValidateDeduplicatesRoles(t *testing.T) {
	p := idptest.New(t)
	v := newTestValidator(t, p)
	u := idptest.User{Subject: "s", Username: "u", Roles: []string{"b", "a", "b", "", "a", "c"}}

	claims, err := v.Validate(context.Background(), p.AccessToken(u, time.Minute))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, claims.Roles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateRejections(t *testing.T) {
	p := idptest.New(t)

	wrongIssuer := p.Claims(idptest.DefaultUser, time.Minute)
	wrongIssuer["iss"] = "https://evil.example"

	noExpiry := p.Claims(idptest.DefaultUser, time.Minute)
	delete(noExpiry, "exp")

	noSubject := p.Claims(idptest.DefaultUser, time.Minute)
	delete(noSubject, "sub")

	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, p.Claims(idptest.DefaultUser, time.Minute)).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"expired":      p.AccessToken(idptest.DefaultUser, -time.Minute),
		"wrong issuer": p.Sign(wrongIssuer),
		"no expiry":    p.Sign(noExpiry),
		"no subject":   p.Sign(noSubject),
		"hs256":        hmac,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			v := newTestValidator(t, p)
			claims, err := v.Validate(context.Background(), raw)
			if err == nil {
				t.Fatalf("expected rejection, got claims %+v", claims)
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
			var invalid *InvalidTokenError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected *InvalidTokenError, got %T", err)
			}
		})
	}
}

func TestValidateUnknownKeyRefetchesOnce(t *testing.T) {
	p := idptest.New(t)
	v := newTestValidator(t, p)

	// warm the cache so the only extra fetch is the kid-miss refetch
	if _, err := v.Validate(context.Background(), p.AccessToken(idptest.DefaultUser, time.Minute)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	before := p.JWKSFetches()

	forged := p.SignWithUnpublishedKey(p.Claims(idptest.DefaultUser, time.Minute))
	_, err := v.Validate(context.Background(), forged)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	var ksErr *KeySetError
	if !errors.As(err, &ksErr) {
		t.Fatalf("expected KeySetError in chain, got %v", err)
	}
	if got := p.JWKSFetches() - before; got != 1 {
		t.Fatalf("expected exactly one refetch, got %d", got)
	}
}

func TestValidateAcceptsRotatedKey(t *testing.T) {
	p := idptest.New(t)
	v := newTestValidator(t, p)
	if err := v.Keys().Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	p.RotateKey()
	if _, err := v.Validate(context.Background(), p.AccessToken(idptest.DefaultUser, time.Minute)); err != nil {
		t.Fatalf("Validate after rotation: %v", err)
	}
}

func TestValidateAudience(t *testing.T) {
	p := idptest.New(t)
	token := p.AccessToken(idptest.DefaultUser, time.Minute)

	if _, err := newTestValidator(t, p, "account").Validate(context.Background(), token); err != nil {
		t.Fatalf("expected audience match, got %v", err)
	}
	if _, err := newTestValidator(t, p, "other-api").Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience rejection, got %v", err)
	}
}

func TestValidateLeeway(t *testing.T) {
	p := idptest.New(t)
	v, err := NewValidator(ValidatorConfig{
		Issuer:  p.Issuer,
		JWKSURL: p.JWKSURL(),
		Leeway:  time.Minute,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if _, err := v.Validate(context.Background(), p.AccessToken(idptest.DefaultUser, -10*time.Second)); err != nil {
		t.Fatalf("expected token within leeway to pass, got %v", err)
	}
}
