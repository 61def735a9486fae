package client

import (
	"errors"
	"fmt"
)

// ErrInvalidToken is matched by every token verification failure.
var ErrInvalidToken = errors.New("invalid token")

// InvalidTokenError carries the cause of a rejected token. Callers must not
// expose the cause to the presenter of the token.
type InvalidTokenError struct {
	Err error
}

func (e *InvalidTokenError) Error() string {
	if e.Err == nil {
		return ErrInvalidToken.Error()
	}
	return ErrInvalidToken.Error() + ": " + e.Err.Error()
}

func (e *InvalidTokenError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidToken}
	}
	return []error{ErrInvalidToken, e.Err}
}

// KeySetError reports a signing key that could not be resolved, either
// because the key set could not be fetched or because no key matches.
type KeySetError struct {
	KeyID string
	Err   error
}

func (e *KeySetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing key %q unavailable: %v", e.KeyID, e.Err)
	}
	return fmt.Sprintf("signing key %q not found", e.KeyID)
}

func (e *KeySetError) Unwrap() error { return e.Err }

// AuthorizationError means verified claims lack a required role.
type AuthorizationError struct {
	Role string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q required", e.Role)
}
