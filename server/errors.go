package server

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// DiscoveryError reports that provider metadata could not be obtained or is
// unusable. It is fatal at startup.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// FlowError is a login flow failure carrying the HTTP status to answer with.
// Message is shown to the user; Err is only logged.
type FlowError struct {
	Status  int
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *FlowError) Unwrap() error { return e.Err }

func badRequest(msg string, err error) *FlowError {
	return &FlowError{Status: http.StatusBadRequest, Message: msg, Err: err}
}

func internalError(msg string, err error) *FlowError {
	return &FlowError{Status: http.StatusInternalServerError, Message: msg, Err: err}
}

// exchangeError classifies a failed code exchange. Rejections of the code or
// verifier are the caller's fault; anything else is ours.
func exchangeError(err error) *FlowError {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		switch rErr.ErrorCode {
		case "invalid_grant", "invalid_request":
			return badRequest("the sign-in code was rejected, please sign in again", err)
		}
		if rErr.Response != nil {
			switch rErr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized:
				return badRequest("the sign-in code was rejected, please sign in again", err)
			}
		}
	}
	return internalError("sign-in could not be completed", err)
}
