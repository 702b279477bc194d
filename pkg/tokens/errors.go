// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuthError is a typed error that carries enough information for the
// HTTP edge to render the correct OIDC error body and status.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AsOAuthError extracts an OAuthError from an error chain, falling
// back to server_error for anything untyped.
func AsOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	return &OAuthError{Code: "server_error", Status: http.StatusInternalServerError}
}

func invalidRequest(description string) *OAuthError {
	return &OAuthError{Code: "invalid_request", Description: description, Status: http.StatusBadRequest}
}

func invalidClient(description string) *OAuthError {
	return &OAuthError{Code: "invalid_client", Description: description, Status: http.StatusUnauthorized}
}

func invalidGrant(description string) *OAuthError {
	return &OAuthError{Code: "invalid_grant", Description: description, Status: http.StatusBadRequest}
}

func unsupportedGrantType(grantType string) *OAuthError {
	return &OAuthError{
		Code:        "unsupported_grant_type",
		Description: fmt.Sprintf("grant_type %q is not supported", grantType),
		Status:      http.StatusBadRequest,
	}
}

// RateLimited is returned when a quota check fails; the edge maps it
// to HTTP 429.
func RateLimited() *OAuthError {
	return &OAuthError{Code: "rate_limited", Description: "too many requests", Status: http.StatusTooManyRequests}
}

func serverError(err error) *OAuthError {
	return &OAuthError{
		Code:        "server_error",
		Description: err.Error(),
		Status:      http.StatusInternalServerError,
	}
}
