// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Standard OAuth 2.0 / OIDC error codes carried over the wire (RFC 6749
// Sections 4.1.2.1 and 5.2, RFC 8628 Section 3.5, OIDC Core Section 3.1.2.6).
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeServerError             = "server_error"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrCodeLoginRequired           = "login_required"
	ErrCodeConsentRequired         = "consent_required"
	ErrCodeInteractionRequired     = "interaction_required"
	ErrCodeAccountSelectionReqd    = "account_selection_required"
	ErrCodeAuthorizationPending    = "authorization_pending"
	ErrCodeSlowDown                = "slow_down"
	ErrCodeExpiredToken            = "expired_token"
	ErrCodeInvalidDPoPProof        = "invalid_dpop_proof"
	ErrCodeUseDPoPNonce            = "use_dpop_nonce"
	ErrCodeInvalidTarget           = "invalid_target"
)

// redirectableErrorCodes is the whitelist of error codes that may be sent to
// a client's redirect_uri. Everything else renders on the server's own error
// page. OAuth 2.0 forbids redirecting errors to an unvalidated URI, so
// membership here is necessary but not sufficient: the redirect_uri must
// also have been validated.
var redirectableErrorCodes = map[string]bool{
	ErrCodeAccessDenied:            true,
	ErrCodeLoginRequired:           true,
	ErrCodeConsentRequired:         true,
	ErrCodeInteractionRequired:     true,
	ErrCodeAccountSelectionReqd:    true,
	ErrCodeInvalidRequest:          true,
	ErrCodeUnauthorizedClient:      true,
	ErrCodeUnsupportedResponseType: true,
	ErrCodeInvalidScope:            true,
	ErrCodeTemporarilyUnavailable:  true,
	ErrCodeServerError:             true,
}

// Error is an OAuth protocol error as defined by RFC 6749 Section 5.2.
// It carries the wire error code, a human-readable description, and the
// HTTP status to use when the error is returned as a JSON body.
type Error struct {
	// Code is the standard OAuth error code (e.g. "invalid_grant").
	Code string `json:"error"`

	// Description is a human-readable description. It must never echo
	// user-supplied input.
	Description string `json:"error_description,omitempty"`

	// Status is the HTTP status code for direct JSON responses.
	Status int `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// SafeToRedirect reports whether this error code may be delivered to a
// client redirect_uri, assuming the URI itself has been validated.
func (e *Error) SafeToRedirect() bool {
	return redirectableErrorCodes[e.Code]
}

// WriteJSON writes the error as an application/json response body with the
// error's HTTP status (default 400).
func (e *Error) WriteJSON(w http.ResponseWriter) {
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// NewError creates an OAuth error with HTTP status 400.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description, Status: http.StatusBadRequest}
}

// NewErrorWithStatus creates an OAuth error with an explicit HTTP status.
func NewErrorWithStatus(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// Convenience constructors for the most common token endpoint errors.

// ErrInvalidRequest creates an invalid_request error.
func ErrInvalidRequest(description string) *Error {
	return NewError(ErrCodeInvalidRequest, description)
}

// ErrInvalidClient creates an invalid_client error (HTTP 401 per RFC 6749).
func ErrInvalidClient(description string) *Error {
	return NewErrorWithStatus(ErrCodeInvalidClient, description, http.StatusUnauthorized)
}

// ErrInvalidGrant creates an invalid_grant error.
func ErrInvalidGrant(description string) *Error {
	return NewError(ErrCodeInvalidGrant, description)
}

// ErrInvalidScope creates an invalid_scope error.
func ErrInvalidScope(description string) *Error {
	return NewError(ErrCodeInvalidScope, description)
}

// ErrUnauthorizedClient creates an unauthorized_client error.
func ErrUnauthorizedClient(description string) *Error {
	return NewError(ErrCodeUnauthorizedClient, description)
}

// ErrUnsupportedGrantType creates an unsupported_grant_type error.
func ErrUnsupportedGrantType(description string) *Error {
	return NewError(ErrCodeUnsupportedGrantType, description)
}

// ErrAccessDenied creates an access_denied error.
func ErrAccessDenied(description string) *Error {
	return NewError(ErrCodeAccessDenied, description)
}

// ErrServerError creates a server_error error (HTTP 500).
func ErrServerError(description string) *Error {
	return NewErrorWithStatus(ErrCodeServerError, description, http.StatusInternalServerError)
}

// ErrAuthorizationPending creates an authorization_pending error (RFC 8628).
func ErrAuthorizationPending() *Error {
	return NewError(ErrCodeAuthorizationPending, "the authorization request is still pending")
}

// ErrSlowDown creates a slow_down error (RFC 8628).
func ErrSlowDown() *Error {
	return NewError(ErrCodeSlowDown, "polling too frequently")
}

// ErrExpiredToken creates an expired_token error (RFC 8628).
func ErrExpiredToken() *Error {
	return NewError(ErrCodeExpiredToken, "the device_code has expired")
}

// AsError converts any error into an *Error, wrapping non-OAuth errors as
// server_error without leaking internal detail to the wire.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError("an internal error occurred")
}
