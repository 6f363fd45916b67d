// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"slices"
	"strings"
)

// Grant type identifiers dispatched by the token endpoint registry.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypePassword          = "password"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
	GrantTypeTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// Response types and modes for the authorize endpoint.
const (
	ResponseTypeCode = "code"

	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
)

// Prompt values (OIDC Core Section 3.1.2.1).
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// Token type identifiers for token exchange (RFC 8693 Section 3).
const (
	TokenTypeAccessToken  = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeRefreshToken = "urn:ietf:params:oauth:token-type:refresh_token"
	TokenTypeIDToken      = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeJWT          = "urn:ietf:params:oauth:token-type:jwt"
)

// RequestURIPrefix is the URN prefix for PAR request_uri values (RFC 9126).
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// ScopeOpenID is the scope that turns a plain OAuth request into an OIDC one.
const ScopeOpenID = "openid"

// ScopeOfflineAccess requests a refresh token.
const ScopeOfflineAccess = "offline_access"

// ParseScopes splits a space-delimited scope parameter into a slice,
// dropping empty entries.
func ParseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScopes joins scopes into the space-delimited wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesContain reports whether want is present in scopes.
func ScopesContain(scopes []string, want string) bool {
	return slices.Contains(scopes, want)
}

// ScopesSubset reports whether every scope in requested is present in granted.
func ScopesSubset(requested, granted []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

// tokenBytes is the entropy of opaque tokens: 256 bits.
const tokenBytes = 32

// NewOpaqueToken returns 256 bits of cryptographically random material
// encoded as unpadded base64url. Used for authorization codes, refresh
// tokens, device codes, PAR request URIs, and correlation ids.
func NewOpaqueToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenResponse is the JSON body returned by the token endpoint on success
// (RFC 6749 Section 5.1, RFC 8693 Section 2.2.1).
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	Scope           string `json:"scope,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// DeviceAuthorizationResponse is the JSON body returned by the device
// authorization endpoint (RFC 8628 Section 3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// PARResponse is the JSON body returned by the pushed authorization request
// endpoint (RFC 9126 Section 2.2).
type PARResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}
