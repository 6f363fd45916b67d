// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// Cache-Control max-age for the discovery and JWKS documents. One hour
// balances caching against key rotation propagation.
const discoveryCacheMaxAge = 3600

// providerMetadata is the OIDC discovery document (OIDC Discovery 1.0
// Section 3, plus RFC 8414 extension fields).
type providerMetadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	UserinfoEndpoint                   string   `json:"userinfo_endpoint"`
	JWKSURI                            string   `json:"jwks_uri"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	IntrospectionEndpoint              string   `json:"introspection_endpoint"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	DeviceAuthorizationEndpoint        string   `json:"device_authorization_endpoint"`
	EndSessionEndpoint                 string   `json:"end_session_endpoint"`
	ScopesSupported                    []string `json:"scopes_supported"`
	ClaimsSupported                    []string `json:"claims_supported"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	ResponseModesSupported             []string `json:"response_modes_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	SubjectTypesSupported              []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported   []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported  []string `json:"token_endpoint_auth_methods_supported"`
	DPoPSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported"`
}

// handleDiscovery serves GET /.well-known/openid-configuration.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())

	meta := providerMetadata{
		Issuer:                             s.issuer,
		AuthorizationEndpoint:              s.issuer + "/connect/authorize",
		TokenEndpoint:                      s.issuer + "/connect/token",
		UserinfoEndpoint:                   s.issuer + "/connect/userinfo",
		JWKSURI:                            s.issuer + "/.well-known/jwks.json",
		PushedAuthorizationRequestEndpoint: s.issuer + "/connect/par",
		IntrospectionEndpoint:              s.issuer + "/connect/introspect",
		RevocationEndpoint:                 s.issuer + "/connect/revocation",
		DeviceAuthorizationEndpoint:        s.issuer + "/connect/deviceauthorization",
		EndSessionEndpoint:                 s.issuer + "/connect/endsession",
		ScopesSupported:                    supportedScopes(),
		ClaimsSupported:                    supportedClaims(),
		ResponseTypesSupported:             []string{oauth.ResponseTypeCode},
		ResponseModesSupported:             []string{oauth.ResponseModeQuery, oauth.ResponseModeFragment},
		GrantTypesSupported: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
			oauth.GrantTypeClientCredentials,
			oauth.GrantTypeDeviceCode,
			oauth.GrantTypePassword,
			oauth.GrantTypeCIBA,
			oauth.GrantTypeTokenExchange,
		},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  s.signingAlgorithms(tn.ID),
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		DPoPSigningAlgValuesSupported:     []string{"ES256", "ES384", "ES512", "RS256", "PS256"},
	}

	data, err := json.Marshal(meta)
	if err != nil {
		logger.Errorw("encoding discovery metadata failed", "tenant", tn.ID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// handleJWKS serves GET /.well-known/jwks.json and its
// /.well-known/openid-configuration/jwks alias.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())

	data, err := json.Marshal(s.keys.PublicJWKS(tn.ID))
	if err != nil {
		logger.Errorw("encoding JWKS failed", "tenant", tn.ID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// signingAlgorithms collects the distinct algorithms of the tenant's
// published keys. Falls back to RS256 per OIDC Core Section 15.1 when no
// keys are published yet.
func (s *Server) signingAlgorithms(tenantID string) []string {
	set := s.keys.PublicJWKS(tenantID)
	seen := make(map[string]bool)
	var algs []string
	for _, key := range set.Keys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

func supportedScopes() []string {
	return []string{
		oauth.ScopeOpenID,
		"profile",
		"email",
		"phone",
		"roles",
		oauth.ScopeOfflineAccess,
	}
}

// supportedClaims mirrors the scope-to-claims mapping in the user package.
func supportedClaims() []string {
	return []string{
		"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "amr", "sid",
		"preferred_username", "name",
		"email", "email_verified",
		"phone_number", "phone_number_verified",
		"roles",
	}
}
