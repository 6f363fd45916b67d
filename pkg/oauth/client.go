// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"time"
)

// RefreshTokenUsage controls whether a refresh token may be presented more
// than once.
type RefreshTokenUsage string

const (
	// RefreshUsageOneTimeOnly rotates the refresh token on every use; reuse
	// of a consumed token revokes the whole grant family.
	RefreshUsageOneTimeOnly RefreshTokenUsage = "OneTimeOnly"

	// RefreshUsageReUse allows the same refresh token until it expires.
	RefreshUsageReUse RefreshTokenUsage = "ReUse"
)

// RefreshTokenExpiration controls how refresh token lifetime is computed.
type RefreshTokenExpiration string

const (
	// RefreshExpirationAbsolute expires the token at a fixed instant.
	RefreshExpirationAbsolute RefreshTokenExpiration = "Absolute"

	// RefreshExpirationSliding extends the expiration on each use, bounded
	// by the absolute lifetime.
	RefreshExpirationSliding RefreshTokenExpiration = "Sliding"
)

// Default token lifetimes applied when a client leaves them zero.
const (
	DefaultAuthorizationCodeLifetime = 5 * time.Minute
	DefaultAccessTokenLifetime       = time.Hour
	DefaultIdentityTokenLifetime     = 5 * time.Minute
	DefaultAbsoluteRefreshLifetime   = 30 * 24 * time.Hour
	DefaultSlidingRefreshLifetime    = 15 * 24 * time.Hour
)

// UIMode selects how interactive authentication is rendered.
type UIMode string

const (
	// UIModeJourney runs a policy-driven journey for interactive auth.
	UIModeJourney UIMode = "journey"

	// UIModeStandalone renders the server's built-in standalone pages.
	UIModeStandalone UIMode = "standalone"
)

// Client is a relying-party registration. Clients belong to exactly one
// tenant; client_id is unique within the tenant.
type Client struct {
	// TenantID is the owning tenant.
	TenantID string `json:"tenant_id"`

	// ID is the OAuth client_id.
	ID string `json:"client_id"`

	// Name is a human-readable display name shown on consent pages.
	Name string `json:"client_name,omitempty"`

	// SecretHash is the SHA-256 hash of the client secret, hex-encoded.
	// Empty for public clients.
	SecretHash string `json:"secret_hash,omitempty"`

	// JWKS is the client's public key set as a serialized JWK Set document,
	// used to verify private_key_jwt client assertions (RFC 7523).
	JWKS string `json:"jwks,omitempty"`

	// Public marks a client that cannot keep a secret (native/SPA).
	Public bool `json:"public"`

	// RedirectURIs are the allowed redirect URIs. Matching is byte-exact.
	RedirectURIs []string `json:"redirect_uris"`

	// PostLogoutRedirectURIs are allowed targets for the end-session endpoint.
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`

	// AllowedScopes is the set of scopes the client may request.
	AllowedScopes []string `json:"allowed_scopes"`

	// AllowedGrantTypes is the set of grant types the client may use.
	AllowedGrantTypes []string `json:"allowed_grant_types"`

	// RequirePKCE requires a PKCE challenge on every authorization request.
	RequirePKCE bool `json:"require_pkce"`

	// AllowPlainPKCE permits the "plain" code_challenge_method.
	AllowPlainPKCE bool `json:"allow_plain_pkce,omitempty"`

	// RequireDPoP requires DPoP proofs and binds issued tokens to the
	// presented key (RFC 9449).
	RequireDPoP bool `json:"require_dpop"`

	// RequirePAR requires authorization requests to arrive via the pushed
	// authorization request endpoint (RFC 9126).
	RequirePAR bool `json:"require_par"`

	// RequireConsent requires user consent for scopes not yet granted.
	RequireConsent bool `json:"require_consent"`

	// LocalLoginEnabled permits username/password authentication.
	LocalLoginEnabled bool `json:"local_login_enabled"`

	// IdentityProviders restricts which external IdPs may be used. Empty
	// means all tenant IdPs are allowed.
	IdentityProviders []string `json:"identity_providers,omitempty"`

	// AllowedUsers restricts the client to specific subject ids. Empty
	// means all users.
	AllowedUsers []string `json:"allowed_users,omitempty"`

	// AllowedRoles restricts the client to users holding at least one of
	// these roles. Empty means no role restriction.
	AllowedRoles []string `json:"allowed_roles,omitempty"`

	// Token lifetimes. Zero values fall back to the package defaults.
	AuthorizationCodeLifetime time.Duration `json:"authorization_code_lifetime,omitempty"`
	AccessTokenLifetime       time.Duration `json:"access_token_lifetime,omitempty"`
	IdentityTokenLifetime     time.Duration `json:"identity_token_lifetime,omitempty"`
	AbsoluteRefreshLifetime   time.Duration `json:"absolute_refresh_lifetime,omitempty"`
	SlidingRefreshLifetime    time.Duration `json:"sliding_refresh_lifetime,omitempty"`

	// RefreshTokenUsage selects one-time rotation or reuse.
	RefreshTokenUsage RefreshTokenUsage `json:"refresh_token_usage,omitempty"`

	// RefreshTokenExpiration selects absolute or sliding expiration.
	RefreshTokenExpiration RefreshTokenExpiration `json:"refresh_token_expiration,omitempty"`

	// UpdateAccessTokenClaimsOnRefresh refetches profile claims on refresh
	// instead of reusing the claims from the original token.
	UpdateAccessTokenClaimsOnRefresh bool `json:"update_access_token_claims_on_refresh,omitempty"`

	// JourneyPolicies maps a purpose ("authentication", "registration",
	// "password_reset", ...) to a journey policy id.
	JourneyPolicies map[string]string `json:"journey_policies,omitempty"`

	// DefaultUIMode is the client-level UI mode, overriding the tenant
	// default and overridden by the request's ui_mode parameter.
	DefaultUIMode UIMode `json:"default_ui_mode,omitempty"`
}

// HashSecret returns the hex-encoded SHA-256 hash used for client secrets.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ValidateSecret compares the provided secret against the stored hash in
// constant time.
func (c *Client) ValidateSecret(secret string) bool {
	if c.SecretHash == "" || secret == "" {
		return false
	}
	sum := sha256.Sum256([]byte(secret))
	stored, err := hex.DecodeString(c.SecretHash)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(sum[:], stored) == 1
}

// RedirectURIAllowed reports whether uri byte-exactly matches a registered
// redirect URI.
func (c *Client) RedirectURIAllowed(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// PostLogoutRedirectURIAllowed reports whether uri matches a registered
// post-logout redirect URI.
func (c *Client) PostLogoutRedirectURIAllowed(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// GrantTypeAllowed reports whether the client may use the grant type.
func (c *Client) GrantTypeAllowed(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// ScopesAllowed reports whether every requested scope is in the client's
// allowed set.
func (c *Client) ScopesAllowed(scopes []string) bool {
	return ScopesSubset(scopes, c.AllowedScopes)
}

// UserAllowed checks the client's allowed_users and allowed_roles
// restrictions against a subject and its roles.
func (c *Client) UserAllowed(subjectID string, roles []string) bool {
	if len(c.AllowedUsers) > 0 && !slices.Contains(c.AllowedUsers, subjectID) {
		return false
	}
	if len(c.AllowedRoles) > 0 {
		match := false
		for _, r := range roles {
			if slices.Contains(c.AllowedRoles, r) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// AuthCodeLifetime returns the authorization code lifetime, defaulted.
func (c *Client) AuthCodeLifetime() time.Duration {
	if c.AuthorizationCodeLifetime > 0 {
		return c.AuthorizationCodeLifetime
	}
	return DefaultAuthorizationCodeLifetime
}

// AccessLifetime returns the access token lifetime, defaulted.
func (c *Client) AccessLifetime() time.Duration {
	if c.AccessTokenLifetime > 0 {
		return c.AccessTokenLifetime
	}
	return DefaultAccessTokenLifetime
}

// IdentityLifetime returns the ID token lifetime, defaulted.
func (c *Client) IdentityLifetime() time.Duration {
	if c.IdentityTokenLifetime > 0 {
		return c.IdentityTokenLifetime
	}
	return DefaultIdentityTokenLifetime
}

// AbsoluteRefresh returns the absolute refresh lifetime, defaulted.
func (c *Client) AbsoluteRefresh() time.Duration {
	if c.AbsoluteRefreshLifetime > 0 {
		return c.AbsoluteRefreshLifetime
	}
	return DefaultAbsoluteRefreshLifetime
}

// SlidingRefresh returns the sliding refresh lifetime, defaulted.
func (c *Client) SlidingRefresh() time.Duration {
	if c.SlidingRefreshLifetime > 0 {
		return c.SlidingRefreshLifetime
	}
	return DefaultSlidingRefreshLifetime
}

// RefreshUsage returns the refresh usage mode, defaulting to OneTimeOnly.
func (c *Client) RefreshUsage() RefreshTokenUsage {
	if c.RefreshTokenUsage == "" {
		return RefreshUsageOneTimeOnly
	}
	return c.RefreshTokenUsage
}

// RefreshExpiration returns the expiration mode, defaulting to Absolute.
func (c *Client) RefreshExpiration() RefreshTokenExpiration {
	if c.RefreshTokenExpiration == "" {
		return RefreshExpirationAbsolute
	}
	return c.RefreshTokenExpiration
}

// JourneyPolicyFor returns the policy id configured for the purpose, or "".
func (c *Client) JourneyPolicyFor(purpose string) string {
	if c.JourneyPolicies == nil {
		return ""
	}
	return c.JourneyPolicies[purpose]
}
