// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package token mints and verifies the server's own tokens: JWT access
// tokens, OIDC ID tokens, and the introspection/revocation views over them.
// Signing keys come from the keys service; verification accepts any key
// still inside its rotation overlap.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/keys"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// DefaultAccessTokenLifetime applies when the client sets none.
const DefaultAccessTokenLifetime = time.Hour

// DefaultIDTokenLifetime applies when the client sets none.
const DefaultIDTokenLifetime = 5 * time.Minute

// Service mints and verifies tokens for all tenants.
type Service struct {
	issuer string
	keys   *keys.Service
	clock  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// NewService creates a token service issuing under the given issuer URL.
func NewService(issuer string, keySvc *keys.Service, opts ...Option) *Service {
	s := &Service{
		issuer: issuer,
		keys:   keySvc,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the issuer URL carried in minted tokens.
func (s *Service) Issuer() string {
	return s.issuer
}

// AccessTokenRequest describes an access token to mint.
type AccessTokenRequest struct {
	TenantID string
	ClientID string

	// SubjectID is empty for client_credentials tokens.
	SubjectID string

	SessionID string
	Scopes    []string
	Audience  []string

	// Claims are merged into the payload (act chains, custom claims).
	Claims oauth.Claims

	// DPoPThumbprint, when set, binds the token via cnf.jkt.
	DPoPThumbprint string

	Lifetime time.Duration
}

// IDTokenRequest describes an ID token to mint.
type IDTokenRequest struct {
	TenantID string
	ClientID string

	SubjectID string
	SessionID string
	Nonce     string

	AuthTime time.Time
	AMR      []string
	ACR      string

	// Claims are the profile claims for the granted scopes.
	Claims oauth.Claims

	Lifetime time.Duration
}

// MintAccessToken signs a JWT access token with the tenant's active key.
func (s *Service) MintAccessToken(ctx context.Context, req AccessTokenRequest) (string, error) {
	now := s.clock()
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultAccessTokenLifetime
	}

	sub := req.SubjectID
	if sub == "" {
		sub = req.ClientID
	}

	builder := jwt.NewBuilder().
		Issuer(s.issuer).
		Subject(sub).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(lifetime)).
		JwtID(uuid.NewString()).
		Claim("client_id", req.ClientID).
		Claim("tenant", req.TenantID)

	if len(req.Audience) > 0 {
		builder = builder.Audience(req.Audience)
	}
	if len(req.Scopes) > 0 {
		builder = builder.Claim("scope", oauth.JoinScopes(req.Scopes))
	}
	if req.SessionID != "" {
		builder = builder.Claim("sid", req.SessionID)
	}
	if req.DPoPThumbprint != "" {
		builder = builder.Claim("cnf", map[string]any{"jkt": req.DPoPThumbprint})
	}
	for k, v := range req.Claims {
		builder = builder.Claim(k, v)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", errors.NewInternalError("building access token", err)
	}
	return s.sign(ctx, req.TenantID, tok)
}

// MintIDToken signs an OIDC ID token for the authenticated end user.
func (s *Service) MintIDToken(ctx context.Context, req IDTokenRequest) (string, error) {
	now := s.clock()
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultIDTokenLifetime
	}

	builder := jwt.NewBuilder().
		Issuer(s.issuer).
		Subject(req.SubjectID).
		Audience([]string{req.ClientID}).
		IssuedAt(now).
		Expiration(now.Add(lifetime)).
		Claim("azp", req.ClientID)

	if req.Nonce != "" {
		builder = builder.Claim("nonce", req.Nonce)
	}
	if !req.AuthTime.IsZero() {
		builder = builder.Claim("auth_time", req.AuthTime.Unix())
	}
	if len(req.AMR) > 0 {
		builder = builder.Claim("amr", req.AMR)
	}
	if req.ACR != "" {
		builder = builder.Claim("acr", req.ACR)
	}
	if req.SessionID != "" {
		builder = builder.Claim("sid", req.SessionID)
	}
	for k, v := range req.Claims {
		if k == "sub" {
			continue
		}
		builder = builder.Claim(k, v)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", errors.NewInternalError("building id token", err)
	}
	return s.sign(ctx, req.TenantID, tok)
}

// sign signs a token with the tenant's highest-priority active key.
func (s *Service) sign(ctx context.Context, tenantID string, tok jwt.Token) (string, error) {
	key, err := s.keys.ActiveSigningKey(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("resolving signing key: %w", err)
	}

	jwkKey, err := jwk.Import(key.Signer)
	if err != nil {
		return "", errors.NewInternalError("importing signing key", err)
	}
	if err := jwkKey.Set(jwk.KeyIDKey, key.KeyID); err != nil {
		return "", errors.NewInternalError("setting key id", err)
	}

	alg, err := signatureAlgorithm(key.Algorithm)
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(alg, jwkKey))
	if err != nil {
		return "", errors.NewInternalError("signing token", err)
	}
	return string(signed), nil
}

// Verify parses and validates a token against the tenant's verification
// keys (active plus within-overlap) and returns its claims.
func (s *Service) Verify(ctx context.Context, tenantID, raw string) (oauth.Claims, error) {
	set, err := s.verificationKeySet(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	tok, err := jwt.ParseString(raw,
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithIssuer(s.issuer),
		jwt.WithClock(jwt.ClockFunc(s.clock)),
		jwt.WithAcceptableSkew(time.Minute),
	)
	if err != nil {
		return nil, errors.NewUnauthorizedError("token validation failed", err)
	}

	// Round-trip the payload through JSON so callers see plain map/slice
	// shapes regardless of jwx's internal claim types.
	payload, err := json.Marshal(tok)
	if err != nil {
		return nil, errors.NewInternalError("serializing token claims", err)
	}
	claims := oauth.Claims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errors.NewInternalError("decoding token claims", err)
	}
	return claims, nil
}

// verificationKeySet builds a jwk.Set of the tenant's public keys.
func (s *Service) verificationKeySet(ctx context.Context, tenantID string) (jwk.Set, error) {
	verifying := s.keys.VerificationKeys(ctx, tenantID)
	if len(verifying) == 0 {
		// Tokens may predate process start; make sure the tenant at least
		// has its initial key.
		if _, err := s.keys.ActiveSigningKey(ctx, tenantID); err != nil {
			return nil, err
		}
		verifying = s.keys.VerificationKeys(ctx, tenantID)
	}

	set := jwk.NewSet()
	for _, key := range verifying {
		pub, err := jwk.Import(key.Signer.Public())
		if err != nil {
			return nil, errors.NewInternalError("importing public key", err)
		}
		if err := pub.Set(jwk.KeyIDKey, key.KeyID); err != nil {
			return nil, errors.NewInternalError("setting key id", err)
		}
		if err := set.AddKey(pub); err != nil {
			return nil, errors.NewInternalError("adding key to set", err)
		}
	}
	return set, nil
}

// signatureAlgorithm maps a JWS algorithm name to its jwa value.
func signatureAlgorithm(name string) (jwa.SignatureAlgorithm, error) {
	switch name {
	case "ES256":
		return jwa.ES256(), nil
	case "ES384":
		return jwa.ES384(), nil
	case "ES512":
		return jwa.ES512(), nil
	case "RS256":
		return jwa.RS256(), nil
	default:
		return jwa.SignatureAlgorithm{}, fmt.Errorf("unsupported signing algorithm %q", name)
	}
}
