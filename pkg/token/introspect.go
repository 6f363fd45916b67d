// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"time"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
)

// IntrospectionResponse is the RFC 7662 introspection document.
type IntrospectionResponse struct {
	Active bool `json:"active"`

	Scope     string         `json:"scope,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Sub       string         `json:"sub,omitempty"`
	TokenType string         `json:"token_type,omitempty"`
	Exp       int64          `json:"exp,omitempty"`
	Iat       int64          `json:"iat,omitempty"`
	Sid       string         `json:"sid,omitempty"`
	Cnf       map[string]any `json:"cnf,omitempty"`
}

// inactive is the response for every unknown, expired, or revoked token.
// RFC 7662 requires that nothing further be disclosed.
var inactive = &IntrospectionResponse{Active: false}

// Introspector answers introspection and revocation requests against both
// token shapes: opaque refresh tokens looked up in storage and self-
// contained JWT access tokens checked against session revocations.
type Introspector struct {
	tokens *Service
	store  storage.Storage
	clock  func() time.Time
}

// NewIntrospector creates an Introspector.
func NewIntrospector(tokens *Service, store storage.Storage) *Introspector {
	return &Introspector{tokens: tokens, store: store, clock: tokens.clock}
}

// Introspect resolves a token to its RFC 7662 document. Failures of any
// kind yield {"active": false}.
func (i *Introspector) Introspect(ctx context.Context, tenantID, token string) *IntrospectionResponse {
	if token == "" {
		return inactive
	}

	// Opaque refresh token first: cheaper than signature verification and
	// unambiguous (our JWTs contain dots, opaque tokens do not).
	if grant, err := i.store.GetRefreshGrant(ctx, token); err == nil {
		return i.introspectRefreshGrant(ctx, tenantID, grant)
	}

	claims, err := i.tokens.Verify(ctx, tenantID, token)
	if err != nil {
		return inactive
	}
	if tenant := claims.GetString("tenant"); tenant != "" && tenant != tenantID {
		return inactive
	}
	if sid := claims.GetString("sid"); sid != "" {
		revoked, err := i.store.IsSessionRevoked(ctx, sid)
		if err != nil || revoked {
			return inactive
		}
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     claims.GetString("scope"),
		ClientID:  claims.GetString("client_id"),
		Sub:       claims.GetString("sub"),
		TokenType: "access_token",
		Sid:       claims.GetString("sid"),
	}
	if exp, ok := claims["exp"].(float64); ok {
		resp.Exp = int64(exp)
	}
	if iat, ok := claims["iat"].(float64); ok {
		resp.Iat = int64(iat)
	}
	if cnf, ok := claims["cnf"].(map[string]any); ok {
		resp.Cnf = cnf
	}
	return resp
}

func (i *Introspector) introspectRefreshGrant(ctx context.Context, tenantID string, grant *storage.RefreshTokenGrant) *IntrospectionResponse {
	now := i.clock()
	if grant.TenantID != tenantID || grant.Expired(now) || grant.Consumed() {
		return inactive
	}
	if grant.SessionID != "" {
		revoked, err := i.store.IsSessionRevoked(ctx, grant.SessionID)
		if err != nil || revoked {
			return inactive
		}
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     oauth.JoinScopes(grant.Scopes),
		ClientID:  grant.ClientID,
		Sub:       grant.SubjectID,
		TokenType: "refresh_token",
		Exp:       grant.ExpiresAt.Unix(),
		Iat:       grant.CreatedAt.Unix(),
		Sid:       grant.SessionID,
	}
}

// Revoke implements RFC 7009: it invalidates the presented token and, for
// refresh tokens, the whole grant family and session. Unknown tokens are
// not an error.
func (i *Introspector) Revoke(ctx context.Context, tenantID, token string) error {
	if token == "" {
		return nil
	}

	if grant, err := i.store.GetRefreshGrant(ctx, token); err == nil {
		if grant.TenantID != tenantID {
			return nil
		}
		if err := i.store.RemoveRefreshGrant(ctx, token); err != nil {
			return err
		}
		if grant.SessionID != "" {
			removed, err := i.store.RevokeFamily(ctx, storage.GrantFamily{
				TenantID:  grant.TenantID,
				SubjectID: grant.SubjectID,
				ClientID:  grant.ClientID,
				SessionID: grant.SessionID,
			})
			if err != nil {
				return err
			}
			ttl := time.Until(grant.AbsoluteExpiresAt)
			if ttl > 0 {
				if err := i.store.RevokeSessionID(ctx, grant.SessionID, ttl); err != nil {
					return err
				}
			}
			logger.Infow("refresh token revoked",
				"tenant", tenantID,
				"client_id", grant.ClientID,
				"family_grants_removed", removed,
			)
		}
		return nil
	}

	// Self-contained access token: revoke its session until the token
	// itself would have expired.
	claims, err := i.tokens.Verify(ctx, tenantID, token)
	if err != nil {
		// Unknown or already-invalid token; RFC 7009 says succeed anyway.
		return nil
	}
	sid := claims.GetString("sid")
	if sid == "" {
		return nil
	}
	ttl := time.Hour
	if exp, ok := claims["exp"].(float64); ok {
		if until := time.Until(time.Unix(int64(exp), 0)); until > 0 {
			ttl = until
		}
	}
	return i.store.RevokeSessionID(ctx, sid, ttl)
}
