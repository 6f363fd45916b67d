// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"

	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/token"
)

// tokenExchangeHandler implements RFC 8693: a subject token (and optional
// actor token for delegation) is exchanged for a new access token whose
// "act" claim chains the acting parties.
type tokenExchangeHandler struct {
	store  storage.Storage
	tokens *token.Service
	minter *minter
}

// exchangeSubject is what we learned from a validated subject or actor token.
type exchangeSubject struct {
	SubjectID string
	SessionID string
	Scopes    []string
	Claims    oauth.Claims
}

func (h *tokenExchangeHandler) Grant(ctx context.Context, req *Request) (*oauth.TokenResponse, *oauth.Error) {
	subjectToken := req.Form.Get("subject_token")
	if subjectToken == "" {
		return nil, oauth.ErrInvalidRequest("subject_token is required")
	}
	subjectType := req.Form.Get("subject_token_type")
	if subjectType == "" {
		return nil, oauth.ErrInvalidRequest("subject_token_type is required")
	}

	subject, oerr := h.resolve(ctx, req.TenantID, subjectToken, subjectType)
	if oerr != nil {
		return nil, oerr
	}

	scopes := subject.Scopes
	if requested := oauth.ParseScopes(req.Form.Get("scope")); len(requested) > 0 {
		if len(subject.Scopes) > 0 && !oauth.ScopesSubset(requested, subject.Scopes) {
			return nil, oauth.ErrInvalidScope("requested scope exceeds the subject token's scopes")
		}
		scopes = requested
	}

	// The issued token carries the subject's delegation chain; a presented
	// actor token prepends a new act entry on top of any existing chain.
	claims := oauth.Claims{}
	if act, ok := subject.Claims["act"]; ok {
		claims["act"] = act
	}
	if actorToken := req.Form.Get("actor_token"); actorToken != "" {
		actorType := req.Form.Get("actor_token_type")
		if actorType == "" {
			return nil, oauth.ErrInvalidRequest("actor_token_type is required when actor_token is present")
		}
		actor, oerr := h.resolve(ctx, req.TenantID, actorToken, actorType)
		if oerr != nil {
			return nil, oerr
		}
		if _, ok := claims["act"]; !ok {
			// An actor token minted by a previous exchange contributes its
			// own chain.
			if prev, ok := actor.Claims["act"]; ok {
				claims["act"] = prev
			}
		}
		claims.PrependActor(actor.SubjectID)
	}

	resp, oerr := h.minter.issue(ctx, req.TenantID, issuance{
		Client:         req.Client,
		SubjectID:      subject.SubjectID,
		SessionID:      subject.SessionID,
		Scopes:         scopes,
		AccessClaims:   claims,
		DPoPThumbprint: req.DPoPThumbprint,
	})
	if oerr != nil {
		return nil, oerr
	}
	resp.IssuedTokenType = oauth.TokenTypeAccessToken
	return resp, nil
}

// resolve validates a presented token of the given RFC 8693 type and
// extracts the identity it represents.
func (h *tokenExchangeHandler) resolve(ctx context.Context, tenantID, raw, tokenType string) (*exchangeSubject, *oauth.Error) {
	switch tokenType {
	case oauth.TokenTypeAccessToken, oauth.TokenTypeJWT, oauth.TokenTypeIDToken:
		claims, err := h.tokens.Verify(ctx, tenantID, raw)
		if err != nil {
			return nil, oauth.ErrInvalidGrant("token validation failed")
		}
		if tn := claims.GetString("tenant"); tn != "" && tn != tenantID {
			return nil, oauth.ErrInvalidGrant("token validation failed")
		}
		if sid := claims.GetString("sid"); sid != "" {
			revoked, err := h.store.IsSessionRevoked(ctx, sid)
			if err != nil || revoked {
				return nil, oauth.ErrInvalidGrant("token validation failed")
			}
		}
		return &exchangeSubject{
			SubjectID: claims.GetString("sub"),
			SessionID: claims.GetString("sid"),
			Scopes:    oauth.ParseScopes(claims.GetString("scope")),
			Claims:    claims,
		}, nil

	case oauth.TokenTypeRefreshToken:
		grant, err := h.store.GetRefreshGrant(ctx, raw)
		if err != nil || grant.TenantID != tenantID || grant.Expired(h.minter.clock()) || grant.Consumed() {
			return nil, oauth.ErrInvalidGrant("token validation failed")
		}
		return &exchangeSubject{
			SubjectID: grant.SubjectID,
			SessionID: grant.SessionID,
			Scopes:    grant.Scopes,
			Claims:    grant.Claims,
		}, nil

	default:
		return nil, oauth.ErrInvalidRequest("unsupported token type " + tokenType)
	}
}
