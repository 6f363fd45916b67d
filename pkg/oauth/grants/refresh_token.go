// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// refreshTokenHandler implements RFC 6749 Section 6 with one-time rotation
// or reuse semantics, sliding expiration, and scope narrowing.
type refreshTokenHandler struct {
	store  storage.Storage
	minter *minter
}

func (h *refreshTokenHandler) Grant(ctx context.Context, req *Request) (*oauth.TokenResponse, *oauth.Error) {
	tokenValue := req.Form.Get("refresh_token")
	if tokenValue == "" {
		return nil, oauth.ErrInvalidRequest("refresh_token is required")
	}
	now := h.minter.clock()

	var grant *storage.RefreshTokenGrant
	var err error
	rotating := req.Client.RefreshUsage() == oauth.RefreshUsageOneTimeOnly
	if rotating {
		grant, err = h.store.ConsumeRefreshGrant(ctx, tokenValue)
		if errors.Is(err, storage.ErrAlreadyConsumed) {
			logger.Warnw("consumed refresh token replayed",
				"tenant", grant.TenantID,
				"client_id", grant.ClientID,
			)
			h.minter.revokeFamily(ctx, grant.TenantID, grant.SubjectID, grant.ClientID, grant.SessionID)
			return nil, oauth.ErrInvalidGrant("refresh token has already been used")
		}
	} else {
		grant, err = h.store.GetRefreshGrant(ctx, tokenValue)
	}
	if err != nil {
		return nil, oauth.ErrInvalidGrant("refresh token is invalid or expired")
	}

	if grant.TenantID != req.TenantID || grant.ClientID != req.Client.ID {
		return nil, oauth.ErrInvalidGrant("refresh token was issued to a different client")
	}
	if grant.Expired(now) {
		_ = h.store.RemoveRefreshGrant(ctx, tokenValue)
		return nil, oauth.ErrInvalidGrant("refresh token has expired")
	}
	if grant.DPoPThumbprint != "" && grant.DPoPThumbprint != req.DPoPThumbprint {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof,
			"refresh token is bound to a different DPoP key")
	}

	scopes := grant.Scopes
	if requested := oauth.ParseScopes(req.Form.Get("scope")); len(requested) > 0 {
		if !oauth.ScopesSubset(requested, grant.Scopes) {
			return nil, oauth.ErrInvalidScope("requested scope exceeds the original grant")
		}
		scopes = requested
	}

	u, oerr := h.minter.checkUser(ctx, req.TenantID, grant.SubjectID, req.Client)
	if oerr != nil {
		return nil, oerr
	}

	profile := grant.Claims
	if req.Client.UpdateAccessTokenClaimsOnRefresh || len(profile) == 0 {
		profile = user.ClaimsForScopes(u, scopes)
	}

	if !rotating {
		// ReUse mode: the same token value stays valid. Sliding expiration
		// extends it up to the absolute cap.
		if req.Client.RefreshExpiration() == oauth.RefreshExpirationSliding {
			extended := now.Add(req.Client.SlidingRefresh())
			if extended.After(grant.AbsoluteExpiresAt) {
				extended = grant.AbsoluteExpiresAt
			}
			grant.ExpiresAt = extended
		}
		grant.LastUsedAt = now
		if err := h.store.UpdateRefreshGrant(ctx, grant); err != nil {
			return nil, oauth.ErrServerError("updating refresh grant")
		}
	}

	resp, oerr := h.minter.issue(ctx, req.TenantID, issuance{
		Client:                req.Client,
		SubjectID:             grant.SubjectID,
		SessionID:             grant.SessionID,
		Scopes:                scopes,
		ProfileClaims:         profile,
		DPoPThumbprint:        req.DPoPThumbprint,
		IncludeRefresh:        rotating,
		RefreshAbsoluteExpiry: grant.AbsoluteExpiresAt,
	})
	if oerr != nil {
		return nil, oerr
	}
	if !rotating {
		resp.RefreshToken = tokenValue
	}
	return resp, nil
}
