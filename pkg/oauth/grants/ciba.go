// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"time"

	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// cibaHandler implements the CIBA polling grant: the client polls with its
// auth_req_id while the user approves on a separate authentication device.
type cibaHandler struct {
	store  storage.Storage
	minter *minter
}

func (h *cibaHandler) Grant(ctx context.Context, req *Request) (*oauth.TokenResponse, *oauth.Error) {
	authReqID := req.Form.Get("auth_req_id")
	if authReqID == "" {
		return nil, oauth.ErrInvalidRequest("auth_req_id is required")
	}
	now := h.minter.clock()

	cr, err := h.store.GetCIBARequest(ctx, authReqID)
	if err != nil {
		return nil, oauth.ErrInvalidGrant("auth_req_id is invalid")
	}
	if cr.TenantID != req.TenantID || cr.ClientID != req.Client.ID {
		return nil, oauth.ErrInvalidGrant("auth_req_id was issued to a different client")
	}
	if now.After(cr.ExpiresAt) {
		cr.Status = storage.CIBAExpired
		_ = h.store.UpdateCIBARequest(ctx, cr)
		return nil, oauth.ErrExpiredToken()
	}

	switch cr.Status {
	case storage.CIBAPending:
		if !cr.LastPolledAt.IsZero() && now.Sub(cr.LastPolledAt) < time.Duration(cr.Interval)*time.Second {
			cr.LastPolledAt = now
			_ = h.store.UpdateCIBARequest(ctx, cr)
			return nil, oauth.ErrSlowDown()
		}
		cr.LastPolledAt = now
		_ = h.store.UpdateCIBARequest(ctx, cr)
		return nil, oauth.ErrAuthorizationPending()

	case storage.CIBADenied:
		_ = h.store.RemoveCIBARequest(ctx, authReqID)
		return nil, oauth.ErrAccessDenied("the user denied the request")

	case storage.CIBAExpired:
		return nil, oauth.ErrExpiredToken()

	case storage.CIBAConsumed:
		return nil, oauth.ErrInvalidGrant("auth_req_id has already been used")

	case storage.CIBAApproved:
		cr.Status = storage.CIBAConsumed
		if err := h.store.UpdateCIBARequest(ctx, cr); err != nil {
			return nil, oauth.ErrServerError("consuming backchannel request")
		}
		return h.issueForCIBA(ctx, req, cr)

	default:
		return nil, oauth.ErrInvalidGrant("auth_req_id is in an unknown state")
	}
}

func (h *cibaHandler) issueForCIBA(ctx context.Context, req *Request, cr *storage.CIBARequest) (*oauth.TokenResponse, *oauth.Error) {
	u, oerr := h.minter.checkUser(ctx, req.TenantID, cr.SubjectID, req.Client)
	if oerr != nil {
		return nil, oerr
	}
	return h.minter.issue(ctx, req.TenantID, issuance{
		Client:         req.Client,
		SubjectID:      cr.SubjectID,
		Scopes:         cr.Scopes,
		ProfileClaims:  user.ClaimsForScopes(u, cr.Scopes),
		DPoPThumbprint: req.DPoPThumbprint,
		IncludeRefresh: true,
	})
}
