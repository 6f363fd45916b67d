// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/oauth/pkce"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// authorizationCodeHandler exchanges a single-use authorization code for
// tokens (RFC 6749 Section 4.1.3), with PKCE verification and replay-driven
// family revocation.
type authorizationCodeHandler struct {
	store  storage.Storage
	minter *minter
}

func (h *authorizationCodeHandler) Grant(ctx context.Context, req *Request) (*oauth.TokenResponse, *oauth.Error) {
	codeValue := req.Form.Get("code")
	if codeValue == "" {
		return nil, oauth.ErrInvalidRequest("code is required")
	}

	code, err := h.store.ConsumeAuthorizationCode(ctx, codeValue)
	if errors.Is(err, storage.ErrAlreadyConsumed) {
		// Replay. Revoke everything sharing the code's grant family before
		// answering.
		logger.Warnw("authorization code replayed",
			"tenant", code.TenantID,
			"client_id", code.ClientID,
		)
		h.minter.revokeFamily(ctx, code.TenantID, code.SubjectID, code.ClientID, code.SessionID)
		return nil, oauth.ErrInvalidGrant("authorization code has already been used")
	}
	if err != nil {
		return nil, oauth.ErrInvalidGrant("authorization code is invalid or expired")
	}

	if code.TenantID != req.TenantID || code.ClientID != req.Client.ID {
		return nil, oauth.ErrInvalidGrant("authorization code was issued to a different client")
	}
	if code.RedirectURI != req.Form.Get("redirect_uri") {
		return nil, oauth.ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if code.CodeChallenge != "" || req.Client.RequirePKCE || req.Client.Public {
		if code.CodeChallenge == "" {
			return nil, oauth.ErrInvalidGrant("authorization code was issued without a PKCE challenge")
		}
		if err := pkce.VerifyVerifier(req.Form.Get("code_verifier"), code.CodeChallenge, code.CodeChallengeMethod); err != nil {
			return nil, oauth.ErrInvalidGrant(err.Error())
		}
	}

	u, oerr := h.minter.checkUser(ctx, req.TenantID, code.SubjectID, req.Client)
	if oerr != nil {
		return nil, oerr
	}

	profile := code.ClaimsSnapshot
	if len(profile) == 0 {
		profile = user.ClaimsForScopes(u, code.Scopes)
	}

	return h.minter.issue(ctx, req.TenantID, issuance{
		Client:         req.Client,
		SubjectID:      code.SubjectID,
		SessionID:      code.SessionID,
		Scopes:         code.Scopes,
		ProfileClaims:  profile,
		Nonce:          code.Nonce,
		AuthTime:       code.AuthTime,
		AMR:            code.AMR,
		ACR:            code.ACR,
		DPoPThumbprint: req.DPoPThumbprint,
		IncludeRefresh: true,
	})
}
