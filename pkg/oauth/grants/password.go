// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// PasswordValidator checks resource-owner credentials. The default
// implementation is the user service; deployments may substitute their own
// (e.g. LDAP bind).
type PasswordValidator interface {
	ValidatePassword(ctx context.Context, tenantID, username, password string) (*user.User, error)
}

// passwordHandler implements the deprecated resource owner password
// credentials grant (RFC 6749 Section 4.3). Kept for legacy clients; the
// grant must be explicitly allowed on the client.
type passwordHandler struct {
	minter    *minter
	validator PasswordValidator
}

func (h *passwordHandler) Grant(ctx context.Context, req *Request) (*oauth.TokenResponse, *oauth.Error) {
	username := req.Form.Get("username")
	password := req.Form.Get("password")
	if username == "" || password == "" {
		return nil, oauth.ErrInvalidRequest("username and password are required")
	}

	u, err := h.validate(ctx, req.TenantID, username, password)
	if err != nil {
		var cerr user.CredentialError
		if errors.As(err, &cerr) && cerr == user.CredentialLockedOut {
			logger.Warnw("password grant for locked-out account",
				"tenant", req.TenantID,
				"client_id", req.Client.ID,
			)
			return nil, oauth.ErrInvalidGrant("the account is temporarily locked")
		}
		// Do not disclose whether the username exists.
		return nil, oauth.ErrInvalidGrant("invalid username or password")
	}

	if u.MFARequired {
		return nil, oauth.ErrInvalidGrant("the account requires multi-factor authentication")
	}
	if !req.Client.UserAllowed(u.SubjectID, u.Roles) {
		return nil, oauth.ErrInvalidGrant("the user may not use this client")
	}

	scopes := oauth.ParseScopes(req.Form.Get("scope"))
	if len(scopes) > 0 && !req.Client.ScopesAllowed(scopes) {
		return nil, oauth.ErrInvalidScope("requested scope exceeds the client's allowed scopes")
	}

	return h.minter.issue(ctx, req.TenantID, issuance{
		Client:         req.Client,
		SubjectID:      u.SubjectID,
		SessionID:      uuid.NewString(),
		Scopes:         scopes,
		ProfileClaims:  user.ClaimsForScopes(u, scopes),
		AuthTime:       h.minter.clock(),
		AMR:            []string{"pwd"},
		DPoPThumbprint: req.DPoPThumbprint,
		IncludeRefresh: true,
	})
}

func (h *passwordHandler) validate(ctx context.Context, tenantID, username, password string) (*user.User, error) {
	if h.validator != nil {
		return h.validator.ValidatePassword(ctx, tenantID, username, password)
	}
	return h.minter.users.ValidateCredentials(ctx, tenantID, username, password)
}
