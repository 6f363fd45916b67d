// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/oauth/pkce"
)

// Error is an authorization-endpoint error. RedirectValidated reports
// whether the redirect_uri passed registration checks before the error
// occurred; only then — and only for whitelisted codes — may the error be
// delivered by redirect.
type Error struct {
	*oauth.Error

	RedirectValidated bool
	RedirectURI       string
	State             string
	ResponseMode      string
}

// Redirectable reports whether this error may be sent to the redirect_uri.
func (e *Error) Redirectable() bool {
	return e.RedirectValidated && e.RedirectURI != "" && e.SafeToRedirect()
}

// Validator checks authorization requests against the client registration.
type Validator struct {
	clients oauth.ClientRegistry
}

// NewValidator creates a Validator over the client registry.
func NewValidator(clients oauth.ClientRegistry) *Validator {
	return &Validator{clients: clients}
}

// Validate resolves and checks the request's client, redirect URI, response
// type, scopes, and PKCE parameters. On failure the returned Error states
// whether the redirect URI had been validated.
func (v *Validator) Validate(ctx context.Context, req *Request) (*oauth.Client, *Error) {
	fail := func(oe *oauth.Error, redirectValidated bool) *Error {
		return &Error{
			Error:             oe,
			RedirectValidated: redirectValidated,
			RedirectURI:       req.RedirectURI,
			State:             req.State,
			ResponseMode:      req.ResponseMode,
		}
	}

	if req.ClientID == "" {
		return nil, fail(oauth.ErrInvalidRequest("client_id is required"), false)
	}

	client, err := v.clients.GetClient(ctx, req.TenantID, req.ClientID)
	if err != nil {
		logger.Warnw("authorize request for unknown client",
			"tenant", req.TenantID,
			"client_id", req.ClientID,
		)
		return nil, fail(oauth.ErrInvalidRequest("unknown client"), false)
	}

	if req.RedirectURI == "" {
		return nil, fail(oauth.ErrInvalidRequest("redirect_uri is required"), false)
	}
	if !client.RedirectURIAllowed(req.RedirectURI) {
		logger.Warnw("authorize request with unregistered redirect_uri",
			"tenant", req.TenantID,
			"client_id", req.ClientID,
		)
		return nil, fail(oauth.ErrInvalidRequest("redirect_uri does not match a registered URI"), false)
	}

	// The redirect URI is validated; errors from here on may be redirected.

	if req.ResponseType != oauth.ResponseTypeCode {
		return nil, fail(oauth.NewError(oauth.ErrCodeUnsupportedResponseType,
			"only response_type=code is supported"), true)
	}
	if !client.GrantTypeAllowed(oauth.GrantTypeAuthorizationCode) {
		return nil, fail(oauth.ErrUnauthorizedClient(
			"client may not use the authorization_code grant"), true)
	}
	if rm := req.ResponseMode; rm != "" && rm != oauth.ResponseModeQuery && rm != oauth.ResponseModeFragment {
		return nil, fail(oauth.ErrInvalidRequest("unsupported response_mode"), true)
	}

	if len(req.Scopes) == 0 {
		return nil, fail(oauth.ErrInvalidScope("scope is required"), true)
	}
	if !client.ScopesAllowed(req.Scopes) {
		return nil, fail(oauth.ErrInvalidScope("requested scope exceeds the client's allowed scopes"), true)
	}

	if client.RequirePAR && !req.ViaPAR {
		return nil, fail(oauth.ErrInvalidRequest(
			"client requires pushed authorization requests"), true)
	}

	needPKCE := client.RequirePKCE || client.Public
	if needPKCE || req.CodeChallenge != "" {
		if err := pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod, client.AllowPlainPKCE); err != nil {
			return nil, fail(oauth.ErrInvalidRequest(err.Error()), true)
		}
	}

	return client, nil
}
