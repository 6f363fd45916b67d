// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"

	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// clientCredentialsHandler implements RFC 6749 Section 4.4. There is no
// subject: the token's sub is the client itself, and identity scopes plus
// offline_access are stripped from the default scope set.
type clientCredentialsHandler struct {
	minter *minter
}

func (h *clientCredentialsHandler) Grant(ctx context.Context, req *Request) (*oauth.TokenResponse, *oauth.Error) {
	if req.Client.Public {
		return nil, oauth.ErrUnauthorizedClient("public clients may not use client_credentials")
	}

	scopes := oauth.ParseScopes(req.Form.Get("scope"))
	if len(scopes) == 0 {
		scopes = machineScopes(req.Client.AllowedScopes)
	} else {
		if !req.Client.ScopesAllowed(scopes) {
			return nil, oauth.ErrInvalidScope("requested scope exceeds the client's allowed scopes")
		}
		for _, s := range scopes {
			if identityScopes[s] || s == oauth.ScopeOfflineAccess {
				return nil, oauth.ErrInvalidScope("identity scopes are not valid for client_credentials")
			}
		}
	}

	return h.minter.issue(ctx, req.TenantID, issuance{
		Client:         req.Client,
		Scopes:         scopes,
		DPoPThumbprint: req.DPoPThumbprint,
	})
}

// machineScopes filters a scope set down to what a subject-less token may
// carry.
func machineScopes(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, s := range allowed {
		if identityScopes[s] || s == oauth.ScopeOfflineAccess {
			continue
		}
		out = append(out, s)
	}
	return out
}
