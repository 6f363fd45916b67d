// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"time"

	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/token"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// identityScopes never appear on client_credentials tokens: they describe an
// end user and there is none.
var identityScopes = map[string]bool{
	"openid":  true,
	"profile": true,
	"email":   true,
	"phone":   true,
	"address": true,
	"roles":   true,
}

// issuance describes the tokens a successful grant produces.
type issuance struct {
	Client    *oauth.Client
	SubjectID string
	SessionID string
	Scopes    []string

	// AccessClaims are merged into the access token payload.
	AccessClaims oauth.Claims

	// ProfileClaims feed the ID token and are carried on refresh grants.
	ProfileClaims oauth.Claims

	Nonce    string
	AuthTime time.Time
	AMR      []string
	ACR      string

	DPoPThumbprint string

	// IncludeRefresh permits a refresh token when offline_access was granted
	// and the client may use the refresh_token grant.
	IncludeRefresh bool

	// RefreshAbsoluteExpiry carries an existing grant family's absolute cap
	// through rotation; zero means a fresh family.
	RefreshAbsoluteExpiry time.Time
}

// minter turns a finished grant into the wire token response. All handlers
// share it so lifetimes, refresh rotation, and DPoP binding behave uniformly.
type minter struct {
	store  storage.Storage
	users  user.Service
	tokens *token.Service
	clock  func() time.Time
}

func (m *minter) issue(ctx context.Context, tenantID string, in issuance) (*oauth.TokenResponse, *oauth.Error) {
	now := m.clock()
	client := in.Client

	access, err := m.tokens.MintAccessToken(ctx, token.AccessTokenRequest{
		TenantID:       tenantID,
		ClientID:       client.ID,
		SubjectID:      in.SubjectID,
		SessionID:      in.SessionID,
		Scopes:         in.Scopes,
		Claims:         in.AccessClaims,
		DPoPThumbprint: in.DPoPThumbprint,
		Lifetime:       client.AccessLifetime(),
	})
	if err != nil {
		return nil, oauth.ErrServerError("minting access token")
	}

	resp := &oauth.TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(client.AccessLifetime().Seconds()),
		Scope:       oauth.JoinScopes(in.Scopes),
	}
	if in.DPoPThumbprint != "" {
		resp.TokenType = "DPoP"
	}

	if in.SubjectID != "" && oauth.ScopesContain(in.Scopes, oauth.ScopeOpenID) {
		idToken, err := m.tokens.MintIDToken(ctx, token.IDTokenRequest{
			TenantID:  tenantID,
			ClientID:  client.ID,
			SubjectID: in.SubjectID,
			SessionID: in.SessionID,
			Nonce:     in.Nonce,
			AuthTime:  in.AuthTime,
			AMR:       in.AMR,
			ACR:       in.ACR,
			Claims:    in.ProfileClaims,
			Lifetime:  client.IdentityLifetime(),
		})
		if err != nil {
			return nil, oauth.ErrServerError("minting id token")
		}
		resp.IDToken = idToken
	}

	if in.IncludeRefresh &&
		oauth.ScopesContain(in.Scopes, oauth.ScopeOfflineAccess) &&
		client.GrantTypeAllowed(oauth.GrantTypeRefreshToken) {
		refresh, oerr := m.newRefreshGrant(ctx, tenantID, in, now)
		if oerr != nil {
			return nil, oerr
		}
		resp.RefreshToken = refresh
	}

	return resp, nil
}

// newRefreshGrant persists a refresh grant and returns its token value.
func (m *minter) newRefreshGrant(ctx context.Context, tenantID string, in issuance, now time.Time) (string, *oauth.Error) {
	value, err := oauth.NewOpaqueToken()
	if err != nil {
		return "", oauth.ErrServerError("generating refresh token")
	}

	client := in.Client
	absolute := in.RefreshAbsoluteExpiry
	if absolute.IsZero() {
		absolute = now.Add(client.AbsoluteRefresh())
	}
	expires := absolute
	if client.RefreshExpiration() == oauth.RefreshExpirationSliding {
		expires = now.Add(client.SlidingRefresh())
		if expires.After(absolute) {
			expires = absolute
		}
	}

	grant := &storage.RefreshTokenGrant{
		Token:             value,
		TenantID:          tenantID,
		ClientID:          client.ID,
		SubjectID:         in.SubjectID,
		SessionID:         in.SessionID,
		Scopes:            in.Scopes,
		Claims:            in.ProfileClaims,
		DPoPThumbprint:    in.DPoPThumbprint,
		CreatedAt:         now,
		ExpiresAt:         expires,
		AbsoluteExpiresAt: absolute,
		LastUsedAt:        now,
	}
	if err := m.store.PutRefreshGrant(ctx, grant); err != nil {
		return "", oauth.ErrServerError("storing refresh grant")
	}
	return value, nil
}

// revokeFamily removes every grant sharing the (subject, client, session)
// triple and blocks the session's outstanding access tokens. Called on
// replay of a consumed code or refresh token.
func (m *minter) revokeFamily(ctx context.Context, tenantID, subjectID, clientID, sessionID string) {
	_, _ = m.store.RevokeFamily(ctx, storage.GrantFamily{
		TenantID:  tenantID,
		SubjectID: subjectID,
		ClientID:  clientID,
		SessionID: sessionID,
	})
	if sessionID != "" {
		_ = m.store.RevokeSessionID(ctx, sessionID, sessionRevocationTTL)
	}
}

// sessionRevocationTTL must outlast the longest access token lifetime so a
// revoked session's tokens stay rejected until they expire on their own.
const sessionRevocationTTL = 24 * time.Hour

// checkUser resolves the subject and applies the active and allowed-user
// gates shared by all user-facing grants.
func (m *minter) checkUser(ctx context.Context, tenantID, subjectID string, client *oauth.Client) (*user.User, *oauth.Error) {
	u, err := m.users.GetUser(ctx, tenantID, subjectID)
	if err != nil {
		return nil, oauth.ErrInvalidGrant("unknown user")
	}
	if !u.Active {
		return nil, oauth.ErrInvalidGrant("the user account is disabled")
	}
	if !client.UserAllowed(u.SubjectID, u.Roles) {
		return nil, oauth.ErrInvalidGrant("the user may not use this client")
	}
	return u, nil
}
