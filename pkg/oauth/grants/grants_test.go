// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/keys"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/oauth/pkce"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/token"
	"github.com/gatekeyd/gatekey/pkg/user"
)

const testIssuer = "https://id.example.com"

type grantFixture struct {
	registry *Registry
	store    *storage.MemoryStorage
	users    *user.MemoryService
	tokens   *token.Service
	client   *oauth.Client
	subject  *user.User

	// now is the fixture clock; tests advance it directly.
	now time.Time
}

func newGrantFixture(t *testing.T, mutate func(*oauth.Client)) *grantFixture {
	t.Helper()

	f := &grantFixture{
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.store = storage.NewMemoryStorage(storage.WithClock(clock))
	t.Cleanup(func() { _ = f.store.Close() })

	f.users = user.NewMemoryService(user.WithClock(clock))
	subject, err := f.users.CreateUser(context.Background(), &user.User{
		TenantID:      "acme",
		Username:      "alice",
		Email:         "alice@example.com",
		EmailVerified: true,
		Active:        true,
	})
	require.NoError(t, err)
	require.NoError(t, f.users.SetPassword(context.Background(), "acme", subject.SubjectID, "correct horse"))
	f.subject = subject

	f.tokens = token.NewService(testIssuer, keys.NewService(keys.NewMemoryProvider()), token.WithClock(clock))

	f.client = &oauth.Client{
		TenantID:     "acme",
		ID:           "web-app",
		SecretHash:   oauth.HashSecret("s3cret"),
		RedirectURIs: []string{"https://app.example.com/callback"},
		AllowedScopes: []string{
			"openid", "profile", "email", "offline_access", "api.read", "api.write",
		},
		AllowedGrantTypes: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
			oauth.GrantTypeClientCredentials,
			oauth.GrantTypeDeviceCode,
			oauth.GrantTypePassword,
			oauth.GrantTypeCIBA,
			oauth.GrantTypeTokenExchange,
		},
	}
	if mutate != nil {
		mutate(f.client)
	}

	f.registry = NewRegistry(f.store, f.users, f.tokens, WithRegistryClock(clock))
	return f
}

func (f *grantFixture) request(form url.Values) *Request {
	return &Request{TenantID: "acme", Client: f.client, Form: form}
}

// seedCode stores an authorization code bound to the fixture subject.
func (f *grantFixture) seedCode(t *testing.T, challenge string) *storage.AuthorizationCode {
	t.Helper()
	value, err := oauth.NewOpaqueToken()
	require.NoError(t, err)

	code := &storage.AuthorizationCode{
		Code:           value,
		TenantID:       "acme",
		ClientID:       f.client.ID,
		SubjectID:      f.subject.SubjectID,
		RedirectURI:    "https://app.example.com/callback",
		Scopes:         []string{"openid", "profile", "offline_access"},
		Nonce:          "n-1",
		SessionID:      "sess-1",
		AuthTime:       f.now.Add(-time.Minute),
		AMR:            []string{"pwd"},
		ClaimsSnapshot: oauth.Claims{"name": "Alice Example", "preferred_username": "alice"},
		CreatedAt:      f.now,
		ExpiresAt:      f.now.Add(5 * time.Minute),
	}
	if challenge != "" {
		code.CodeChallenge = challenge
		code.CodeChallengeMethod = pkce.MethodS256
	}
	require.NoError(t, f.store.PutAuthorizationCode(context.Background(), code))
	return code
}

func TestAuthorizationCodeGrant(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	verifier := pkce.GenerateVerifier()
	code := f.seedCode(t, pkce.ComputeChallenge(verifier))

	resp, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(url.Values{
		"code":          {code.Code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	}))
	require.Nil(t, oerr)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "openid profile offline_access", resp.Scope)

	claims, err := f.tokens.Verify(ctx, "acme", resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.subject.SubjectID, claims.GetString("sub"))
	assert.Equal(t, "sess-1", claims.GetString("sid"))

	idClaims, err := f.tokens.Verify(ctx, "acme", resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "n-1", idClaims.GetString("nonce"))
	assert.Equal(t, []string{"pwd"}, idClaims.GetStrings("amr"))
	assert.Equal(t, "Alice Example", idClaims.GetString("name"))
}

func TestAuthorizationCodeReplayRevokesFamily(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	code := f.seedCode(t, "")
	form := url.Values{
		"code":         {code.Code},
		"redirect_uri": {"https://app.example.com/callback"},
	}

	resp, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(form))
	require.Nil(t, oerr)
	require.NotEmpty(t, resp.RefreshToken)

	// Replaying the consumed code fails and takes the refresh grant with it.
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(form))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)

	_, err := f.store.GetRefreshGrant(ctx, resp.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	revoked, err := f.store.IsSessionRevoked(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestAuthorizationCodeRejections(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	verifier := pkce.GenerateVerifier()

	tests := []struct {
		name string
		form func() url.Values
	}{
		{
			name: "wrong redirect_uri",
			form: func() url.Values {
				code := f.seedCode(t, "")
				return url.Values{
					"code":         {code.Code},
					"redirect_uri": {"https://app.example.com/other"},
				}
			},
		},
		{
			name: "wrong verifier",
			form: func() url.Values {
				code := f.seedCode(t, pkce.ComputeChallenge(verifier))
				return url.Values{
					"code":          {code.Code},
					"redirect_uri":  {"https://app.example.com/callback"},
					"code_verifier": {pkce.GenerateVerifier()},
				}
			},
		},
		{
			name: "missing verifier",
			form: func() url.Values {
				code := f.seedCode(t, pkce.ComputeChallenge(verifier))
				return url.Values{
					"code":         {code.Code},
					"redirect_uri": {"https://app.example.com/callback"},
				}
			},
		},
		{
			name: "unknown code",
			form: func() url.Values {
				return url.Values{
					"code":         {"nope"},
					"redirect_uri": {"https://app.example.com/callback"},
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(tc.form()))
			require.NotNil(t, oerr)
			assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
		})
	}
}

func TestExpiredCodeRejected(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	code := f.seedCode(t, "")
	f.now = f.now.Add(6 * time.Minute)

	_, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(url.Values{
		"code":         {code.Code},
		"redirect_uri": {"https://app.example.com/callback"},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestInactiveUserDeniedTokens(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	f.subject.Active = false
	require.NoError(t, f.users.UpdateUser(ctx, f.subject))

	code := f.seedCode(t, "")
	_, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(url.Values{
		"code":         {code.Code},
		"redirect_uri": {"https://app.example.com/callback"},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestRefreshTokenRotation(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	code := f.seedCode(t, "")
	first, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(url.Values{
		"code":         {code.Code},
		"redirect_uri": {"https://app.example.com/callback"},
	}))
	require.Nil(t, oerr)

	second, oerr := f.registry.Handle(ctx, oauth.GrantTypeRefreshToken, f.request(url.Values{
		"refresh_token": {first.RefreshToken},
	}))
	require.Nil(t, oerr)
	require.NotEmpty(t, second.RefreshToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the rotated-out token revokes the whole family.
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeRefreshToken, f.request(url.Values{
		"refresh_token": {first.RefreshToken},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)

	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeRefreshToken, f.request(url.Values{
		"refresh_token": {second.RefreshToken},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestRefreshReuseModeWithSlidingExpiration(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, func(c *oauth.Client) {
		c.RefreshTokenUsage = oauth.RefreshUsageReUse
		c.RefreshTokenExpiration = oauth.RefreshExpirationSliding
		c.SlidingRefreshLifetime = 24 * time.Hour
		c.AbsoluteRefreshLifetime = 72 * time.Hour
	})
	ctx := context.Background()

	code := f.seedCode(t, "")
	first, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(url.Values{
		"code":         {code.Code},
		"redirect_uri": {"https://app.example.com/callback"},
	}))
	require.Nil(t, oerr)

	f.now = f.now.Add(12 * time.Hour)
	resp, oerr := f.registry.Handle(ctx, oauth.GrantTypeRefreshToken, f.request(url.Values{
		"refresh_token": {first.RefreshToken},
	}))
	require.Nil(t, oerr)
	// ReUse mode returns the same token, with its expiration extended.
	assert.Equal(t, first.RefreshToken, resp.RefreshToken)

	grant, err := f.store.GetRefreshGrant(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(24*time.Hour), grant.ExpiresAt)

	// The extension never exceeds the absolute cap.
	f.now = f.now.Add(58 * time.Hour)
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeRefreshToken, f.request(url.Values{
		"refresh_token": {first.RefreshToken},
	}))
	require.Nil(t, oerr)
	grant, err = f.store.GetRefreshGrant(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, grant.AbsoluteExpiresAt, grant.ExpiresAt)
}

func TestRefreshScopeNarrowing(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	code := f.seedCode(t, "")
	first, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, f.request(url.Values{
		"code":         {code.Code},
		"redirect_uri": {"https://app.example.com/callback"},
	}))
	require.Nil(t, oerr)

	resp, oerr := f.registry.Handle(ctx, oauth.GrantTypeRefreshToken, f.request(url.Values{
		"refresh_token": {first.RefreshToken},
		"scope":         {"openid profile"},
	}))
	require.Nil(t, oerr)
	assert.Equal(t, "openid profile", resp.Scope)

	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeRefreshToken, f.request(url.Values{
		"refresh_token": {resp.RefreshToken},
		"scope":         {"openid api.write"},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidScope, oerr.Code)
}

func TestClientCredentialsGrant(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	resp, oerr := f.registry.Handle(ctx, oauth.GrantTypeClientCredentials, f.request(url.Values{}))
	require.Nil(t, oerr)
	// Identity scopes and offline_access are stripped from the default set.
	assert.Equal(t, "api.read api.write", resp.Scope)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.IDToken)

	claims, err := f.tokens.Verify(ctx, "acme", resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.client.ID, claims.GetString("sub"))

	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeClientCredentials, f.request(url.Values{
		"scope": {"openid"},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidScope, oerr.Code)
}

func TestClientCredentialsRejectsPublicClients(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, func(c *oauth.Client) {
		c.Public = true
		c.SecretHash = ""
	})

	_, oerr := f.registry.Handle(context.Background(), oauth.GrantTypeClientCredentials, f.request(url.Values{}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeUnauthorizedClient, oerr.Code)
}

type staticHandler struct {
	resp *oauth.TokenResponse
}

func (h *staticHandler) Grant(context.Context, *Request) (*oauth.TokenResponse, *oauth.Error) {
	return h.resp, nil
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	_, oerr := f.registry.Handle(ctx, "urn:example:unknown", f.request(url.Values{}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeUnsupportedGrantType, oerr.Code)

	narrow := *f.client
	narrow.AllowedGrantTypes = []string{oauth.GrantTypeClientCredentials}
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, &Request{
		TenantID: "acme", Client: &narrow, Form: url.Values{},
	})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeUnauthorizedClient, oerr.Code)

	bound := *f.client
	bound.RequireDPoP = true
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeClientCredentials, &Request{
		TenantID: "acme", Client: &bound, Form: url.Values{},
	})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidDPoPProof, oerr.Code)
}

func TestExtensionGrantsOverrideBuiltins(t *testing.T) {
	t.Parallel()

	canned := &oauth.TokenResponse{AccessToken: "extension", TokenType: "Bearer"}
	f := newGrantFixture(t, func(c *oauth.Client) {
		c.AllowedGrantTypes = append(c.AllowedGrantTypes, "urn:example:custom")
	})
	clock := func() time.Time { return f.now }

	registry := NewRegistry(f.store, f.users, f.tokens,
		WithRegistryClock(clock),
		WithExtensionGrants(map[string]Handler{
			"urn:example:custom":             &staticHandler{resp: canned},
			oauth.GrantTypeClientCredentials: &staticHandler{resp: canned},
		}),
	)

	resp, oerr := registry.Handle(context.Background(), "urn:example:custom", f.request(url.Values{}))
	require.Nil(t, oerr)
	assert.Equal(t, "extension", resp.AccessToken)

	// The extension replaced the built-in client_credentials handler.
	resp, oerr = registry.Handle(context.Background(), oauth.GrantTypeClientCredentials, f.request(url.Values{}))
	require.Nil(t, oerr)
	assert.Equal(t, "extension", resp.AccessToken)
}

func TestDPoPBoundTokens(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	code := f.seedCode(t, "")
	resp, oerr := f.registry.Handle(ctx, oauth.GrantTypeAuthorizationCode, &Request{
		TenantID:       "acme",
		Client:         f.client,
		DPoPThumbprint: "jkt-1",
		Form: url.Values{
			"code":         {code.Code},
			"redirect_uri": {"https://app.example.com/callback"},
		},
	})
	require.Nil(t, oerr)
	assert.Equal(t, "DPoP", resp.TokenType)

	claims, err := f.tokens.Verify(ctx, "acme", resp.AccessToken)
	require.NoError(t, err)
	cnf, ok := claims["cnf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "jkt-1", cnf["jkt"])

	// The refresh grant is bound to the same key; refreshing with a
	// different key fails.
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeRefreshToken, &Request{
		TenantID:       "acme",
		Client:         f.client,
		DPoPThumbprint: "jkt-2",
		Form:           url.Values{"refresh_token": {resp.RefreshToken}},
	})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidDPoPProof, oerr.Code)
}
