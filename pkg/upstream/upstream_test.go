// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package upstream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/upstream"
	"github.com/gatekeyd/gatekey/pkg/upstream/mocks"
)

const testRedirectURI = "https://id.example.com/journey/j-1/callback"

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  upstream.Config
		wantErr string
	}{
		{
			name: "valid oidc",
			config: upstream.Config{
				Name: "corp-idp", Type: upstream.TypeOIDC,
				Issuer: "https://idp.example.com", ClientID: "gatekey",
			},
		},
		{
			name: "valid oauth2",
			config: upstream.Config{
				Name: "legacy", Type: upstream.TypeOAuth2, ClientID: "gatekey",
				AuthorizeURL: "https://idp.example.com/authorize",
				TokenURL:     "https://idp.example.com/token",
			},
		},
		{
			name:    "missing name",
			config:  upstream.Config{Type: upstream.TypeOIDC, Issuer: "https://idp.example.com", ClientID: "gatekey"},
			wantErr: "name is required",
		},
		{
			name:    "missing client id",
			config:  upstream.Config{Name: "corp-idp", Type: upstream.TypeOIDC, Issuer: "https://idp.example.com"},
			wantErr: "client_id is required",
		},
		{
			name:    "oidc without issuer",
			config:  upstream.Config{Name: "corp-idp", Type: upstream.TypeOIDC, ClientID: "gatekey"},
			wantErr: "issuer is required",
		},
		{
			name: "oauth2 without endpoints",
			config: upstream.Config{
				Name: "legacy", Type: upstream.TypeOAuth2, ClientID: "gatekey",
				AuthorizeURL: "https://idp.example.com/authorize",
			},
			wantErr: "token_url are required",
		},
		{
			name:    "unknown type",
			config:  upstream.Config{Name: "corp-idp", Type: "saml", ClientID: "gatekey"},
			wantErr: "unknown upstream provider type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// startMockIDP runs a mock OIDC issuer with one queued user.
func startMockIDP(t *testing.T) *mockoidc.MockOIDC {
	t.Helper()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown())
	})

	m.QueueUser(&mockoidc.MockUser{
		Subject: "upstream-sub-1",
		Email:   "federated@example.com",
	})
	return m
}

// noRedirectClient stops at the first redirect so the test can inspect it.
func noRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestOIDCProviderRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := startMockIDP(t)
	provider, err := upstream.NewOIDCProvider(ctx, &upstream.Config{
		Name:         "corp-idp",
		Type:         upstream.TypeOIDC,
		Issuer:       m.Issuer(),
		ClientID:     m.Config().ClientID,
		ClientSecret: m.Config().ClientSecret,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "corp-idp", provider.Name())

	authURL := provider.AuthorizationURL("state-1", "nonce-1", testRedirectURI)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "state-1", parsed.Query().Get("state"))
	assert.Equal(t, "nonce-1", parsed.Query().Get("nonce"))
	assert.Equal(t, testRedirectURI, parsed.Query().Get("redirect_uri"))

	// The mock issuer authenticates the queued user and redirects straight
	// back with a code.
	resp, err := noRedirectClient().Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := resp.Location()
	require.NoError(t, err)
	assert.Equal(t, "state-1", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	identity, err := provider.Exchange(ctx, code, "nonce-1", testRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "upstream-sub-1", identity.Subject)
	assert.Equal(t, "federated@example.com", identity.Claims.GetString("email"))
}

func TestOIDCProviderRejectsBadCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := startMockIDP(t)
	provider, err := upstream.NewOIDCProvider(ctx, &upstream.Config{
		Name:         "corp-idp",
		Type:         upstream.TypeOIDC,
		Issuer:       m.Issuer(),
		ClientID:     m.Config().ClientID,
		ClientSecret: m.Config().ClientSecret,
	}, nil)
	require.NoError(t, err)

	_, err = provider.Exchange(ctx, "no-such-code", "", testRedirectURI)
	require.Error(t, err)
}

func TestOIDCProviderDiscoveryFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := upstream.NewOIDCProvider(context.Background(), &upstream.Config{
		Name:     "broken",
		Type:     upstream.TypeOIDC,
		Issuer:   srv.URL,
		ClientID: "gatekey",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovering upstream issuer")
}

// fakeOAuth2IDP serves a token endpoint and a userinfo endpoint for the
// plain OAuth 2.0 provider.
func fakeOAuth2IDP(t *testing.T, userinfo map[string]any) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" && r.FormValue("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(userinfo)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOAuth2ProviderExchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := fakeOAuth2IDP(t, map[string]any{
		"sub":            "ext-42",
		"email":          "federated@example.com",
		"name":           "Fed User",
		"favorite_color": "green",
	})

	provider, err := upstream.NewOAuth2Provider(&upstream.Config{
		Name:          "legacy",
		Type:          upstream.TypeOAuth2,
		ClientID:      "gatekey",
		ClientSecret:  "s3cret",
		AuthorizeURL:  srv.URL + "/authorize",
		TokenURL:      srv.URL + "/token",
		UserinfoURL:   srv.URL + "/userinfo",
		ClaimMappings: map[string]string{"favorite_color": "color"},
	}, nil)
	require.NoError(t, err)

	authURL := provider.AuthorizationURL("state-2", "", testRedirectURI)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "gatekey", parsed.Query().Get("client_id"))
	assert.Equal(t, "state-2", parsed.Query().Get("state"))

	identity, err := provider.Exchange(ctx, "good-code", "", testRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "ext-42", identity.Subject)
	assert.Equal(t, "federated@example.com", identity.Claims.GetString("email"))
	assert.Equal(t, "Fed User", identity.Claims.GetString("name"))

	// Mapped claims are renamed; unmapped non-standard claims are dropped.
	assert.Equal(t, "green", identity.Claims.GetString("color"))
	assert.NotContains(t, identity.Claims, "favorite_color")
}

func TestOAuth2ProviderNumericID(t *testing.T) {
	t.Parallel()

	srv := fakeOAuth2IDP(t, map[string]any{
		"id":    42,
		"email": "numeric@example.com",
	})

	provider, err := upstream.NewOAuth2Provider(&upstream.Config{
		Name:         "legacy",
		Type:         upstream.TypeOAuth2,
		ClientID:     "gatekey",
		AuthorizeURL: srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		UserinfoURL:  srv.URL + "/userinfo",
	}, nil)
	require.NoError(t, err)

	identity, err := provider.Exchange(context.Background(), "good-code", "", testRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "42", identity.Subject)
}

func TestOAuth2ProviderMissingSubject(t *testing.T) {
	t.Parallel()

	srv := fakeOAuth2IDP(t, map[string]any{"email": "nosub@example.com"})

	provider, err := upstream.NewOAuth2Provider(&upstream.Config{
		Name:         "legacy",
		Type:         upstream.TypeOAuth2,
		ClientID:     "gatekey",
		AuthorizeURL: srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		UserinfoURL:  srv.URL + "/userinfo",
	}, nil)
	require.NoError(t, err)

	_, err = provider.Exchange(context.Background(), "good-code", "", testRedirectURI)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subject")
}

func TestMemoryRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	shared := mocks.NewMockProvider(ctrl)
	shared.EXPECT().Name().Return("corp-idp").AnyTimes()
	scoped := mocks.NewMockProvider(ctrl)
	scoped.EXPECT().Name().Return("corp-idp").AnyTimes()

	registry := upstream.NewMemoryRegistry()
	registry.Register("", shared)
	registry.Register("acme", scoped)

	// Tenant-scoped providers shadow shared ones.
	got, err := registry.GetProvider(ctx, "acme", "corp-idp")
	require.NoError(t, err)
	assert.Same(t, scoped, got)

	got, err = registry.GetProvider(ctx, "other", "corp-idp")
	require.NoError(t, err)
	assert.Same(t, shared, got)

	// Lookups are case-insensitive on the provider name.
	got, err = registry.GetProvider(ctx, "other", "Corp-IDP")
	require.NoError(t, err)
	assert.Same(t, shared, got)

	_, err = registry.GetProvider(ctx, "acme", "unknown")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
