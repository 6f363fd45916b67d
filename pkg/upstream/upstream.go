// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream federates authentication to external identity providers.
// An OIDC provider discovers its endpoints and validates ID tokens; a plain
// OAuth 2.0 provider uses explicit endpoints and a userinfo call. The
// external_idp journey step drives both through the Provider interface.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	gkerrors "github.com/gatekeyd/gatekey/pkg/errors"
	oauthwire "github.com/gatekeyd/gatekey/pkg/oauth"
)

// ProviderType identifies the kind of upstream provider.
type ProviderType string

// Provider types.
const (
	// TypeOIDC providers support discovery and return a verified ID token.
	TypeOIDC ProviderType = "oidc"

	// TypeOAuth2 providers use explicit endpoints and a userinfo call.
	TypeOAuth2 ProviderType = "oauth2"
)

// Config describes one upstream identity provider.
type Config struct {
	// Name is the provider's identifier referenced by journey steps and
	// recorded as the idp claim.
	Name string `json:"name"`

	Type ProviderType `json:"type"`

	// Issuer is the OIDC issuer; endpoints are discovered from
	// {issuer}/.well-known/openid-configuration.
	Issuer string `json:"issuer,omitempty"`

	// AuthorizeURL, TokenURL, and UserinfoURL configure plain OAuth 2.0
	// providers that have no discovery document.
	AuthorizeURL string `json:"authorize_url,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	UserinfoURL  string `json:"userinfo_url,omitempty"`

	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes,omitempty"`

	// ClaimMappings renames upstream claims into local ones
	// (upstream claim -> local claim). Unmapped claims are dropped except
	// for the standard profile set.
	ClaimMappings map[string]string `json:"claim_mappings,omitempty"`
}

// Validate checks the config for the fields its type requires.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("upstream provider name is required")
	}
	if c.ClientID == "" {
		return errors.New("upstream provider client_id is required")
	}
	switch c.Type {
	case TypeOIDC:
		if c.Issuer == "" {
			return errors.New("issuer is required for oidc providers")
		}
	case TypeOAuth2:
		if c.AuthorizeURL == "" || c.TokenURL == "" {
			return errors.New("authorize_url and token_url are required for oauth2 providers")
		}
	default:
		return fmt.Errorf("unknown upstream provider type %q", c.Type)
	}
	return nil
}

// Identity is what an upstream authentication produced.
type Identity struct {
	// Subject is the upstream subject identifier.
	Subject string

	// Claims holds the mapped claims (email, name, ...).
	Claims oauthwire.Claims
}

// Provider is one upstream identity provider.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// AuthorizationURL builds the redirect that starts the upstream
	// authentication.
	AuthorizationURL(state, nonce, redirectURI string) string

	// Exchange redeems the callback code and resolves the user's upstream
	// identity.
	Exchange(ctx context.Context, code, nonce, redirectURI string) (*Identity, error)
}

// standardProfileClaims pass through without an explicit mapping.
var standardProfileClaims = map[string]bool{
	"email": true, "email_verified": true, "name": true,
	"given_name": true, "family_name": true, "preferred_username": true,
	"picture": true, "locale": true, "phone_number": true,
}

// mapClaims applies the config's claim mappings to raw upstream claims.
func mapClaims(raw map[string]any, mappings map[string]string) oauthwire.Claims {
	out := oauthwire.Claims{}
	for k, v := range raw {
		if local, ok := mappings[k]; ok {
			out[local] = v
			continue
		}
		if standardProfileClaims[k] {
			out[k] = v
		}
	}
	return out
}

// oidcProvider is a discovery-based provider backed by go-oidc.
type oidcProvider struct {
	name     string
	cfg      oauth2.Config
	verifier *oidc.IDTokenVerifier
	mappings map[string]string
}

// NewOIDCProvider discovers the issuer's endpoints and builds a provider
// that validates the returned ID token.
func NewOIDCProvider(ctx context.Context, config *Config, httpClient *http.Client) (Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	discovered, err := oidc.NewProvider(ctx, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering upstream issuer %s: %w", config.Issuer, err)
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &oidcProvider{
		name: config.Name,
		cfg: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     discovered.Endpoint(),
			Scopes:       scopes,
		},
		verifier: discovered.Verifier(&oidc.Config{ClientID: config.ClientID}),
		mappings: config.ClaimMappings,
	}, nil
}

func (p *oidcProvider) Name() string {
	return p.name
}

func (p *oidcProvider) AuthorizationURL(state, nonce, redirectURI string) string {
	cfg := p.cfg
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state, oidc.Nonce(nonce))
}

func (p *oidcProvider) Exchange(ctx context.Context, code, nonce, redirectURI string) (*Identity, error) {
	cfg := p.cfg
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging upstream code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("upstream token response carries no id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying upstream id_token: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, errors.New("upstream id_token nonce mismatch")
	}

	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("decoding upstream id_token claims: %w", err)
	}
	return &Identity{Subject: idToken.Subject, Claims: mapClaims(raw, p.mappings)}, nil
}

// oauth2Provider is an explicit-endpoint provider; identity comes from the
// userinfo endpoint.
type oauth2Provider struct {
	name        string
	cfg         oauth2.Config
	userinfoURL string
	mappings    map[string]string
	httpClient  *http.Client
}

// NewOAuth2Provider builds a provider for an IdP without discovery.
func NewOAuth2Provider(config *Config, httpClient *http.Client) (Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}
	return &oauth2Provider{
		name: config.Name,
		cfg: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthorizeURL,
				TokenURL: config.TokenURL,
			},
			Scopes: config.Scopes,
		},
		userinfoURL: config.UserinfoURL,
		mappings:    config.ClaimMappings,
		httpClient:  httpClient,
	}, nil
}

func (p *oauth2Provider) Name() string {
	return p.name
}

func (p *oauth2Provider) AuthorizationURL(state, _, redirectURI string) string {
	cfg := p.cfg
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state)
}

func (p *oauth2Provider) Exchange(ctx context.Context, code, _, redirectURI string) (*Identity, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	cfg := p.cfg
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging upstream code: %w", err)
	}
	if p.userinfoURL == "" {
		return nil, errors.New("oauth2 provider has no userinfo_url to resolve identity")
	}

	raw, err := fetchUserinfo(ctx, cfg.Client(ctx, tok), p.userinfoURL)
	if err != nil {
		return nil, err
	}
	sub, _ := raw["sub"].(string)
	if sub == "" {
		// Some providers use id instead of sub.
		sub = fmt.Sprint(raw["id"])
	}
	if sub == "" || sub == "<nil>" {
		return nil, errors.New("upstream userinfo response carries no subject")
	}
	return &Identity{Subject: sub, Claims: mapClaims(raw, p.mappings)}, nil
}

func fetchUserinfo(ctx context.Context, client *http.Client, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching upstream userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream userinfo returned status %d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding upstream userinfo: %w", err)
	}
	return raw, nil
}

// Registry resolves upstream providers per tenant.
type Registry interface {
	// GetProvider returns the named provider for the tenant.
	GetProvider(ctx context.Context, tenantID, name string) (Provider, error)
}

//go:generate mockgen -destination=mocks/mock_upstream.go -package=mocks -source=upstream.go Registry

// MemoryRegistry is an in-memory Registry. Providers registered without a
// tenant id are shared across tenants.
type MemoryRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{providers: make(map[string]Provider)}
}

func providerKey(tenantID, name string) string {
	return tenantID + "\x00" + strings.ToLower(name)
}

// Register adds a provider for the tenant ("" for shared).
func (r *MemoryRegistry) Register(tenantID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerKey(tenantID, p.Name())] = p
}

// GetProvider implements Registry; tenant-scoped providers shadow shared
// ones.
func (r *MemoryRegistry) GetProvider(_ context.Context, tenantID, name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[providerKey(tenantID, name)]; ok {
		return p, nil
	}
	if p, ok := r.providers[providerKey("", name)]; ok {
		return p, nil
	}
	return nil, gkerrors.NewNotFoundError(fmt.Sprintf("upstream provider %q not found", name), nil)
}

var _ Registry = (*MemoryRegistry)(nil)
