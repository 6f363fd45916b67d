// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package grants implements the token endpoint: client authentication and
// the grant handler registry dispatching authorization_code, refresh_token,
// client_credentials, device_code, password, CIBA, and token exchange, plus
// caller-supplied extension grants.
package grants

import (
	"context"
	"net/url"
	"time"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/token"
	"github.com/gatekeyd/gatekey/pkg/user"
)

//go:generate mockgen -destination=mocks/mock_grants.go -package=mocks -source=registry.go Handler

// Request is one token-endpoint request after client authentication.
type Request struct {
	TenantID string

	// Client is the authenticated (or validated public) client.
	Client *oauth.Client

	// Form is the parsed request body.
	Form url.Values

	// DPoPThumbprint is the RFC 7638 thumbprint of a validated DPoP proof's
	// key, empty when no proof accompanied the request.
	DPoPThumbprint string
}

// Handler implements a single grant_type.
type Handler interface {
	// Grant exchanges the request for tokens, or an OAuth wire error.
	Grant(ctx context.Context, req *Request) (*oauth.TokenResponse, *oauth.Error)
}

// Registry maps grant_type to its handler. The handler set is fixed at
// construction; extension handlers may override built-ins.
type Registry struct {
	handlers map[string]Handler
	clock    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	clock             func() time.Time
	extensions        map[string]Handler
	passwordValidator PasswordValidator
}

// WithRegistryClock injects a clock for deterministic tests.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(c *registryConfig) {
		c.clock = clock
	}
}

// WithExtensionGrants registers additional handlers. An extension under a
// built-in grant_type replaces the built-in.
func WithExtensionGrants(handlers map[string]Handler) RegistryOption {
	return func(c *registryConfig) {
		c.extensions = handlers
	}
}

// WithPasswordValidator overrides the password grant's credential check,
// replacing the default user-service validation.
func WithPasswordValidator(v PasswordValidator) RegistryOption {
	return func(c *registryConfig) {
		c.passwordValidator = v
	}
}

// NewRegistry builds the registry with all built-in handlers wired to the
// given collaborators.
func NewRegistry(store storage.Storage, users user.Service, tokens *token.Service, opts ...RegistryOption) *Registry {
	cfg := &registryConfig{clock: time.Now}
	for _, opt := range opts {
		opt(cfg)
	}

	m := &minter{
		store:  store,
		users:  users,
		tokens: tokens,
		clock:  cfg.clock,
	}

	handlers := map[string]Handler{
		oauth.GrantTypeAuthorizationCode: &authorizationCodeHandler{store: store, minter: m},
		oauth.GrantTypeRefreshToken:      &refreshTokenHandler{store: store, minter: m},
		oauth.GrantTypeClientCredentials: &clientCredentialsHandler{minter: m},
		oauth.GrantTypeDeviceCode:        &deviceCodeHandler{store: store, minter: m},
		oauth.GrantTypePassword:          &passwordHandler{minter: m, validator: cfg.passwordValidator},
		oauth.GrantTypeCIBA:              &cibaHandler{store: store, minter: m},
		oauth.GrantTypeTokenExchange:     &tokenExchangeHandler{store: store, tokens: tokens, minter: m},
	}
	for grantType, h := range cfg.extensions {
		handlers[grantType] = h
	}

	return &Registry{handlers: handlers, clock: cfg.clock}
}

// Handle dispatches a token request to its grant handler after the
// cross-cutting checks: the grant type must be registered, allowed for the
// client, and DPoP-requiring clients must have presented a valid proof.
func (r *Registry) Handle(ctx context.Context, grantType string, req *Request) (*oauth.TokenResponse, *oauth.Error) {
	if grantType == "" {
		return nil, oauth.ErrInvalidRequest("grant_type is required")
	}
	handler, ok := r.handlers[grantType]
	if !ok {
		return nil, oauth.ErrUnsupportedGrantType(grantType)
	}
	if !req.Client.GrantTypeAllowed(grantType) {
		return nil, oauth.ErrUnauthorizedClient("client may not use this grant type")
	}
	if req.Client.RequireDPoP && req.DPoPThumbprint == "" {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "client requires a DPoP proof")
	}

	resp, oerr := handler.Grant(ctx, req)
	if oerr != nil {
		logger.Debugw("grant rejected",
			"tenant", req.TenantID,
			"client_id", req.Client.ID,
			"grant_type", grantType,
			"error", oerr.Code,
		)
		return nil, oerr
	}

	logger.Infow("tokens issued",
		"tenant", req.TenantID,
		"client_id", req.Client.ID,
		"grant_type", grantType,
		"scope", resp.Scope,
	)
	return resp, nil
}
