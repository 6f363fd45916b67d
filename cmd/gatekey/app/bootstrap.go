// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/gatekeyd/gatekey/pkg/config"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/tenant"
	"github.com/gatekeyd/gatekey/pkg/upstream"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// bootstrapDoc is the startup provisioning document. It seeds the in-memory
// registries; a deployment fronted by a real control plane replaces this
// with API-driven provisioning.
type bootstrapDoc struct {
	Tenants   []*tenant.Tenant   `json:"tenants"`
	Clients   []*bootstrapClient `json:"clients"`
	Users     []*bootstrapUser   `json:"users"`
	Policies  []json.RawMessage  `json:"policies"`
	Upstreams []*upstream.Config `json:"upstreams"`
}

// bootstrapClient is an oauth.Client plus a plaintext secret, hashed at
// load time so the document can be written by hand.
type bootstrapClient struct {
	oauth.Client
	Secret string `json:"client_secret,omitempty"`
}

// bootstrapUser is a user.User plus a plaintext password, hashed at load
// time.
type bootstrapUser struct {
	user.User
	Password string `json:"password,omitempty"`
}

// provision seeds the registries from the bootstrap document. Without one,
// only the default tenant (when configured) is created.
func provision(
	ctx context.Context,
	cfg *config.Config,
	tenants *tenant.MemoryRegistry,
	clients *oauth.MemoryClientRegistry,
	users *user.MemoryService,
	policies *journey.MemoryPolicyRegistry,
	upstreams *upstream.MemoryRegistry,
) error {
	if cfg.BootstrapPath == "" {
		if cfg.Tenancy.DefaultTenant != "" {
			tenants.Upsert(&tenant.Tenant{
				ID:      cfg.Tenancy.DefaultTenant,
				Name:    cfg.Tenancy.DefaultTenant,
				Enabled: true,
			})
		}
		return nil
	}

	data, err := os.ReadFile(cfg.BootstrapPath)
	if err != nil {
		return fmt.Errorf("reading bootstrap document: %w", err)
	}
	var doc bootstrapDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing bootstrap document: %w", err)
	}

	for _, t := range doc.Tenants {
		tenants.Upsert(t)
	}

	for _, c := range doc.Clients {
		client := c.Client
		if c.Secret != "" {
			client.SecretHash = oauth.HashSecret(c.Secret)
		}
		applyTokenDefaults(&client, cfg)
		clients.AddClient(&client)
	}

	for _, u := range doc.Users {
		usr := u.User
		if u.Password != "" {
			hash, err := user.HashPassword(u.Password)
			if err != nil {
				return fmt.Errorf("hashing bootstrap password for %q: %w", usr.Username, err)
			}
			usr.PasswordHash = hash
		}
		if _, err := users.CreateUser(ctx, &usr); err != nil {
			return fmt.Errorf("creating bootstrap user %q: %w", usr.Username, err)
		}
	}

	for i, raw := range doc.Policies {
		if _, err := policies.RegisterJSON(raw); err != nil {
			return fmt.Errorf("registering bootstrap policy %d: %w", i, err)
		}
	}

	for _, uc := range doc.Upstreams {
		provider, err := buildUpstreamProvider(ctx, uc)
		if err != nil {
			return fmt.Errorf("configuring upstream provider %q: %w", uc.Name, err)
		}
		upstreams.Register("", provider)
	}

	logger.Infow("bootstrap document applied",
		"path", cfg.BootstrapPath,
		"tenants", len(doc.Tenants),
		"clients", len(doc.Clients),
		"users", len(doc.Users),
		"policies", len(doc.Policies),
		"upstreams", len(doc.Upstreams),
	)
	return nil
}

// applyTokenDefaults fills the configured default token lifetimes into
// clients that do not set their own.
func applyTokenDefaults(c *oauth.Client, cfg *config.Config) {
	if c.AuthorizationCodeLifetime == 0 {
		c.AuthorizationCodeLifetime = cfg.Tokens.AuthCodeLifetime
	}
	if c.AccessTokenLifetime == 0 {
		c.AccessTokenLifetime = cfg.Tokens.AccessLifetime
	}
	if c.IdentityTokenLifetime == 0 {
		c.IdentityTokenLifetime = cfg.Tokens.IdentityLifetime
	}
}

// buildUpstreamProvider creates an OIDC or OAuth 2.0 provider from its
// config. OIDC providers run discovery at startup.
func buildUpstreamProvider(ctx context.Context, uc *upstream.Config) (upstream.Provider, error) {
	if err := uc.Validate(); err != nil {
		return nil, err
	}
	if uc.Type == upstream.TypeOIDC {
		return upstream.NewOIDCProvider(ctx, uc, http.DefaultClient)
	}
	return upstream.NewOAuth2Provider(uc, http.DefaultClient)
}
