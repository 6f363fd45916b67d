// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package tenant provides the tenant model, tenant resolution middleware,
// and the tenant-scoped cache invalidation bus. Every user, client, token,
// and audit record belongs to exactly one tenant; cross-tenant reads are
// denied at the store layer by keying on the resolved tenant id.
package tenant

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks -source=tenant.go Registry

import (
	"context"
	"strings"
	"sync"

	"github.com/gatekeyd/gatekey/pkg/errors"
)

// UIMode selects how interactive authentication is rendered.
type UIMode string

// UI modes.
const (
	UIModeJourney    UIMode = "journey"
	UIModeStandalone UIMode = "standalone"
)

// Tenant is the root of isolation. It owns clients, users, journey
// policies, signing keys, and webhook endpoints.
type Tenant struct {
	// ID is the stable tenant identifier used in storage keys and issuer
	// paths.
	ID string `json:"id"`

	Name string `json:"name"`

	// Enabled gates all protocol traffic for the tenant.
	Enabled bool `json:"enabled"`

	// Domains are the hostnames that resolve to this tenant under the
	// subdomain strategy (first label match) or full-host match.
	Domains []string `json:"domains,omitempty"`

	// DefaultUIMode applies when neither the request nor the client
	// specifies one.
	DefaultUIMode UIMode `json:"default_ui_mode,omitempty"`

	// JourneyPolicies maps a purpose ("login", "register", "device", ...)
	// to the journey policy id used when the client has no override.
	JourneyPolicies map[string]string `json:"journey_policies,omitempty"`

	// WebhookEndpoints are the event delivery targets for this tenant.
	WebhookEndpoints []WebhookEndpoint `json:"webhook_endpoints,omitempty"`
}

// WebhookEndpoint is a per-tenant event delivery target.
type WebhookEndpoint struct {
	ID string `json:"id"`

	URL string `json:"url"`

	// Secret is the HMAC key used to sign delivery payloads.
	Secret string `json:"secret"`

	// EventTypes the endpoint subscribes to; "*" subscribes to all.
	EventTypes []string `json:"event_types"`

	Enabled bool `json:"enabled"`
}

// Subscribed reports whether the endpoint wants the given event type.
func (e *WebhookEndpoint) Subscribed(eventType string) bool {
	if !e.Enabled {
		return false
	}
	for _, t := range e.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

// PolicyFor returns the tenant's journey policy id for a purpose.
func (t *Tenant) PolicyFor(purpose string) string {
	return t.JourneyPolicies[purpose]
}

// Registry resolves tenants by id and by domain.
type Registry interface {
	// GetTenant returns the tenant by id, or a not-found error.
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	// GetTenantByDomain returns the tenant owning the given hostname or
	// subdomain label.
	GetTenantByDomain(ctx context.Context, domain string) (*Tenant, error)
}

// MemoryRegistry is an in-memory Registry, suitable for configuration-file
// driven deployments and tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	domains map[string]string
}

// NewMemoryRegistry creates a registry holding the given tenants.
func NewMemoryRegistry(tenants ...*Tenant) *MemoryRegistry {
	r := &MemoryRegistry{
		tenants: make(map[string]*Tenant),
		domains: make(map[string]string),
	}
	for _, t := range tenants {
		r.Upsert(t)
	}
	return r
}

// Upsert adds or replaces a tenant.
func (r *MemoryRegistry) Upsert(t *Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *t
	r.tenants[t.ID] = &cp
	for _, d := range t.Domains {
		r.domains[strings.ToLower(d)] = t.ID
	}
}

// GetTenant returns the tenant by id.
func (r *MemoryRegistry) GetTenant(_ context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return nil, errors.NewNotFoundError("tenant "+id+" not found", nil)
	}
	cp := *t
	return &cp, nil
}

// GetTenantByDomain returns the tenant owning the hostname or label.
func (r *MemoryRegistry) GetTenantByDomain(_ context.Context, domain string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.domains[strings.ToLower(domain)]
	if !ok {
		return nil, errors.NewNotFoundError("no tenant for domain "+domain, nil)
	}
	cp := *r.tenants[id]
	return &cp, nil
}

// Compile-time interface check.
var _ Registry = (*MemoryRegistry)(nil)
