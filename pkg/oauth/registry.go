// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks -source=registry.go ClientRegistry

import (
	"context"
	"strings"
	"sync"

	"github.com/gatekeyd/gatekey/pkg/errors"
)

// ClientRegistry resolves client registrations. Lookups are tenant-scoped;
// a client id never resolves across tenants.
type ClientRegistry interface {
	// GetClient returns the client or a NotFound error.
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)
}

// MemoryClientRegistry is an in-memory ClientRegistry for single-instance
// deployments and tests.
type MemoryClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewMemoryClientRegistry creates an empty registry.
func NewMemoryClientRegistry() *MemoryClientRegistry {
	return &MemoryClientRegistry{clients: make(map[string]*Client)}
}

func clientKey(tenantID, clientID string) string {
	return strings.ToLower(tenantID) + "\x00" + clientID
}

// AddClient registers a client. An existing registration with the same id is
// replaced.
func (r *MemoryClientRegistry) AddClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientKey(client.TenantID, client.ID)] = client
}

// RemoveClient deletes a registration.
func (r *MemoryClientRegistry) RemoveClient(tenantID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientKey(tenantID, clientID))
}

// GetClient implements ClientRegistry.
func (r *MemoryClientRegistry) GetClient(_ context.Context, tenantID, clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientKey(tenantID, clientID)]
	if !ok {
		return nil, errors.NewNotFoundError("client not found", nil)
	}
	return client, nil
}

// compile-time check
var _ ClientRegistry = (*MemoryClientRegistry)(nil)
