// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"sync"
)

// InvalidationKind identifies what changed within a tenant.
type InvalidationKind string

// Invalidation kinds.
const (
	InvalidateClients   InvalidationKind = "clients"
	InvalidateUsers     InvalidationKind = "users"
	InvalidatePolicies  InvalidationKind = "policies"
	InvalidateKeys      InvalidationKind = "keys"
	InvalidateProviders InvalidationKind = "providers"
	InvalidateTenant    InvalidationKind = "tenant"
)

// InvalidationFunc receives the changed tenant id and kind. Callbacks run
// synchronously on the publisher's goroutine and must not block.
type InvalidationFunc func(tenantID string, kind InvalidationKind)

// InvalidationBus is the in-process, tenant-scoped cache invalidation bus.
// Admin-initiated writes publish here; caches subscribe and drop only the
// affected tenant's entries, never another tenant's.
type InvalidationBus struct {
	mu   sync.RWMutex
	subs []InvalidationFunc
}

// NewInvalidationBus creates an empty bus.
func NewInvalidationBus() *InvalidationBus {
	return &InvalidationBus{}
}

// Subscribe registers a callback for all invalidations.
func (b *InvalidationBus) Subscribe(fn InvalidationFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish notifies every subscriber of a change in one tenant.
func (b *InvalidationBus) Publish(tenantID string, kind InvalidationKind) {
	b.mu.RLock()
	subs := make([]InvalidationFunc, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(tenantID, kind)
	}
}
