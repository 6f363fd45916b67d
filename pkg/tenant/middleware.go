// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gatekeyd/gatekey/pkg/logger"
)

// Strategy selects how the tenant is derived from a request.
type Strategy string

// Resolution strategies.
const (
	// StrategySubdomain resolves the tenant from the first hostname label
	// (acme.id.example.com -> acme), falling back to a full-host match.
	StrategySubdomain Strategy = "subdomain"

	// StrategyPath resolves the tenant from a /t/{tenant} path prefix and
	// strips the prefix so that handlers see the canonical paths.
	StrategyPath Strategy = "path"

	// StrategyHeader resolves the tenant from the X-Tenant-ID header.
	StrategyHeader Strategy = "header"
)

// HeaderName is the header consulted by StrategyHeader.
const HeaderName = "X-Tenant-ID"

// pathPrefix is the path segment introducing the tenant id under
// StrategyPath.
const pathPrefix = "/t/"

type contextKey struct{}

// WithTenant returns a context carrying the tenant.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tenant resolved for this request, if any.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(*Tenant)
	return t, ok
}

// MustFromContext returns the tenant or panics. Handlers mounted behind the
// resolution middleware may use it.
func MustFromContext(ctx context.Context) *Tenant {
	t, ok := FromContext(ctx)
	if !ok {
		panic("tenant: no tenant in context")
	}
	return t
}

// Resolver is the tenant resolution middleware.
type Resolver struct {
	registry Registry
	strategy Strategy

	// defaultTenant is used when resolution yields nothing; empty means
	// resolution is mandatory.
	defaultTenant string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDefaultTenant sets a fallback tenant id for unresolved requests.
func WithDefaultTenant(id string) ResolverOption {
	return func(r *Resolver) {
		r.defaultTenant = id
	}
}

// NewResolver creates the resolution middleware for the given strategy.
func NewResolver(registry Registry, strategy Strategy, opts ...ResolverOption) *Resolver {
	r := &Resolver{registry: registry, strategy: strategy}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Middleware resolves the tenant and stores it in the request context.
// Requests that resolve to no tenant, or to a disabled tenant, receive
// 404 without reaching the protocol handlers.
func (rv *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, req, err := rv.resolve(r)
		if err != nil || t == nil || !t.Enabled {
			logger.Debugw("tenant resolution failed",
				"strategy", string(rv.strategy),
				"host", r.Host,
				"path", r.URL.Path,
			)
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, req.WithContext(WithTenant(req.Context(), t)))
	})
}

// resolve applies the configured strategy. For StrategyPath it returns a
// request whose URL has the tenant prefix stripped.
func (rv *Resolver) resolve(r *http.Request) (*Tenant, *http.Request, error) {
	ctx := r.Context()

	switch rv.strategy {
	case StrategyPath:
		if id, rest, ok := splitTenantPath(r.URL.Path); ok {
			t, err := rv.registry.GetTenant(ctx, id)
			if err != nil {
				return nil, r, err
			}
			r2 := r.Clone(ctx)
			r2.URL.Path = rest
			return t, r2, nil
		}

	case StrategyHeader:
		if id := r.Header.Get(HeaderName); id != "" {
			t, err := rv.registry.GetTenant(ctx, id)
			return t, r, err
		}

	case StrategySubdomain:
		host := requestHost(r)
		if t, err := rv.registry.GetTenantByDomain(ctx, host); err == nil {
			return t, r, nil
		}
		if label, _, found := strings.Cut(host, "."); found {
			if t, err := rv.registry.GetTenantByDomain(ctx, label); err == nil {
				return t, r, nil
			}
		}
	}

	if rv.defaultTenant != "" {
		t, err := rv.registry.GetTenant(ctx, rv.defaultTenant)
		return t, r, err
	}
	return nil, r, nil
}

// splitTenantPath parses "/t/{tenant}/rest" into ("tenant", "/rest").
func splitTenantPath(path string) (id, rest string, ok bool) {
	if !strings.HasPrefix(path, pathPrefix) {
		return "", "", false
	}
	remainder := path[len(pathPrefix):]
	id, rest, found := strings.Cut(remainder, "/")
	if id == "" {
		return "", "", false
	}
	if !found {
		return id, "/", true
	}
	return id, "/" + rest, true
}

// requestHost returns the hostname without any port.
func requestHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		return host
	}
	return r.Host
}
