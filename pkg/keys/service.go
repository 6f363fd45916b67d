// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/logger"
)

// Service maintains the versioned signing key set per tenant. Token
// issuance uses the highest-priority Active key; rotation demotes the old
// key to Expired for a verification overlap. Readers of the public JWKS see
// a stable snapshot that is republished atomically on every change.
type Service struct {
	provider  MaterialProvider
	algorithm string
	overlap   time.Duration
	clock     func() time.Time

	mu   sync.Mutex
	keys map[string][]*SigningKey

	// jwks is the per-tenant public JWKS snapshot. Replaced wholesale on
	// every mutation; readers never block writers.
	jwks atomic.Pointer[map[string]*jose.JSONWebKeySet]
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAlgorithm sets the algorithm for generated keys.
func WithAlgorithm(alg string) ServiceOption {
	return func(s *Service) {
		s.algorithm = alg
	}
}

// WithRotationOverlap sets how long demoted keys keep verifying.
func WithRotationOverlap(overlap time.Duration) ServiceOption {
	return func(s *Service) {
		s.overlap = overlap
	}
}

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

// NewService creates a key service over the given material provider.
func NewService(provider MaterialProvider, opts ...ServiceOption) *Service {
	s := &Service{
		provider:  provider,
		algorithm: DefaultAlgorithm,
		overlap:   DefaultRotationOverlap,
		clock:     time.Now,
		keys:      make(map[string][]*SigningKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	empty := make(map[string]*jose.JSONWebKeySet)
	s.jwks.Store(&empty)
	return s
}

// ActiveSigningKey returns the tenant's highest-priority Active key,
// generating an initial key when the tenant has none.
func (s *Service) ActiveSigningKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key := s.activeLocked(tenantID); key != nil {
		return key, nil
	}
	return s.rotateLocked(ctx, tenantID)
}

// Rotate introduces a new Active key for the tenant and demotes the
// previous Active key to Expired with the configured overlap.
func (s *Service) Rotate(ctx context.Context, tenantID string) (*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(ctx, tenantID)
}

// Revoke marks a key Revoked: it stops verifying and leaves the JWKS
// immediately.
func (s *Service) Revoke(ctx context.Context, tenantID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys[tenantID] {
		if key.KeyID == keyID {
			key.Status = StatusRevoked
			if err := s.provider.Delete(ctx, keyID); err != nil {
				return err
			}
			s.publishLocked()
			logger.Infow("signing key revoked", "tenant", tenantID, "key_id", keyID)
			return nil
		}
	}
	return errors.NewNotFoundError("signing key "+keyID+" not found", nil)
}

// VerificationKeys returns every key that may verify a signature right now:
// Active keys plus Expired keys within the overlap window.
func (s *Service) VerificationKeys(_ context.Context, tenantID string) []*SigningKey {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SigningKey
	for _, key := range s.keys[tenantID] {
		if key.VerifiesAt(now, s.overlap) {
			out = append(out, key)
		}
	}
	return out
}

// PublicJWKS returns the tenant's public JWKS snapshot. The returned set
// must not be mutated.
func (s *Service) PublicJWKS(tenantID string) *jose.JSONWebKeySet {
	snapshot := *s.jwks.Load()
	if set, ok := snapshot[tenantID]; ok {
		return set
	}
	return &jose.JSONWebKeySet{}
}

func (s *Service) activeLocked(tenantID string) *SigningKey {
	var best *SigningKey
	for _, key := range s.keys[tenantID] {
		if key.Status != StatusActive {
			continue
		}
		if best == nil || key.Priority > best.Priority {
			best = key
		}
	}
	return best
}

func (s *Service) rotateLocked(ctx context.Context, tenantID string) (*SigningKey, error) {
	now := s.clock()

	priority := 0
	for _, key := range s.keys[tenantID] {
		if key.Priority >= priority {
			priority = key.Priority + 1
		}
	}

	keyID, signer, err := s.provider.Generate(ctx, s.algorithm)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	for _, key := range s.keys[tenantID] {
		if key.Status == StatusActive {
			key.Status = StatusExpired
			key.ExpiredAt = now
		}
	}

	newKey := &SigningKey{
		KeyID:         keyID,
		TenantID:      tenantID,
		Algorithm:     s.algorithm,
		Status:        StatusActive,
		Priority:      priority,
		Signer:        signer,
		IncludeInJWKS: true,
		CreatedAt:     now,
	}
	s.keys[tenantID] = append(s.keys[tenantID], newKey)
	s.publishLocked()

	logger.Infow("signing key rotated",
		"tenant", tenantID,
		"key_id", keyID,
		"algorithm", s.algorithm,
	)
	return newKey, nil
}

// publishLocked rebuilds every tenant's public JWKS and swaps the snapshot.
func (s *Service) publishLocked() {
	now := s.clock()
	next := make(map[string]*jose.JSONWebKeySet, len(s.keys))

	for tenantID, tenantKeys := range s.keys {
		set := &jose.JSONWebKeySet{}
		keys := append([]*SigningKey(nil), tenantKeys...)
		sort.Slice(keys, func(i, j int) bool { return keys[i].Priority > keys[j].Priority })
		for _, key := range keys {
			if !key.IncludeInJWKS || !key.VerifiesAt(now, s.overlap) {
				continue
			}
			set.Keys = append(set.Keys, jose.JSONWebKey{
				Key:       key.Signer.Public(),
				KeyID:     key.KeyID,
				Algorithm: key.Algorithm,
				Use:       "sig",
			})
		}
		next[tenantID] = set
	}
	s.jwks.Store(&next)
}

// Thumbprint computes the RFC 7638 JWK thumbprint of a public key,
// base64url encoded without padding.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
