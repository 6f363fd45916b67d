// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewService(NewMemoryProvider(),
		WithClock(func() time.Time { return now }),
		WithRotationOverlap(24*time.Hour),
	)
	return s, &now
}

func TestActiveSigningKeyGeneratesOnFirstUse(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	key, err := s.ActiveSigningKey(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, key.Status)
	assert.Equal(t, DefaultAlgorithm, key.Algorithm)
	assert.NotEmpty(t, key.KeyID)
	require.NotNil(t, key.Signer)

	// Stable across calls.
	again, err := s.ActiveSigningKey(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, again.KeyID)
}

func TestKeysAreTenantScoped(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	acme, err := s.ActiveSigningKey(ctx, "acme")
	require.NoError(t, err)
	globex, err := s.ActiveSigningKey(ctx, "globex")
	require.NoError(t, err)
	assert.NotEqual(t, acme.KeyID, globex.KeyID)

	acmeJWKS := s.PublicJWKS("acme")
	require.Len(t, acmeJWKS.Keys, 1)
	assert.Equal(t, acme.KeyID, acmeJWKS.Keys[0].KeyID)
}

func TestRotationKeepsOldKeyForOverlap(t *testing.T) {
	t.Parallel()
	s, now := newTestService(t)
	ctx := context.Background()

	old, err := s.ActiveSigningKey(ctx, "acme")
	require.NoError(t, err)

	rotated, err := s.Rotate(ctx, "acme")
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, rotated.KeyID)
	assert.Greater(t, rotated.Priority, old.Priority)

	// Issuance moves to the new key immediately.
	active, err := s.ActiveSigningKey(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, rotated.KeyID, active.KeyID)

	// Both keys verify and appear in the JWKS during the overlap.
	verifying := s.VerificationKeys(ctx, "acme")
	assert.Len(t, verifying, 2)
	assert.Len(t, s.PublicJWKS("acme").Keys, 2)

	// Past the overlap the demoted key drops out of verification.
	*now = now.Add(25 * time.Hour)
	verifying = s.VerificationKeys(ctx, "acme")
	require.Len(t, verifying, 1)
	assert.Equal(t, rotated.KeyID, verifying[0].KeyID)
}

func TestRevokeRemovesKeyImmediately(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	old, err := s.ActiveSigningKey(ctx, "acme")
	require.NoError(t, err)
	_, err = s.Rotate(ctx, "acme")
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, "acme", old.KeyID))

	for _, key := range s.VerificationKeys(ctx, "acme") {
		assert.NotEqual(t, old.KeyID, key.KeyID)
	}
	for _, jwk := range s.PublicJWKS("acme").Keys {
		assert.NotEqual(t, old.KeyID, jwk.KeyID)
	}

	assert.Error(t, s.Revoke(ctx, "acme", "no-such-key"))
}

func TestJWKSContainsOnlyPublicMaterial(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	_, err := s.ActiveSigningKey(context.Background(), "acme")
	require.NoError(t, err)

	set := s.PublicJWKS("acme")
	require.Len(t, set.Keys, 1)
	assert.True(t, set.Keys[0].IsPublic())
	assert.Equal(t, "sig", set.Keys[0].Use)
	assert.Equal(t, DefaultAlgorithm, set.Keys[0].Algorithm)

	// Unknown tenants get an empty, non-nil set.
	empty := s.PublicJWKS("nobody")
	require.NotNil(t, empty)
	assert.Empty(t, empty.Keys)
}

func TestLocalProviderRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	p, err := NewLocalProvider(t.TempDir(), masterKey)
	require.NoError(t, err)

	keyID, signer, err := p.Generate(ctx, "ES256")
	require.NoError(t, err)
	require.NotNil(t, signer)

	loaded, err := p.Load(ctx, keyID)
	require.NoError(t, err)

	wantTP, err := Thumbprint(signer.Public())
	require.NoError(t, err)
	gotTP, err := Thumbprint(loaded.Public())
	require.NoError(t, err)
	assert.Equal(t, wantTP, gotTP)
	assert.Equal(t, keyID, wantTP)

	require.NoError(t, p.Delete(ctx, keyID))
	_, err = p.Load(ctx, keyID)
	assert.Error(t, err)

	// Deleting again is not an error.
	assert.NoError(t, p.Delete(ctx, keyID))
}

func TestLocalProviderRejectsShortMasterKey(t *testing.T) {
	t.Parallel()
	_, err := NewLocalProvider(t.TempDir(), []byte("short"))
	assert.Error(t, err)
}

func TestGenerateSignerAlgorithms(t *testing.T) {
	t.Parallel()

	for _, alg := range []string{"ES256", "ES384", "ES512", "RS256"} {
		t.Run(alg, func(t *testing.T) {
			t.Parallel()
			signer, err := generateSigner(alg)
			require.NoError(t, err)
			assert.NotNil(t, signer.Public())
		})
	}

	_, err := generateSigner("HS256")
	assert.Error(t, err)
}
