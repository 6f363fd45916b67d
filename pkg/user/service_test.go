// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/errors"
)

func newTestService(t *testing.T) (*MemoryService, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryService(
		WithClock(func() time.Time { return now }),
		WithLockoutPolicy(3, 10*time.Minute),
	)
	return s, &now
}

func mustCreateUser(t *testing.T, s *MemoryService, u *User, password string) *User {
	t.Helper()
	if password != "" {
		hash, err := HashPassword(password)
		require.NoError(t, err)
		u.PasswordHash = hash
	}
	created, err := s.CreateUser(context.Background(), u)
	require.NoError(t, err)
	return created
}

func TestCreateAndLookup(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreateUser(t, s, &User{
		TenantID: "acme",
		Username: "Alice",
		Email:    "alice@example.com",
		Active:   true,
	}, "s3cret!pass")
	require.NotEmpty(t, created.SubjectID)

	bySubject, err := s.GetUser(ctx, "acme", created.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", bySubject.Username)

	// Username lookup is case-insensitive.
	byName, err := s.GetUserByUsername(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.Equal(t, created.SubjectID, byName.SubjectID)

	// Tenant isolation.
	_, err = s.GetUser(ctx, "globex", created.SubjectID)
	assert.True(t, errors.IsNotFound(err))

	// Duplicate username conflicts.
	_, err = s.CreateUser(ctx, &User{TenantID: "acme", Username: "ALICE"})
	assert.True(t, errors.IsConflict(err))
}

func TestValidateCredentials(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	mustCreateUser(t, s, &User{TenantID: "acme", Username: "alice", Active: true}, "s3cret!pass")

	u, err := s.ValidateCredentials(ctx, "acme", "alice", "s3cret!pass")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = s.ValidateCredentials(ctx, "acme", "alice", "wrong")
	assert.ErrorIs(t, err, CredentialInvalid)

	// Unknown users fail identically to wrong passwords.
	_, err = s.ValidateCredentials(ctx, "acme", "nobody", "whatever")
	assert.ErrorIs(t, err, CredentialInvalid)
}

func TestInactiveUserIsDenied(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	mustCreateUser(t, s, &User{TenantID: "acme", Username: "bob", Active: false}, "s3cret!pass")

	_, err := s.ValidateCredentials(context.Background(), "acme", "bob", "s3cret!pass")
	assert.ErrorIs(t, err, CredentialInactive)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	s, now := newTestService(t)
	ctx := context.Background()

	mustCreateUser(t, s, &User{TenantID: "acme", Username: "alice", Active: true}, "s3cret!pass")

	for i := 0; i < 2; i++ {
		_, err := s.ValidateCredentials(ctx, "acme", "alice", "wrong")
		assert.ErrorIs(t, err, CredentialInvalid)
	}

	// Third failure trips the lockout.
	_, err := s.ValidateCredentials(ctx, "acme", "alice", "wrong")
	assert.ErrorIs(t, err, CredentialLockedOut)

	// Correct credentials are refused while locked out.
	_, err = s.ValidateCredentials(ctx, "acme", "alice", "s3cret!pass")
	assert.ErrorIs(t, err, CredentialLockedOut)

	// The lockout expires.
	*now = now.Add(11 * time.Minute)
	u, err := s.ValidateCredentials(ctx, "acme", "alice", "s3cret!pass")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	// Success reset the counter: a single failure no longer locks.
	_, err = s.ValidateCredentials(ctx, "acme", "alice", "wrong")
	assert.ErrorIs(t, err, CredentialInvalid)
}

func TestExternalLoginLinking(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	alice := mustCreateUser(t, s, &User{TenantID: "acme", Username: "alice", Active: true}, "")
	bob := mustCreateUser(t, s, &User{TenantID: "acme", Username: "bob", Active: true}, "")

	login := ExternalLogin{Provider: "google", Subject: "g-123"}
	require.NoError(t, s.LinkExternalLogin(ctx, "acme", alice.SubjectID, login))

	got, err := s.GetUserByExternalLogin(ctx, "acme", "google", "g-123")
	require.NoError(t, err)
	assert.Equal(t, alice.SubjectID, got.SubjectID)

	// The same upstream identity cannot be linked to a second user.
	err = s.LinkExternalLogin(ctx, "acme", bob.SubjectID, login)
	assert.True(t, errors.IsConflict(err))
}

func TestSetPassword(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	alice := mustCreateUser(t, s, &User{TenantID: "acme", Username: "alice", Active: true}, "old-password1")
	require.NoError(t, s.SetPassword(ctx, "acme", alice.SubjectID, "new-password1"))

	_, err := s.ValidateCredentials(ctx, "acme", "alice", "old-password1")
	assert.ErrorIs(t, err, CredentialInvalid)
	_, err = s.ValidateCredentials(ctx, "acme", "alice", "new-password1")
	assert.NoError(t, err)
}

func TestClaimsForScopes(t *testing.T) {
	t.Parallel()

	u := &User{
		TenantID:      "acme",
		SubjectID:     "sub-1",
		Username:      "alice",
		Email:         "alice@example.com",
		EmailVerified: true,
		Phone:         "+15551234567",
		Roles:         []string{"admin", "dev"},
		Properties:    map[string]any{"name": "Alice Doe"},
	}

	tests := []struct {
		name   string
		scopes []string
		want   map[string]any
	}{
		{
			name:   "openid only",
			scopes: []string{"openid"},
			want:   map[string]any{"sub": "sub-1"},
		},
		{
			name:   "profile and email",
			scopes: []string{"openid", "profile", "email"},
			want: map[string]any{
				"sub":                "sub-1",
				"preferred_username": "alice",
				"name":               "Alice Doe",
				"email":              "alice@example.com",
				"email_verified":     true,
			},
		},
		{
			name:   "roles",
			scopes: []string{"roles"},
			want:   map[string]any{"roles": []string{"admin", "dev"}},
		},
		{
			name:   "unknown scopes contribute nothing",
			scopes: []string{"api.read"},
			want:   map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ClaimsForScopes(u, tt.scopes)
			assert.Equal(t, len(tt.want), len(got))
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}
		})
	}
}

func TestHasAnyRole(t *testing.T) {
	t.Parallel()

	u := &User{Roles: []string{"dev"}}
	assert.True(t, u.HasAnyRole(nil))
	assert.True(t, u.HasAnyRole([]string{"admin", "dev"}))
	assert.False(t, u.HasAnyRole([]string{"admin"}))
}
