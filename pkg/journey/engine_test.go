// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package journey_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/journey/steps"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/upstream"
	upstreammocks "github.com/gatekeyd/gatekey/pkg/upstream/mocks"
	"github.com/gatekeyd/gatekey/pkg/user"
)

const (
	testTenant   = "acme"
	testClient   = "web-app"
	testPassword = "correct horse battery"
)

const loginPolicy = `{
	"id": "login-basic",
	"steps": [
		{"id": "login", "type": "local_login", "config": {"title": "Sign in"}}
	]
}`

type engineFixture struct {
	now      time.Time
	store    *storage.MemoryStorage
	users    *user.MemoryService
	policies *journey.MemoryPolicyRegistry
	services *journey.Services
	engine   *journey.Engine
	alice    *user.User
}

func newEngineFixture(t *testing.T, policyJSON string, mutate func(*journey.Services)) *engineFixture {
	t.Helper()

	f := &engineFixture{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.store = storage.NewMemoryStorage(storage.WithClock(clock))
	t.Cleanup(func() { _ = f.store.Close() })
	f.users = user.NewMemoryService(user.WithClock(clock))

	hash, err := user.HashPassword(testPassword)
	require.NoError(t, err)
	f.alice, err = f.users.CreateUser(context.Background(), &user.User{
		TenantID:     testTenant,
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
		Active:       true,
	})
	require.NoError(t, err)

	f.policies = journey.NewMemoryPolicyRegistry()
	_, err = f.policies.RegisterJSON([]byte(policyJSON))
	require.NoError(t, err)

	f.services = &journey.Services{Users: f.users, Store: f.store}
	if mutate != nil {
		mutate(f.services)
	}
	f.engine = journey.NewEngine(f.policies, f.store, steps.NewRegistry(), f.services,
		journey.WithEngineClock(clock),
		journey.WithJourneyTTL(10*time.Minute),
	)
	return f
}

func TestLocalLoginJourney(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t, loginPolicy, nil)

	out, err := f.engine.Start(ctx, testTenant, testClient, "corr-1", "login-basic")
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	assert.Equal(t, "login", out.View)
	assert.Equal(t, "Sign in", out.Model["title"])
	assert.Equal(t, "corr-1", out.CorrelationID)
	require.NotEmpty(t, out.JourneyID)

	// Wrong credentials re-render the form without leaking whether the
	// username exists.
	out, err = f.engine.Advance(ctx, testTenant, out.JourneyID, map[string]string{
		"username": "alice", "password": "wrong",
	})
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	assert.Equal(t, "Invalid username or password.", out.Model["error"])

	out, err = f.engine.Advance(ctx, testTenant, out.JourneyID, map[string]string{
		"username": "alice", "password": testPassword,
	})
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeCompleted, out.Kind)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Authenticated())
	assert.Equal(t, f.alice.SubjectID, out.Result.SubjectID)
	assert.Contains(t, out.Result.AMR, "pwd")
	assert.Equal(t, f.now, out.Result.AuthTime)

	// The journey terminated; advancing it again conflicts.
	_, err = f.engine.Advance(ctx, testTenant, out.JourneyID, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestJourneyNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t, loginPolicy, nil)

	_, err := f.engine.Advance(ctx, testTenant, "no-such-journey", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	// A journey is invisible to other tenants.
	out, err := f.engine.Start(ctx, testTenant, testClient, "corr-1", "login-basic")
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, "other-tenant", out.JourneyID, nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestJourneyExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngineFixture(t, loginPolicy, nil)

	out, err := f.engine.Start(ctx, testTenant, testClient, "corr-1", "login-basic")
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)

	_, err = f.engine.Advance(ctx, testTenant, out.JourneyID, map[string]string{
		"username": "alice", "password": testPassword,
	})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestUnknownPolicy(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, loginPolicy, nil)

	_, err := f.engine.Start(context.Background(), testTenant, testClient, "corr-1", "no-such-policy")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestConditionSkipsStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// The terms step is gated on a data key no step has set, so the journey
	// falls through to the login step.
	policy := `{
		"id": "gated",
		"steps": [
			{
				"id": "maybe-terms", "type": "terms_acceptance",
				"config": {"version": "2026-01"},
				"conditions": [{"source": "data", "key": "needs_terms", "operator": "exists"}]
			},
			{"id": "login", "type": "local_login", "config": {"title": "Sign in"}}
		]
	}`
	f := newEngineFixture(t, policy, nil)

	out, err := f.engine.Start(ctx, testTenant, testClient, "corr-1", "gated")
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	assert.Equal(t, "login", out.View)
}

const federationPolicy = `{
	"id": "federate",
	"steps": [
		{
			"id": "fed", "type": "external_idp",
			"config": {"provider": "corp-idp", "autoProvision": true}
		}
	]
}`

func TestExternalIDPJourney(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	provider := upstreammocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("corp-idp").AnyTimes()
	registry := upstreammocks.NewMockRegistry(ctrl)
	registry.EXPECT().GetProvider(gomock.Any(), testTenant, "corp-idp").Return(provider, nil).AnyTimes()

	f := newEngineFixture(t, federationPolicy, func(s *journey.Services) {
		s.Upstream = registry
		s.CallbackURL = func(journeyID string) string {
			return "https://id.example.com/journey/" + journeyID + "/callback"
		}
	})

	var gotState, gotRedirectURI string
	provider.EXPECT().
		AuthorizationURL(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(state, _, redirectURI string) string {
			gotState = state
			gotRedirectURI = redirectURI
			return "https://idp.example.com/authorize?state=" + state
		})

	out, err := f.engine.Start(ctx, testTenant, testClient, "corr-1", "federate")
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeRedirect, out.Kind)
	assert.Equal(t, "https://idp.example.com/authorize?state="+gotState, out.RedirectURL)
	assert.Equal(t, "https://id.example.com/journey/"+out.JourneyID+"/callback", gotRedirectURI)
	require.NotEmpty(t, gotState)

	provider.EXPECT().
		Exchange(gomock.Any(), "upstream-code", gomock.Any(), gotRedirectURI).
		Return(&upstream.Identity{
			Subject: "ext-1",
			Claims:  oauth.Claims{"email": "federated@example.com", "email_verified": true},
		}, nil)

	out, err = f.engine.Advance(ctx, testTenant, out.JourneyID, map[string]string{
		"code": "upstream-code", "state": gotState,
	})
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeCompleted, out.Kind)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Authenticated())
	assert.Equal(t, "corp-idp", out.Result.IdentityProvider)
	assert.Contains(t, out.Result.AMR, "federated")

	// The unknown upstream identity was auto-provisioned and linked.
	provisioned, err := f.users.GetUserByExternalLogin(ctx, testTenant, "corp-idp", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, out.Result.SubjectID, provisioned.SubjectID)
	assert.Equal(t, "federated@example.com", provisioned.Email)
}

func TestExternalIDPDenied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	provider := upstreammocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("corp-idp").AnyTimes()
	provider.EXPECT().
		AuthorizationURL(gomock.Any(), gomock.Any(), gomock.Any()).
		Return("https://idp.example.com/authorize").
		AnyTimes()
	registry := upstreammocks.NewMockRegistry(ctrl)
	registry.EXPECT().GetProvider(gomock.Any(), testTenant, "corp-idp").Return(provider, nil).AnyTimes()

	newJourney := func(t *testing.T, f *engineFixture) string {
		out, err := f.engine.Start(ctx, testTenant, testClient, "corr-1", "federate")
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeRedirect, out.Kind)
		return out.JourneyID
	}

	t.Run("upstream error", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture(t, federationPolicy, func(s *journey.Services) {
			s.Upstream = registry
			s.CallbackURL = func(id string) string { return "https://id.example.com/journey/" + id + "/callback" }
		})
		id := newJourney(t, f)

		out, err := f.engine.Advance(ctx, testTenant, id, map[string]string{"error": "access_denied"})
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeFailed, out.Kind)
		assert.Equal(t, oauth.ErrCodeAccessDenied, out.FailureCode)
	})

	t.Run("state mismatch", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture(t, federationPolicy, func(s *journey.Services) {
			s.Upstream = registry
			s.CallbackURL = func(id string) string { return "https://id.example.com/journey/" + id + "/callback" }
		})
		id := newJourney(t, f)

		out, err := f.engine.Advance(ctx, testTenant, id, map[string]string{
			"code": "upstream-code", "state": "forged",
		})
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeFailed, out.Kind)
		assert.Equal(t, oauth.ErrCodeAccessDenied, out.FailureCode)
		assert.Contains(t, out.FailureDescription, "state mismatch")
	})
}
