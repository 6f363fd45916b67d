// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/user"
)

const stepTestPassword = "correct horse battery"

// seedUser creates an active user with known credentials on the fixture's
// user service.
func seedUser(t *testing.T, users user.Service, seed func(*user.User)) {
	t.Helper()
	hash, err := user.HashPassword(stepTestPassword)
	require.NoError(t, err)
	u := &user.User{
		TenantID:     "acme",
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
		Active:       true,
	}
	if seed != nil {
		seed(u)
	}
	_, err = users.CreateUser(context.Background(), u)
	require.NoError(t, err)
}

// signIn drives the policy's leading local_login step.
func signIn(t *testing.T, engine *journey.Engine, policyID string) *journey.Outcome {
	t.Helper()
	ctx := context.Background()

	out, err := engine.Start(ctx, "acme", "web-app", "corr-1", policyID)
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	require.Equal(t, "login", out.View)

	out, err = engine.Advance(ctx, "acme", out.JourneyID, map[string]string{
		"username": "alice", "password": stepTestPassword,
	})
	require.NoError(t, err)
	return out
}

const totpPolicy = `{
	"id": "mfa-totp",
	"steps": [
		{"id": "login", "type": "local_login"},
		{"id": "second", "type": "mfa"}
	]
}`

func TestMFATOTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "id.example.com", AccountName: "alice@example.com"})
	require.NoError(t, err)

	engine := newStepEngine(t, func(s *journey.Services) {
		seedUser(t, s.Users, func(u *user.User) { u.TOTPSecret = key.Secret() })
	}, totpPolicy)

	out := signIn(t, engine, "mfa-totp")
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	assert.Equal(t, "mfa", out.View)
	assert.Equal(t, "totp", out.Model["method"])

	// A wrong code re-renders the challenge.
	out, err = engine.Advance(ctx, "acme", out.JourneyID, map[string]string{"otp": "123"})
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	assert.Equal(t, "The code is not valid.", out.Model["error"])

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	out, err = engine.Advance(ctx, "acme", out.JourneyID, map[string]string{"otp": code})
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeCompleted, out.Kind)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Authenticated())
	assert.ElementsMatch(t, []string{"pwd", "otp"}, out.Result.AMR)
}

func TestMFATOTPNotEnrolled(t *testing.T) {
	t.Parallel()

	t.Run("required step denies", func(t *testing.T) {
		t.Parallel()
		engine := newStepEngine(t, func(s *journey.Services) {
			seedUser(t, s.Users, nil)
		}, totpPolicy)

		out := signIn(t, engine, "mfa-totp")
		require.Equal(t, journey.OutcomeFailed, out.Kind)
		assert.Equal(t, oauth.ErrCodeAccessDenied, out.FailureCode)
	})

	t.Run("optional step skips", func(t *testing.T) {
		t.Parallel()
		policy := `{
			"id": "mfa-opt",
			"steps": [
				{"id": "login", "type": "local_login"},
				{"id": "second", "type": "mfa", "optional": true}
			]
		}`
		engine := newStepEngine(t, func(s *journey.Services) {
			seedUser(t, s.Users, nil)
		}, policy)

		out := signIn(t, engine, "mfa-opt")
		require.Equal(t, journey.OutcomeCompleted, out.Kind)
		assert.ElementsMatch(t, []string{"pwd"}, out.Result.AMR)
	})
}

// recordingEmail captures the last message for assertion.
type recordingEmail struct {
	to, subject, body string
}

func (r *recordingEmail) SendEmail(_ context.Context, to, subject, body string) error {
	r.to, r.subject, r.body = to, subject, body
	return nil
}

func TestMFAEmailChallenge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	policy := `{
		"id": "mfa-email",
		"steps": [
			{"id": "login", "type": "local_login"},
			{"id": "second", "type": "mfa", "config": {"method": "email"}}
		]
	}`
	email := &recordingEmail{}
	engine := newStepEngine(t, func(s *journey.Services) {
		seedUser(t, s.Users, nil)
		s.Email = email
	}, policy)

	out := signIn(t, engine, "mfa-email")
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	assert.Equal(t, "email", out.Model["method"])
	assert.Equal(t, "alice@example.com", email.to)

	code := strings.TrimPrefix(email.body, "Your verification code is ")
	require.Len(t, code, 6)

	out, err := engine.Advance(ctx, "acme", out.JourneyID, map[string]string{"otp": "000000x"})
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	assert.Equal(t, "The code is not valid.", out.Model["error"])

	out, err = engine.Advance(ctx, "acme", out.JourneyID, map[string]string{"otp": code})
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeCompleted, out.Kind)
	assert.Contains(t, out.Result.AMR, "otp")

	// The challenge code never surfaces in the completed journey's claims.
	assert.NotContains(t, out.Result.Claims, "_mfa_code")
}
