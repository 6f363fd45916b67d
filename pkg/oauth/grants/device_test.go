// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

var userCodePattern = regexp.MustCompile(`^[A-Z]{4}-[A-Z]{4}$`)

func (f *grantFixture) deviceAuthorizer(t *testing.T) *DeviceAuthorizer {
	t.Helper()
	return NewDeviceAuthorizer(f.store, "https://id.example.com/device",
		WithDeviceClock(func() time.Time { return f.now }))
}

func TestDeviceFlow(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()
	tn := &tenant.Tenant{ID: "acme", Enabled: true}
	authorizer := f.deviceAuthorizer(t)

	resp, oerr := authorizer.Authorize(ctx, tn, f.client, []string{"openid", "profile"})
	require.Nil(t, oerr)
	assert.Regexp(t, userCodePattern, resp.UserCode)
	assert.Equal(t, int64(600), resp.ExpiresIn)
	assert.Equal(t, int64(5), resp.Interval)
	assert.Contains(t, resp.VerificationURIComplete, resp.UserCode)

	poll := url.Values{"device_code": {resp.DeviceCode}}

	// Pending: authorization_pending, and an immediate re-poll is paced.
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeDeviceCode, f.request(poll))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeAuthorizationPending, oerr.Code)

	f.now = f.now.Add(time.Second)
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeDeviceCode, f.request(poll))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeSlowDown, oerr.Code)

	// Approval uses the normalized user code; lowercase input is accepted.
	f.now = f.now.Add(6 * time.Second)
	require.NoError(t, authorizer.Approve(ctx, "acme",
		"  "+strings.ToLower(resp.UserCode[:4]+resp.UserCode[5:])+" ", f.subject.SubjectID, "sess-d"))

	f.now = f.now.Add(6 * time.Second)
	tokens, oerr := f.registry.Handle(ctx, oauth.GrantTypeDeviceCode, f.request(poll))
	require.Nil(t, oerr)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.IDToken)

	claims, err := f.tokens.Verify(ctx, "acme", tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.subject.SubjectID, claims.GetString("sub"))

	// The code was consumed with the issuance; polling again fails.
	f.now = f.now.Add(6 * time.Second)
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeDeviceCode, f.request(poll))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestDeviceFlowDenied(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()
	tn := &tenant.Tenant{ID: "acme", Enabled: true}
	authorizer := f.deviceAuthorizer(t)

	resp, oerr := authorizer.Authorize(ctx, tn, f.client, []string{"openid"})
	require.Nil(t, oerr)
	require.NoError(t, authorizer.Deny(ctx, "acme", resp.UserCode))

	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeDeviceCode, f.request(url.Values{
		"device_code": {resp.DeviceCode},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeAccessDenied, oerr.Code)

	// Denied codes are deleted on the poll that observed the denial.
	_, err := f.store.GetDeviceCode(ctx, resp.DeviceCode)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeviceFlowExpiry(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()
	tn := &tenant.Tenant{ID: "acme", Enabled: true}
	authorizer := f.deviceAuthorizer(t)

	resp, oerr := authorizer.Authorize(ctx, tn, f.client, []string{"openid"})
	require.Nil(t, oerr)

	f.now = f.now.Add(11 * time.Minute)
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeDeviceCode, f.request(url.Values{
		"device_code": {resp.DeviceCode},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeExpiredToken, oerr.Code)

	// An expired pair can no longer be approved either.
	assert.Error(t, authorizer.Approve(ctx, "acme", resp.UserCode, f.subject.SubjectID, ""))
}

func TestDeviceAuthorizeValidation(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, func(c *oauth.Client) {
		c.AllowedGrantTypes = []string{oauth.GrantTypeAuthorizationCode}
	})
	tn := &tenant.Tenant{ID: "acme", Enabled: true}

	_, oerr := f.deviceAuthorizer(t).Authorize(context.Background(), tn, f.client, []string{"openid"})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeUnauthorizedClient, oerr.Code)
}

func (f *grantFixture) seedCIBA(t *testing.T, status storage.CIBAStatus) *storage.CIBARequest {
	t.Helper()
	id, err := oauth.NewOpaqueToken()
	require.NoError(t, err)
	cr := &storage.CIBARequest{
		AuthReqID: id,
		TenantID:  "acme",
		ClientID:  f.client.ID,
		SubjectID: f.subject.SubjectID,
		Scopes:    []string{"openid", "profile"},
		Status:    status,
		Interval:  5,
		CreatedAt: f.now,
		ExpiresAt: f.now.Add(5 * time.Minute),
	}
	require.NoError(t, f.store.PutCIBARequest(context.Background(), cr))
	return cr
}

func TestCIBAGrant(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	cr := f.seedCIBA(t, storage.CIBAPending)
	poll := url.Values{"auth_req_id": {cr.AuthReqID}}

	_, oerr := f.registry.Handle(ctx, oauth.GrantTypeCIBA, f.request(poll))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeAuthorizationPending, oerr.Code)

	f.now = f.now.Add(time.Second)
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeCIBA, f.request(poll))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeSlowDown, oerr.Code)

	// Approve on the authentication device.
	cr.Status = storage.CIBAApproved
	require.NoError(t, f.store.UpdateCIBARequest(ctx, cr))

	f.now = f.now.Add(6 * time.Second)
	resp, oerr := f.registry.Handle(ctx, oauth.GrantTypeCIBA, f.request(poll))
	require.Nil(t, oerr)
	assert.NotEmpty(t, resp.AccessToken)

	// Approved requests are one-shot.
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeCIBA, f.request(poll))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestCIBAStatusMapping(t *testing.T) {
	t.Parallel()
	f := newGrantFixture(t, nil)
	ctx := context.Background()

	denied := f.seedCIBA(t, storage.CIBADenied)
	_, oerr := f.registry.Handle(ctx, oauth.GrantTypeCIBA, f.request(url.Values{
		"auth_req_id": {denied.AuthReqID},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeAccessDenied, oerr.Code)

	expired := f.seedCIBA(t, storage.CIBAPending)
	f.now = f.now.Add(6 * time.Minute)
	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeCIBA, f.request(url.Values{
		"auth_req_id": {expired.AuthReqID},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeExpiredToken, oerr.Code)

	_, oerr = f.registry.Handle(ctx, oauth.GrantTypeCIBA, f.request(url.Values{
		"auth_req_id": {"unknown"},
	}))
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}
