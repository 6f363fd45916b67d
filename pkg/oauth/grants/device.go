// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/tenant"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// Device flow defaults (RFC 8628).
const (
	DefaultDeviceCodeLifetime = 10 * time.Minute
	DefaultDevicePollInterval = 5 * time.Second

	userCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	userCodeLength   = 8
)

// DeviceAuthorizer backs the device authorization endpoint: it issues
// device/user code pairs and records the user's approval or denial.
type DeviceAuthorizer struct {
	store           storage.DeviceCodeStore
	verificationURI string
	clock           func() time.Time
	lifetime        time.Duration
	interval        time.Duration
}

// DeviceOption configures a DeviceAuthorizer.
type DeviceOption func(*DeviceAuthorizer)

// WithDeviceClock injects a clock for deterministic tests.
func WithDeviceClock(clock func() time.Time) DeviceOption {
	return func(d *DeviceAuthorizer) {
		d.clock = clock
	}
}

// WithDeviceCodeLifetime sets how long an unapproved pair stays valid.
func WithDeviceCodeLifetime(lifetime time.Duration) DeviceOption {
	return func(d *DeviceAuthorizer) {
		d.lifetime = lifetime
	}
}

// NewDeviceAuthorizer creates a DeviceAuthorizer. verificationURI is the
// absolute URL of the user-facing approval page.
func NewDeviceAuthorizer(store storage.DeviceCodeStore, verificationURI string, opts ...DeviceOption) *DeviceAuthorizer {
	d := &DeviceAuthorizer{
		store:           store,
		verificationURI: verificationURI,
		clock:           time.Now,
		lifetime:        DefaultDeviceCodeLifetime,
		interval:        DefaultDevicePollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Authorize issues a new device/user code pair for the client.
func (d *DeviceAuthorizer) Authorize(ctx context.Context, tn *tenant.Tenant, client *oauth.Client, scopes []string) (*oauth.DeviceAuthorizationResponse, *oauth.Error) {
	if !client.GrantTypeAllowed(oauth.GrantTypeDeviceCode) {
		return nil, oauth.ErrUnauthorizedClient("client may not use the device_code grant")
	}
	if len(scopes) > 0 && !client.ScopesAllowed(scopes) {
		return nil, oauth.ErrInvalidScope("requested scope exceeds the client's allowed scopes")
	}

	deviceCode, err := oauth.NewOpaqueToken()
	if err != nil {
		return nil, oauth.ErrServerError("generating device code")
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, oauth.ErrServerError("generating user code")
	}

	now := d.clock()
	record := &storage.DeviceCode{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		TenantID:   tn.ID,
		ClientID:   client.ID,
		Scopes:     scopes,
		Status:     storage.DeviceCodePending,
		Interval:   int64(d.interval.Seconds()),
		CreatedAt:  now,
		ExpiresAt:  now.Add(d.lifetime),
	}
	if err := d.store.PutDeviceCode(ctx, record); err != nil {
		return nil, oauth.ErrServerError("storing device code")
	}

	logger.Debugw("device authorization issued",
		"tenant", tn.ID,
		"client_id", client.ID,
		"user_code", userCode,
	)
	return &oauth.DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         d.verificationURI,
		VerificationURIComplete: d.verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(d.lifetime.Seconds()),
		Interval:                record.Interval,
	}, nil
}

// Approve records the authenticated user's approval for a user code.
func (d *DeviceAuthorizer) Approve(ctx context.Context, tenantID, userCode, subjectID, sessionID string) error {
	code, err := d.pendingByUserCode(ctx, tenantID, userCode)
	if err != nil {
		return err
	}
	code.Status = storage.DeviceCodeAuthorized
	code.SubjectID = subjectID
	code.SessionID = sessionID
	return d.store.UpdateDeviceCode(ctx, code)
}

// Deny records the user's denial for a user code.
func (d *DeviceAuthorizer) Deny(ctx context.Context, tenantID, userCode string) error {
	code, err := d.pendingByUserCode(ctx, tenantID, userCode)
	if err != nil {
		return err
	}
	code.Status = storage.DeviceCodeDenied
	return d.store.UpdateDeviceCode(ctx, code)
}

func (d *DeviceAuthorizer) pendingByUserCode(ctx context.Context, tenantID, userCode string) (*storage.DeviceCode, error) {
	code, err := d.store.GetDeviceCodeByUserCode(ctx, tenantID, normalizeUserCode(userCode))
	if err != nil {
		return nil, err
	}
	if code.Expired(d.clock()) || code.Status != storage.DeviceCodePending {
		return nil, storage.ErrNotFound
	}
	return code, nil
}

// newUserCode returns an 8-letter code formatted XXXX-XXXX.
func newUserCode() (string, error) {
	letters := make([]byte, userCodeLength)
	max := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range letters {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		letters[i] = userCodeAlphabet[n.Int64()]
	}
	return string(letters[:4]) + "-" + string(letters[4:]), nil
}

// normalizeUserCode tolerates lowercase input and a missing dash.
func normalizeUserCode(code string) string {
	code = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	if len(code) != userCodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// deviceCodeHandler is the device_code grant polled by the device
// (RFC 8628 Section 3.4).
type deviceCodeHandler struct {
	store  storage.Storage
	minter *minter
}

func (h *deviceCodeHandler) Grant(ctx context.Context, req *Request) (*oauth.TokenResponse, *oauth.Error) {
	deviceCode := req.Form.Get("device_code")
	if deviceCode == "" {
		return nil, oauth.ErrInvalidRequest("device_code is required")
	}
	now := h.minter.clock()

	code, err := h.store.GetDeviceCode(ctx, deviceCode)
	if err != nil {
		return nil, oauth.ErrInvalidGrant("device_code is invalid")
	}
	if code.TenantID != req.TenantID || code.ClientID != req.Client.ID {
		return nil, oauth.ErrInvalidGrant("device_code was issued to a different client")
	}
	if code.Expired(now) {
		_ = h.store.RemoveDeviceCode(ctx, deviceCode)
		return nil, oauth.ErrExpiredToken()
	}

	// Poll pacing: a device polling faster than the advertised interval is
	// told to slow down, and the violation still counts as a poll.
	if !code.LastPolledAt.IsZero() && now.Sub(code.LastPolledAt) < time.Duration(code.Interval)*time.Second {
		code.LastPolledAt = now
		_ = h.store.UpdateDeviceCode(ctx, code)
		return nil, oauth.ErrSlowDown()
	}

	switch code.Status {
	case storage.DeviceCodePending:
		code.LastPolledAt = now
		_ = h.store.UpdateDeviceCode(ctx, code)
		return nil, oauth.ErrAuthorizationPending()

	case storage.DeviceCodeDenied:
		_ = h.store.RemoveDeviceCode(ctx, deviceCode)
		return nil, oauth.ErrAccessDenied("the user denied the request")

	case storage.DeviceCodeAuthorized:
		// One-shot claim: of two concurrent polls only one may mint tokens.
		claimed, err := h.store.ConsumeAuthorizedDeviceCode(ctx, deviceCode)
		if err != nil {
			return nil, oauth.ErrInvalidGrant("device_code is invalid")
		}
		return h.issueForDevice(ctx, req, claimed)

	default:
		return nil, oauth.ErrInvalidGrant("device_code is in an unknown state")
	}
}

func (h *deviceCodeHandler) issueForDevice(ctx context.Context, req *Request, code *storage.DeviceCode) (*oauth.TokenResponse, *oauth.Error) {
	u, oerr := h.minter.checkUser(ctx, req.TenantID, code.SubjectID, req.Client)
	if oerr != nil {
		return nil, oerr
	}
	return h.minter.issue(ctx, req.TenantID, issuance{
		Client:         req.Client,
		SubjectID:      code.SubjectID,
		SessionID:      code.SessionID,
		Scopes:         code.Scopes,
		ProfileClaims:  user.ClaimsForScopes(u, code.Scopes),
		DPoPThumbprint: req.DPoPThumbprint,
		IncludeRefresh: true,
	})
}
