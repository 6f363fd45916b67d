// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the store interfaces and backends for the
// authorization server's short-lived protocol artifacts: authorization
// codes, refresh token grants, device codes, PAR entries, DPoP replay
// state, consent records, protocol contexts, journey state, CIBA requests,
// and webhook deliveries.
//
// All stores have TTL semantics and are keyed by opaque random tokens.
// Backends: in-memory (single instance) and Redis (distributed).
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Storage

import (
	"context"
	"errors"
	"time"

	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when an entity does not exist or has expired.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned by insert operations on key collision.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrAlreadyConsumed is returned when a one-time artifact is presented
	// a second time. Callers use it to trigger family revocation.
	ErrAlreadyConsumed = errors.New("storage: already consumed")

	// ErrReplayed is returned by put-if-absent replay guards when the key
	// has been seen before.
	ErrReplayed = errors.New("storage: replayed")

	// ErrStaleState is returned when a compare-and-swap update loses to a
	// concurrent writer. The caller may re-read and retry.
	ErrStaleState = errors.New("storage: state is stale")
)

// AuthorizationCode is a single-use grant minted by the authorize endpoint.
type AuthorizationCode struct {
	// Code is the opaque 256-bit token (base64url, no padding).
	Code string `json:"code"`

	TenantID    string   `json:"tenant_id"`
	ClientID    string   `json:"client_id"`
	SubjectID   string   `json:"subject_id"`
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`

	// CodeChallenge and CodeChallengeMethod carry the PKCE binding.
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	Nonce     string `json:"nonce,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// AuthTime and AMR describe how the user authenticated.
	AuthTime time.Time `json:"auth_time"`
	AMR      []string  `json:"amr,omitempty"`
	ACR      string    `json:"acr,omitempty"`

	// ClaimsSnapshot is the user's claims at authorize time.
	ClaimsSnapshot oauth.Claims `json:"claims_snapshot,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its expiration at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// RefreshTokenGrant is a persisted grant backing a refresh token.
type RefreshTokenGrant struct {
	// Token is the opaque refresh token value.
	Token string `json:"token"`

	TenantID  string   `json:"tenant_id"`
	ClientID  string   `json:"client_id"`
	SubjectID string   `json:"subject_id"`
	SessionID string   `json:"session_id,omitempty"`
	Scopes    []string `json:"scopes"`

	// Claims carried from the original issuance, reused on refresh unless
	// the client updates claims on refresh.
	Claims oauth.Claims `json:"claims,omitempty"`

	// DPoPThumbprint binds the grant to a DPoP key when set.
	DPoPThumbprint string `json:"dpop_jkt,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// ConsumedAt is non-zero once a OneTimeOnly token has been used.
	ConsumedAt time.Time `json:"consumed_at,omitempty"`

	// ExpiresAt is the current (possibly sliding) expiration.
	ExpiresAt time.Time `json:"expires_at"`

	// AbsoluteExpiresAt caps sliding extension.
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`

	// LastUsedAt tracks sliding-window activity.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the grant is past its effective expiration.
func (g *RefreshTokenGrant) Expired(now time.Time) bool {
	if now.After(g.AbsoluteExpiresAt) {
		return true
	}
	return now.After(g.ExpiresAt)
}

// Consumed reports whether the grant has been marked consumed.
func (g *RefreshTokenGrant) Consumed() bool {
	return !g.ConsumedAt.IsZero()
}

// GrantFamily identifies the (subject, client, session) triple used for
// replay-triggered family revocation. An empty SessionID never matches any
// stored grant.
type GrantFamily struct {
	TenantID  string
	SubjectID string
	ClientID  string
	SessionID string
}

// ConsentRecord stores the scopes a subject has granted to a client.
type ConsentRecord struct {
	TenantID  string    `json:"tenant_id"`
	SubjectID string    `json:"subject_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Covers reports whether the record covers every requested scope and is not
// expired at now.
func (r *ConsentRecord) Covers(scopes []string, now time.Time) bool {
	if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		return false
	}
	return oauth.ScopesSubset(scopes, r.Scopes)
}

// DeviceCodeStatus is the approval state of a device authorization.
type DeviceCodeStatus string

// Device code statuses.
const (
	DeviceCodePending    DeviceCodeStatus = "Pending"
	DeviceCodeAuthorized DeviceCodeStatus = "Authorized"
	DeviceCodeDenied     DeviceCodeStatus = "Denied"
)

// DeviceCode is an RFC 8628 device authorization.
type DeviceCode struct {
	// DeviceCode is the opaque code polled by the device.
	DeviceCode string `json:"device_code"`

	// UserCode is the short code the user types on the verification page.
	UserCode string `json:"user_code"`

	TenantID string           `json:"tenant_id"`
	ClientID string           `json:"client_id"`
	Scopes   []string         `json:"scopes"`
	Status   DeviceCodeStatus `json:"status"`

	// SubjectID is set when the user approves the request.
	SubjectID string `json:"subject_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Interval is the minimum polling interval in seconds.
	Interval int64 `json:"interval"`

	// LastPolledAt enforces the poll interval (slow_down).
	LastPolledAt time.Time `json:"last_polled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the device code is past its expiration at now.
func (d *DeviceCode) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// PAREntry is a pushed authorization request (RFC 9126), one-time use.
type PAREntry struct {
	// RequestURI is the full urn:ietf:params:oauth:request_uri:<id> value.
	RequestURI string `json:"request_uri"`

	TenantID string `json:"tenant_id"`
	ClientID string `json:"client_id"`

	// Parameters is the pushed authorize parameter map.
	Parameters map[string]string `json:"parameters"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiration at now.
func (p *PAREntry) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// ProtocolContext preserves a validated authorize request while a journey
// is in progress, keyed by correlation id.
type ProtocolContext struct {
	CorrelationID string `json:"correlation_id"`
	TenantID      string `json:"tenant_id"`

	// EndpointType identifies the suspended protocol endpoint
	// ("authorize", "device").
	EndpointType string `json:"endpoint_type"`

	// Request is the serialized validated request. It must round-trip
	// exactly.
	Request []byte `json:"request"`

	// PolicyID is the journey policy selected for this request.
	PolicyID string `json:"policy_id,omitempty"`

	// JourneyID links to the running journey once started.
	JourneyID string `json:"journey_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JourneyStatus is the lifecycle state of a journey instance.
type JourneyStatus string

// Journey statuses.
const (
	JourneyRunning   JourneyStatus = "Running"
	JourneyCompleted JourneyStatus = "Completed"
	JourneyFailed    JourneyStatus = "Failed"
)

// JourneyState is the persisted state of a journey instance. It is advanced
// by exactly one request at a time; Version implements the compare-and-swap
// that enforces this.
type JourneyState struct {
	JourneyID     string `json:"journey_id"`
	PolicyID      string `json:"policy_id"`
	TenantID      string `json:"tenant_id"`
	ClientID      string `json:"client_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Status           JourneyStatus `json:"status"`
	CurrentStepIndex int           `json:"current_step_index"`

	// UserID is set once a step establishes identity.
	UserID          string    `json:"user_id,omitempty"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitempty"`
	AuthMethod      string    `json:"auth_method,omitempty"`
	IdentityProvider string   `json:"idp,omitempty"`

	// Data is the step-to-step data map.
	Data oauth.Claims `json:"data,omitempty"`

	// UserInput is the most recent form submission.
	UserInput map[string]string `json:"user_input,omitempty"`

	// FailureCode and FailureDescription are set on Failed journeys.
	FailureCode        string `json:"failure_code,omitempty"`
	FailureDescription string `json:"failure_description,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Version is incremented on every successful update.
	Version int64 `json:"version"`
}

// Expired reports whether the journey is past its TTL at now.
func (j *JourneyState) Expired(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

// CIBAStatus is the state of a backchannel authentication request.
type CIBAStatus string

// CIBA request statuses.
const (
	CIBAPending  CIBAStatus = "Pending"
	CIBAApproved CIBAStatus = "Approved"
	CIBADenied   CIBAStatus = "Denied"
	CIBAExpired  CIBAStatus = "Expired"
	CIBAConsumed CIBAStatus = "Consumed"
)

// CIBARequest is a client-initiated backchannel authentication request.
type CIBARequest struct {
	AuthReqID string     `json:"auth_req_id"`
	TenantID  string     `json:"tenant_id"`
	ClientID  string     `json:"client_id"`
	SubjectID string     `json:"subject_id,omitempty"`
	Scopes    []string   `json:"scopes"`
	Status    CIBAStatus `json:"status"`
	// BindingMessage is shown on the authentication device.
	BindingMessage string    `json:"binding_message,omitempty"`
	Interval       int64     `json:"interval"`
	LastPolledAt   time.Time `json:"last_polled_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// WebhookDeliveryStatus is the state of a webhook delivery.
type WebhookDeliveryStatus string

// Webhook delivery statuses.
const (
	DeliveryPending   WebhookDeliveryStatus = "Pending"
	DeliverySucceeded WebhookDeliveryStatus = "Succeeded"
	DeliveryFailed    WebhookDeliveryStatus = "Failed"
	DeliveryExhausted WebhookDeliveryStatus = "Exhausted"
)

// WebhookDelivery is one at-least-once delivery of an event to an endpoint.
type WebhookDelivery struct {
	ID         string                `json:"id"`
	TenantID   string                `json:"tenant_id"`
	EndpointID string                `json:"endpoint_id"`
	EventType  string                `json:"event_type"`
	Payload    []byte                `json:"payload"`
	Status     WebhookDeliveryStatus `json:"status"`
	Attempts   int                   `json:"attempts"`
	NextRetryAt time.Time            `json:"next_retry_at"`
	// ResponseStatus is the HTTP status of the last attempt.
	ResponseStatus int    `json:"response_status,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AuthorizationCodeStore persists single-use authorization codes.
type AuthorizationCodeStore interface {
	// PutAuthorizationCode stores a new code.
	PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code without consuming it.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically removes the code, the equivalent
	// of remove-if-present. Exactly one caller wins; later callers receive
	// the original code together with ErrAlreadyConsumed so they can revoke
	// the grant family. Expired codes return ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// RemoveAuthorizationCode deletes the code and any consumption marker.
	RemoveAuthorizationCode(ctx context.Context, code string) error
}

// RefreshTokenStore persists refresh token grants.
type RefreshTokenStore interface {
	// PutRefreshGrant stores a new grant.
	PutRefreshGrant(ctx context.Context, grant *RefreshTokenGrant) error

	// GetRefreshGrant returns the grant by token.
	GetRefreshGrant(ctx context.Context, token string) (*RefreshTokenGrant, error)

	// ConsumeRefreshGrant atomically sets ConsumedAt if currently unset.
	// A grant that is already consumed returns ErrAlreadyConsumed together
	// with the stored grant.
	ConsumeRefreshGrant(ctx context.Context, token string) (*RefreshTokenGrant, error)

	// UpdateRefreshGrant overwrites a stored grant (sliding expiration,
	// last-activity updates).
	UpdateRefreshGrant(ctx context.Context, grant *RefreshTokenGrant) error

	// RemoveRefreshGrant deletes the grant.
	RemoveRefreshGrant(ctx context.Context, token string) error

	// RevokeFamily removes every grant matching the (subject, client,
	// session) triple and returns how many were removed. A family with an
	// empty SessionID matches nothing.
	RevokeFamily(ctx context.Context, family GrantFamily) (int, error)
}

// ConsentStore persists consent records keyed by (tenant, subject, client).
type ConsentStore interface {
	PutConsent(ctx context.Context, record *ConsentRecord) error
	GetConsent(ctx context.Context, tenantID, subjectID, clientID string) (*ConsentRecord, error)
	RemoveConsent(ctx context.Context, tenantID, subjectID, clientID string) error
}

// DeviceCodeStore persists device authorizations.
type DeviceCodeStore interface {
	PutDeviceCode(ctx context.Context, code *DeviceCode) error
	GetDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error)
	GetDeviceCodeByUserCode(ctx context.Context, tenantID, userCode string) (*DeviceCode, error)

	// UpdateDeviceCode overwrites the stored device code (status
	// transitions, poll pacing).
	UpdateDeviceCode(ctx context.Context, code *DeviceCode) error

	// ConsumeAuthorizedDeviceCode atomically claims an Authorized device
	// code for token minting and removes it, so two concurrent polls can
	// never both receive tokens. Non-authorized codes return ErrNotFound.
	ConsumeAuthorizedDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error)

	RemoveDeviceCode(ctx context.Context, deviceCode string) error
}

// PARStore persists pushed authorization requests, one-time use.
type PARStore interface {
	PutPAREntry(ctx context.Context, entry *PAREntry) error

	// ConsumePAREntry atomically removes and returns the entry. A second
	// consume returns ErrNotFound; expired entries return ErrNotFound.
	ConsumePAREntry(ctx context.Context, requestURI string) (*PAREntry, error)
}

// ReplayStore provides put-if-absent guards with TTL for DPoP jti values
// and client assertion JWT ids.
type ReplayStore interface {
	// PutJTI records a jti; ErrReplayed if it was already present.
	PutJTI(ctx context.Context, jti string, ttl time.Duration) error

	// PutDPoPNonce stores a server-issued DPoP nonce.
	PutDPoPNonce(ctx context.Context, nonce string, ttl time.Duration) error

	// CheckDPoPNonce reports whether the nonce is currently valid.
	CheckDPoPNonce(ctx context.Context, nonce string) (bool, error)
}

// SessionRevocationStore tracks revoked session ids so that self-contained
// access tokens can be rejected by introspection and userinfo.
type SessionRevocationStore interface {
	// RevokeSessionID marks a session id revoked for ttl.
	RevokeSessionID(ctx context.Context, sessionID string, ttl time.Duration) error

	// IsSessionRevoked reports whether the session id has been revoked.
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)
}

// ProtocolStateStore persists suspended protocol requests by correlation id.
type ProtocolStateStore interface {
	PutProtocolContext(ctx context.Context, pc *ProtocolContext) error
	GetProtocolContext(ctx context.Context, correlationID string) (*ProtocolContext, error)
	UpdateProtocolContext(ctx context.Context, pc *ProtocolContext) error
	RemoveProtocolContext(ctx context.Context, correlationID string) error
}

// JourneyStateStore persists journey state between HTTP turns.
type JourneyStateStore interface {
	// PutJourneyState inserts a new journey; ErrAlreadyExists on collision.
	PutJourneyState(ctx context.Context, state *JourneyState) error

	GetJourneyState(ctx context.Context, journeyID string) (*JourneyState, error)

	// UpdateJourneyState performs a compare-and-swap on Version: the stored
	// version must equal state.Version, and the stored copy is written with
	// Version+1. Losers receive ErrStaleState.
	UpdateJourneyState(ctx context.Context, state *JourneyState) error

	RemoveJourneyState(ctx context.Context, journeyID string) error
}

// CIBAStore persists backchannel authentication requests.
type CIBAStore interface {
	PutCIBARequest(ctx context.Context, req *CIBARequest) error
	GetCIBARequest(ctx context.Context, authReqID string) (*CIBARequest, error)
	UpdateCIBARequest(ctx context.Context, req *CIBARequest) error
	RemoveCIBARequest(ctx context.Context, authReqID string) error
}

// WebhookDeliveryStore persists webhook deliveries and implements the
// single-consumer claim used by the retry processor.
type WebhookDeliveryStore interface {
	CreateDelivery(ctx context.Context, d *WebhookDelivery) error

	// ClaimDueDeliveries atomically claims up to limit deliveries whose
	// next_retry_at <= now and whose status is Pending or Failed. A claimed
	// delivery is not returned to a concurrent claimer.
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error)

	// UpdateDelivery records the outcome of an attempt and releases the claim.
	UpdateDelivery(ctx context.Context, d *WebhookDelivery) error

	GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error)
}

// Storage is the full store surface used by the server. Backends may also be
// consumed through the narrower capability interfaces above.
type Storage interface {
	AuthorizationCodeStore
	RefreshTokenStore
	ConsentStore
	DeviceCodeStore
	PARStore
	ReplayStore
	SessionRevocationStore
	ProtocolStateStore
	JourneyStateStore
	CIBAStore

	// Close releases backend resources.
	Close() error
}
