// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the background sweep removes expired
// entries from the in-memory store.
const DefaultCleanupInterval = time.Minute

// consumedMarkerTTL is how long consumption markers for one-time artifacts
// are retained so that replays can be distinguished from unknown tokens.
const consumedMarkerTTL = 24 * time.Hour

// timedEntry wraps a value with its expiration for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStorage implements Storage with in-memory maps. It is thread-safe
// and suitable for development, testing, and single-instance deployments.
// Eviction is lazy on read plus a periodic background sweep.
type MemoryStorage struct {
	mu sync.Mutex

	authCodes     map[string]*timedEntry[*AuthorizationCode]
	consumedCodes map[string]*timedEntry[*AuthorizationCode]

	refreshGrants map[string]*timedEntry[*RefreshTokenGrant]

	consents map[string]*timedEntry[*ConsentRecord]

	deviceCodes map[string]*timedEntry[*DeviceCode]
	// userCodes maps tenantID+"\x00"+userCode -> device code value.
	userCodes map[string]string

	parEntries map[string]*timedEntry[*PAREntry]

	jtis       map[string]*timedEntry[struct{}]
	dpopNonces map[string]*timedEntry[struct{}]

	revokedSessions map[string]*timedEntry[struct{}]

	protocolContexts map[string]*timedEntry[*ProtocolContext]

	journeys map[string]*timedEntry[*JourneyState]

	cibaRequests map[string]*timedEntry[*CIBARequest]

	deliveries map[string]*WebhookDelivery
	// claimedDeliveries holds ids currently being attempted by a worker.
	claimedDeliveries map[string]bool

	clock func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.clock = clock
	}
}

// NewMemoryStorage creates a MemoryStorage with initialized maps and starts
// the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		authCodes:         make(map[string]*timedEntry[*AuthorizationCode]),
		consumedCodes:     make(map[string]*timedEntry[*AuthorizationCode]),
		refreshGrants:     make(map[string]*timedEntry[*RefreshTokenGrant]),
		consents:          make(map[string]*timedEntry[*ConsentRecord]),
		deviceCodes:       make(map[string]*timedEntry[*DeviceCode]),
		userCodes:         make(map[string]string),
		parEntries:        make(map[string]*timedEntry[*PAREntry]),
		jtis:              make(map[string]*timedEntry[struct{}]),
		dpopNonces:        make(map[string]*timedEntry[struct{}]),
		revokedSessions:   make(map[string]*timedEntry[struct{}]),
		protocolContexts:  make(map[string]*timedEntry[*ProtocolContext]),
		journeys:          make(map[string]*timedEntry[*JourneyState]),
		cibaRequests:      make(map[string]*timedEntry[*CIBARequest]),
		deliveries:        make(map[string]*WebhookDelivery),
		claimedDeliveries: make(map[string]bool),
		clock:             time.Now,
		cleanupInterval:   DefaultCleanupInterval,
		stopCleanup:       make(chan struct{}),
		cleanupDone:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the cleanup goroutine.
func (s *MemoryStorage) Close() error {
	select {
	case <-s.stopCleanup:
		// already closed
	default:
		close(s.stopCleanup)
		<-s.cleanupDone
	}
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

// sweep removes expired entries from every map.
func (s *MemoryStorage) sweep() {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	sweepMap(s.authCodes, now)
	sweepMap(s.consumedCodes, now)
	sweepMap(s.refreshGrants, now)
	sweepMap(s.consents, now)
	sweepMap(s.parEntries, now)
	sweepMap(s.jtis, now)
	sweepMap(s.dpopNonces, now)
	sweepMap(s.revokedSessions, now)
	sweepMap(s.protocolContexts, now)
	sweepMap(s.journeys, now)
	sweepMap(s.cibaRequests, now)

	for code, entry := range s.deviceCodes {
		if entry.expired(now) {
			delete(s.userCodes, userCodeKey(entry.value.TenantID, entry.value.UserCode))
			delete(s.deviceCodes, code)
		}
	}
}

func sweepMap[T any](m map[string]*timedEntry[T], now time.Time) {
	for k, e := range m {
		if e.expired(now) {
			delete(m, k)
		}
	}
}

// --- AuthorizationCodeStore ---

// PutAuthorizationCode stores a new authorization code.
func (s *MemoryStorage) PutAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code.Code]; ok {
		return ErrAlreadyExists
	}
	cp := *code
	s.authCodes[code.Code] = &timedEntry[*AuthorizationCode]{value: &cp, expiresAt: code.ExpiresAt}
	return nil
}

// GetAuthorizationCode returns the code without consuming it.
func (s *MemoryStorage) GetAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	cp := *entry.value
	return &cp, nil
}

// ConsumeAuthorizationCode atomically removes the code. The winner gets the
// code; later callers get ErrAlreadyConsumed with the original payload.
func (s *MemoryStorage) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.consumedCodes[code]; ok && !entry.expired(now) {
		cp := *entry.value
		return &cp, ErrAlreadyConsumed
	}

	entry, ok := s.authCodes[code]
	if !ok || entry.expired(now) {
		return nil, ErrNotFound
	}

	delete(s.authCodes, code)
	s.consumedCodes[code] = &timedEntry[*AuthorizationCode]{
		value:     entry.value,
		expiresAt: now.Add(consumedMarkerTTL),
	}
	cp := *entry.value
	return &cp, nil
}

// RemoveAuthorizationCode deletes the code and its consumption marker.
func (s *MemoryStorage) RemoveAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	delete(s.consumedCodes, code)
	return nil
}

// --- RefreshTokenStore ---

// PutRefreshGrant stores a new refresh token grant.
func (s *MemoryStorage) PutRefreshGrant(_ context.Context, grant *RefreshTokenGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshGrants[grant.Token]; ok {
		return ErrAlreadyExists
	}
	cp := *grant
	s.refreshGrants[grant.Token] = &timedEntry[*RefreshTokenGrant]{value: &cp, expiresAt: grant.AbsoluteExpiresAt}
	return nil
}

// GetRefreshGrant returns the grant by token.
func (s *MemoryStorage) GetRefreshGrant(_ context.Context, token string) (*RefreshTokenGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.refreshGrants[token]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	cp := *entry.value
	return &cp, nil
}

// ConsumeRefreshGrant sets ConsumedAt if currently unset; an already
// consumed grant returns ErrAlreadyConsumed.
func (s *MemoryStorage) ConsumeRefreshGrant(_ context.Context, token string) (*RefreshTokenGrant, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.refreshGrants[token]
	if !ok || entry.expired(now) {
		return nil, ErrNotFound
	}
	if entry.value.Consumed() {
		cp := *entry.value
		return &cp, ErrAlreadyConsumed
	}
	entry.value.ConsumedAt = now
	entry.value.LastUsedAt = now
	cp := *entry.value
	return &cp, nil
}

// UpdateRefreshGrant overwrites a stored grant.
func (s *MemoryStorage) UpdateRefreshGrant(_ context.Context, grant *RefreshTokenGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshGrants[grant.Token]; !ok {
		return ErrNotFound
	}
	cp := *grant
	s.refreshGrants[grant.Token] = &timedEntry[*RefreshTokenGrant]{value: &cp, expiresAt: grant.AbsoluteExpiresAt}
	return nil
}

// RemoveRefreshGrant deletes the grant.
func (s *MemoryStorage) RemoveRefreshGrant(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshGrants, token)
	return nil
}

// RevokeFamily removes every grant matching the (subject, client, session)
// triple. An empty SessionID matches nothing.
func (s *MemoryStorage) RevokeFamily(_ context.Context, family GrantFamily) (int, error) {
	if family.SessionID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, entry := range s.refreshGrants {
		g := entry.value
		if g.TenantID == family.TenantID &&
			g.SubjectID == family.SubjectID &&
			g.ClientID == family.ClientID &&
			g.SessionID == family.SessionID {
			delete(s.refreshGrants, token)
			removed++
		}
	}
	return removed, nil
}

// --- ConsentStore ---

func consentKey(tenantID, subjectID, clientID string) string {
	return strings.Join([]string{tenantID, subjectID, clientID}, "\x00")
}

// PutConsent stores a consent record, replacing any existing one.
func (s *MemoryStorage) PutConsent(_ context.Context, record *ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.consents[consentKey(record.TenantID, record.SubjectID, record.ClientID)] = &timedEntry[*ConsentRecord]{
		value:     &cp,
		expiresAt: record.ExpiresAt,
	}
	return nil
}

// GetConsent returns the consent record for (tenant, subject, client).
func (s *MemoryStorage) GetConsent(_ context.Context, tenantID, subjectID, clientID string) (*ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.consents[consentKey(tenantID, subjectID, clientID)]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	cp := *entry.value
	return &cp, nil
}

// RemoveConsent deletes the consent record.
func (s *MemoryStorage) RemoveConsent(_ context.Context, tenantID, subjectID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, consentKey(tenantID, subjectID, clientID))
	return nil
}

// --- DeviceCodeStore ---

func userCodeKey(tenantID, userCode string) string {
	return tenantID + "\x00" + userCode
}

// PutDeviceCode stores a device authorization.
func (s *MemoryStorage) PutDeviceCode(_ context.Context, code *DeviceCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deviceCodes[code.DeviceCode]; ok {
		return ErrAlreadyExists
	}
	cp := *code
	s.deviceCodes[code.DeviceCode] = &timedEntry[*DeviceCode]{value: &cp, expiresAt: code.ExpiresAt}
	s.userCodes[userCodeKey(code.TenantID, code.UserCode)] = code.DeviceCode
	return nil
}

// GetDeviceCode returns the device authorization by device code.
func (s *MemoryStorage) GetDeviceCode(_ context.Context, deviceCode string) (*DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceCodes[deviceCode]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	cp := *entry.value
	return &cp, nil
}

// GetDeviceCodeByUserCode returns the device authorization by user code.
func (s *MemoryStorage) GetDeviceCodeByUserCode(_ context.Context, tenantID, userCode string) (*DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceCode, ok := s.userCodes[userCodeKey(tenantID, userCode)]
	if !ok {
		return nil, ErrNotFound
	}
	entry, ok := s.deviceCodes[deviceCode]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	cp := *entry.value
	return &cp, nil
}

// UpdateDeviceCode overwrites the stored device authorization.
func (s *MemoryStorage) UpdateDeviceCode(_ context.Context, code *DeviceCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deviceCodes[code.DeviceCode]; !ok {
		return ErrNotFound
	}
	cp := *code
	s.deviceCodes[code.DeviceCode] = &timedEntry[*DeviceCode]{value: &cp, expiresAt: code.ExpiresAt}
	return nil
}

// ConsumeAuthorizedDeviceCode atomically claims an Authorized device code
// and removes it. Only one concurrent poll can win.
func (s *MemoryStorage) ConsumeAuthorizedDeviceCode(_ context.Context, deviceCode string) (*DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceCodes[deviceCode]
	if !ok || entry.expired(s.clock()) || entry.value.Status != DeviceCodeAuthorized {
		return nil, ErrNotFound
	}
	delete(s.deviceCodes, deviceCode)
	delete(s.userCodes, userCodeKey(entry.value.TenantID, entry.value.UserCode))
	cp := *entry.value
	return &cp, nil
}

// RemoveDeviceCode deletes the device authorization.
func (s *MemoryStorage) RemoveDeviceCode(_ context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.deviceCodes[deviceCode]; ok {
		delete(s.userCodes, userCodeKey(entry.value.TenantID, entry.value.UserCode))
		delete(s.deviceCodes, deviceCode)
	}
	return nil
}

// --- PARStore ---

// PutPAREntry stores a pushed authorization request.
func (s *MemoryStorage) PutPAREntry(_ context.Context, entry *PAREntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.parEntries[entry.RequestURI]; ok {
		return ErrAlreadyExists
	}
	cp := *entry
	s.parEntries[entry.RequestURI] = &timedEntry[*PAREntry]{value: &cp, expiresAt: entry.ExpiresAt}
	return nil
}

// ConsumePAREntry atomically removes and returns the entry.
func (s *MemoryStorage) ConsumePAREntry(_ context.Context, requestURI string) (*PAREntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.parEntries[requestURI]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	delete(s.parEntries, requestURI)
	cp := *entry.value
	return &cp, nil
}

// --- ReplayStore ---

// PutJTI records a jti with TTL; ErrReplayed if present.
func (s *MemoryStorage) PutJTI(_ context.Context, jti string, ttl time.Duration) error {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.jtis[jti]; ok && !entry.expired(now) {
		return ErrReplayed
	}
	s.jtis[jti] = &timedEntry[struct{}]{expiresAt: now.Add(ttl)}
	return nil
}

// PutDPoPNonce stores a server-issued DPoP nonce.
func (s *MemoryStorage) PutDPoPNonce(_ context.Context, nonce string, ttl time.Duration) error {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dpopNonces[nonce] = &timedEntry[struct{}]{expiresAt: now.Add(ttl)}
	return nil
}

// CheckDPoPNonce reports whether the nonce is currently valid.
func (s *MemoryStorage) CheckDPoPNonce(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.dpopNonces[nonce]
	return ok && !entry.expired(s.clock()), nil
}

// --- SessionRevocationStore ---

// RevokeSessionID marks a session id revoked for ttl.
func (s *MemoryStorage) RevokeSessionID(_ context.Context, sessionID string, ttl time.Duration) error {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokedSessions[sessionID] = &timedEntry[struct{}]{expiresAt: now.Add(ttl)}
	return nil
}

// IsSessionRevoked reports whether the session id has been revoked.
func (s *MemoryStorage) IsSessionRevoked(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.revokedSessions[sessionID]
	return ok && !entry.expired(s.clock()), nil
}

// --- ProtocolStateStore ---

// PutProtocolContext stores a suspended protocol request.
func (s *MemoryStorage) PutProtocolContext(_ context.Context, pc *ProtocolContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.protocolContexts[pc.CorrelationID]; ok {
		return ErrAlreadyExists
	}
	cp := *pc
	s.protocolContexts[pc.CorrelationID] = &timedEntry[*ProtocolContext]{value: &cp, expiresAt: pc.ExpiresAt}
	return nil
}

// GetProtocolContext returns the suspended request by correlation id.
func (s *MemoryStorage) GetProtocolContext(_ context.Context, correlationID string) (*ProtocolContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.protocolContexts[correlationID]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	cp := *entry.value
	return &cp, nil
}

// UpdateProtocolContext overwrites the stored context.
func (s *MemoryStorage) UpdateProtocolContext(_ context.Context, pc *ProtocolContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.protocolContexts[pc.CorrelationID]; !ok {
		return ErrNotFound
	}
	cp := *pc
	s.protocolContexts[pc.CorrelationID] = &timedEntry[*ProtocolContext]{value: &cp, expiresAt: pc.ExpiresAt}
	return nil
}

// RemoveProtocolContext deletes the suspended request.
func (s *MemoryStorage) RemoveProtocolContext(_ context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.protocolContexts, correlationID)
	return nil
}

// --- JourneyStateStore ---

// PutJourneyState inserts a new journey.
func (s *MemoryStorage) PutJourneyState(_ context.Context, state *JourneyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.journeys[state.JourneyID]; ok {
		return ErrAlreadyExists
	}
	cp := *state
	s.journeys[state.JourneyID] = &timedEntry[*JourneyState]{value: &cp, expiresAt: state.ExpiresAt}
	return nil
}

// GetJourneyState returns the journey state by id.
func (s *MemoryStorage) GetJourneyState(_ context.Context, journeyID string) (*JourneyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.journeys[journeyID]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	cp := *entry.value
	return &cp, nil
}

// UpdateJourneyState performs a compare-and-swap on Version.
func (s *MemoryStorage) UpdateJourneyState(_ context.Context, state *JourneyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.journeys[state.JourneyID]
	if !ok || entry.expired(s.clock()) {
		return ErrNotFound
	}
	if entry.value.Version != state.Version {
		return ErrStaleState
	}
	cp := *state
	cp.Version = state.Version + 1
	s.journeys[state.JourneyID] = &timedEntry[*JourneyState]{value: &cp, expiresAt: cp.ExpiresAt}
	return nil
}

// RemoveJourneyState deletes the journey.
func (s *MemoryStorage) RemoveJourneyState(_ context.Context, journeyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.journeys, journeyID)
	return nil
}

// --- CIBAStore ---

// PutCIBARequest stores a backchannel authentication request.
func (s *MemoryStorage) PutCIBARequest(_ context.Context, req *CIBARequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cibaRequests[req.AuthReqID]; ok {
		return ErrAlreadyExists
	}
	cp := *req
	s.cibaRequests[req.AuthReqID] = &timedEntry[*CIBARequest]{value: &cp, expiresAt: req.ExpiresAt}
	return nil
}

// GetCIBARequest returns the request by auth_req_id.
func (s *MemoryStorage) GetCIBARequest(_ context.Context, authReqID string) (*CIBARequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cibaRequests[authReqID]
	if !ok || entry.expired(s.clock()) {
		return nil, ErrNotFound
	}
	cp := *entry.value
	return &cp, nil
}

// UpdateCIBARequest overwrites the stored request.
func (s *MemoryStorage) UpdateCIBARequest(_ context.Context, req *CIBARequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cibaRequests[req.AuthReqID]; !ok {
		return ErrNotFound
	}
	cp := *req
	s.cibaRequests[req.AuthReqID] = &timedEntry[*CIBARequest]{value: &cp, expiresAt: req.ExpiresAt}
	return nil
}

// RemoveCIBARequest deletes the request.
func (s *MemoryStorage) RemoveCIBARequest(_ context.Context, authReqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cibaRequests, authReqID)
	return nil
}

// --- WebhookDeliveryStore ---

// CreateDelivery stores a new webhook delivery.
func (s *MemoryStorage) CreateDelivery(_ context.Context, d *WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deliveries[d.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

// ClaimDueDeliveries claims up to limit due deliveries for a single worker.
func (s *MemoryStorage) ClaimDueDeliveries(_ context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*WebhookDelivery
	for id, d := range s.deliveries {
		if len(claimed) >= limit {
			break
		}
		if s.claimedDeliveries[id] {
			continue
		}
		if d.Status != DeliveryPending && d.Status != DeliveryFailed {
			continue
		}
		if d.NextRetryAt.After(now) {
			continue
		}
		s.claimedDeliveries[id] = true
		cp := *d
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// UpdateDelivery records an attempt outcome and releases the claim.
func (s *MemoryStorage) UpdateDelivery(_ context.Context, d *WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deliveries[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	delete(s.claimedDeliveries, d.ID)
	return nil
}

// GetDelivery returns a delivery by id.
func (s *MemoryStorage) GetDelivery(_ context.Context, id string) (*WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// Compile-time interface check.
var _ Storage = (*MemoryStorage)(nil)
