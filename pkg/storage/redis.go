// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// deliveryClaimTimeout is the visibility timeout for claimed webhook
// deliveries: a crashed worker's claim expires and the delivery becomes
// claimable again.
const deliveryClaimTimeout = time.Minute

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addrs are the server addresses. A single address selects a plain
	// client; multiple addresses select a cluster-aware universal client.
	Addrs []string

	// Username and Password authenticate as an ACL user.
	Username string
	Password string

	// DB is the logical database (ignored by cluster deployments).
	DB int

	// KeyPrefix namespaces all keys, e.g. "gk:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage on Redis, enabling horizontal scaling.
// One-time-use semantics rely on GETDEL and SETNX so that concurrent
// consumers race safely across instances.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis: at least one address is required")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}

	return &RedisStorage{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStorageWithClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

// Close releases the underlying client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.keyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// setJSON marshals v and stores it with a TTL derived from expiresAt.
func (s *RedisStorage) setJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return ErrNotFound
		}
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// setNXJSON marshals v and stores it only if the key does not exist.
func (s *RedisStorage) setNXJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return ErrNotFound
		}
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// --- AuthorizationCodeStore ---

// PutAuthorizationCode stores a new authorization code.
func (s *RedisStorage) PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	return s.setNXJSON(ctx, s.key("ac", code.Code), code, code.ExpiresAt)
}

// GetAuthorizationCode returns the code without consuming it.
func (s *RedisStorage) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var out AuthorizationCode
	if err := s.getJSON(ctx, s.key("ac", code), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConsumeAuthorizationCode atomically removes the code via GETDEL. The
// winner stores a consumption marker so that replays are distinguishable
// from unknown codes.
func (s *RedisStorage) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, s.key("ac", code)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Not live; check for a consumption marker.
		var consumed AuthorizationCode
		if merr := s.getJSON(ctx, s.key("ac:consumed", code), &consumed); merr == nil {
			return &consumed, ErrAlreadyConsumed
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var out AuthorizationCode
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.key("ac:consumed", code), data, consumedMarkerTTL).Err(); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveAuthorizationCode deletes the code and its consumption marker.
func (s *RedisStorage) RemoveAuthorizationCode(ctx context.Context, code string) error {
	return s.client.Del(ctx, s.key("ac", code), s.key("ac:consumed", code)).Err()
}

// --- RefreshTokenStore ---

func (s *RedisStorage) familyKey(f GrantFamily) string {
	return s.key("rtfam", f.TenantID, f.SubjectID, f.ClientID, f.SessionID)
}

// PutRefreshGrant stores a new grant and indexes it in its family set.
func (s *RedisStorage) PutRefreshGrant(ctx context.Context, grant *RefreshTokenGrant) error {
	if err := s.setNXJSON(ctx, s.key("rt", grant.Token), grant, grant.AbsoluteExpiresAt); err != nil {
		return err
	}
	if grant.SessionID == "" {
		return nil
	}
	famKey := s.familyKey(GrantFamily{
		TenantID:  grant.TenantID,
		SubjectID: grant.SubjectID,
		ClientID:  grant.ClientID,
		SessionID: grant.SessionID,
	})
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, famKey, grant.Token)
	pipe.ExpireAt(ctx, famKey, grant.AbsoluteExpiresAt)
	_, err := pipe.Exec(ctx)
	return err
}

// GetRefreshGrant returns the grant by token.
func (s *RedisStorage) GetRefreshGrant(ctx context.Context, token string) (*RefreshTokenGrant, error) {
	var out RefreshTokenGrant
	if err := s.getJSON(ctx, s.key("rt", token), &out); err != nil {
		return nil, err
	}
	if out.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &out, nil
}

// ConsumeRefreshGrant uses a SETNX marker so that exactly one caller can
// consume a grant, across all server instances.
func (s *RedisStorage) ConsumeRefreshGrant(ctx context.Context, token string) (*RefreshTokenGrant, error) {
	grant, err := s.GetRefreshGrant(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	won, err := s.client.SetNX(ctx, s.key("rt:consumed", token), now.Format(time.RFC3339Nano), time.Until(grant.AbsoluteExpiresAt)).Result()
	if err != nil {
		return nil, err
	}
	if !won || grant.Consumed() {
		if grant.ConsumedAt.IsZero() {
			grant.ConsumedAt = now
		}
		return grant, ErrAlreadyConsumed
	}

	grant.ConsumedAt = now
	grant.LastUsedAt = now
	if err := s.setJSON(ctx, s.key("rt", token), grant, grant.AbsoluteExpiresAt); err != nil {
		return nil, err
	}
	return grant, nil
}

// UpdateRefreshGrant overwrites a stored grant.
func (s *RedisStorage) UpdateRefreshGrant(ctx context.Context, grant *RefreshTokenGrant) error {
	exists, err := s.client.Exists(ctx, s.key("rt", grant.Token)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.setJSON(ctx, s.key("rt", grant.Token), grant, grant.AbsoluteExpiresAt)
}

// RemoveRefreshGrant deletes the grant and its consumption marker.
func (s *RedisStorage) RemoveRefreshGrant(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key("rt", token), s.key("rt:consumed", token)).Err()
}

// RevokeFamily removes every grant in the family set. An empty SessionID
// matches nothing.
func (s *RedisStorage) RevokeFamily(ctx context.Context, family GrantFamily) (int, error) {
	if family.SessionID == "" {
		return 0, nil
	}
	famKey := s.familyKey(family)
	tokens, err := s.client.SMembers(ctx, famKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(tokens)*2+1)
	for _, t := range tokens {
		keys = append(keys, s.key("rt", t), s.key("rt:consumed", t))
	}
	keys = append(keys, famKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(tokens), nil
}

// --- ConsentStore ---

// PutConsent stores a consent record.
func (s *RedisStorage) PutConsent(ctx context.Context, record *ConsentRecord) error {
	return s.setJSON(ctx, s.key("consent", record.TenantID, record.SubjectID, record.ClientID), record, record.ExpiresAt)
}

// GetConsent returns the consent record for (tenant, subject, client).
func (s *RedisStorage) GetConsent(ctx context.Context, tenantID, subjectID, clientID string) (*ConsentRecord, error) {
	var out ConsentRecord
	if err := s.getJSON(ctx, s.key("consent", tenantID, subjectID, clientID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveConsent deletes the consent record.
func (s *RedisStorage) RemoveConsent(ctx context.Context, tenantID, subjectID, clientID string) error {
	return s.client.Del(ctx, s.key("consent", tenantID, subjectID, clientID)).Err()
}

// --- DeviceCodeStore ---

// PutDeviceCode stores a device authorization and its user-code index.
func (s *RedisStorage) PutDeviceCode(ctx context.Context, code *DeviceCode) error {
	if err := s.setNXJSON(ctx, s.key("dc", code.DeviceCode), code, code.ExpiresAt); err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("dc:user", code.TenantID, code.UserCode), code.DeviceCode, time.Until(code.ExpiresAt)).Err()
}

// GetDeviceCode returns the device authorization by device code.
func (s *RedisStorage) GetDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error) {
	var out DeviceCode
	if err := s.getJSON(ctx, s.key("dc", deviceCode), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeviceCodeByUserCode returns the device authorization by user code.
func (s *RedisStorage) GetDeviceCodeByUserCode(ctx context.Context, tenantID, userCode string) (*DeviceCode, error) {
	deviceCode, err := s.client.Get(ctx, s.key("dc:user", tenantID, userCode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetDeviceCode(ctx, deviceCode)
}

// UpdateDeviceCode overwrites the stored device authorization.
func (s *RedisStorage) UpdateDeviceCode(ctx context.Context, code *DeviceCode) error {
	exists, err := s.client.Exists(ctx, s.key("dc", code.DeviceCode)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.setJSON(ctx, s.key("dc", code.DeviceCode), code, code.ExpiresAt)
}

// ConsumeAuthorizedDeviceCode claims an Authorized device code with a SETNX
// marker, then removes it. One concurrent poll wins.
func (s *RedisStorage) ConsumeAuthorizedDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error) {
	code, err := s.GetDeviceCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if code.Status != DeviceCodeAuthorized || code.Expired(time.Now()) {
		return nil, ErrNotFound
	}

	won, err := s.client.SetNX(ctx, s.key("dc:claim", deviceCode), "1", time.Until(code.ExpiresAt)).Result()
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrNotFound
	}

	if err := s.RemoveDeviceCode(ctx, deviceCode); err != nil {
		return nil, err
	}
	return code, nil
}

// RemoveDeviceCode deletes the device authorization and its user-code index.
func (s *RedisStorage) RemoveDeviceCode(ctx context.Context, deviceCode string) error {
	code, err := s.GetDeviceCode(ctx, deviceCode)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.client.Del(ctx,
		s.key("dc", deviceCode),
		s.key("dc:user", code.TenantID, code.UserCode),
	).Err()
}

// --- PARStore ---

// PutPAREntry stores a pushed authorization request.
func (s *RedisStorage) PutPAREntry(ctx context.Context, entry *PAREntry) error {
	return s.setNXJSON(ctx, s.key("par", entry.RequestURI), entry, entry.ExpiresAt)
}

// ConsumePAREntry atomically removes and returns the entry via GETDEL.
func (s *RedisStorage) ConsumePAREntry(ctx context.Context, requestURI string) (*PAREntry, error) {
	data, err := s.client.GetDel(ctx, s.key("par", requestURI)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out PAREntry
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &out, nil
}

// --- ReplayStore ---

// PutJTI records a jti with SETNX; ErrReplayed if present.
func (s *RedisStorage) PutJTI(ctx context.Context, jti string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.key("jti", jti), "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}

// PutDPoPNonce stores a server-issued DPoP nonce.
func (s *RedisStorage) PutDPoPNonce(ctx context.Context, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key("dpopnonce", nonce), "1", ttl).Err()
}

// CheckDPoPNonce reports whether the nonce is currently valid.
func (s *RedisStorage) CheckDPoPNonce(ctx context.Context, nonce string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.key("dpopnonce", nonce)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// --- SessionRevocationStore ---

// RevokeSessionID marks a session id revoked for ttl.
func (s *RedisStorage) RevokeSessionID(ctx context.Context, sessionID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key("revoked:sid", sessionID), "1", ttl).Err()
}

// IsSessionRevoked reports whether the session id has been revoked.
func (s *RedisStorage) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.key("revoked:sid", sessionID)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// --- ProtocolStateStore ---

// PutProtocolContext stores a suspended protocol request.
func (s *RedisStorage) PutProtocolContext(ctx context.Context, pc *ProtocolContext) error {
	return s.setNXJSON(ctx, s.key("pctx", pc.CorrelationID), pc, pc.ExpiresAt)
}

// GetProtocolContext returns the suspended request by correlation id.
func (s *RedisStorage) GetProtocolContext(ctx context.Context, correlationID string) (*ProtocolContext, error) {
	var out ProtocolContext
	if err := s.getJSON(ctx, s.key("pctx", correlationID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProtocolContext overwrites the stored context.
func (s *RedisStorage) UpdateProtocolContext(ctx context.Context, pc *ProtocolContext) error {
	exists, err := s.client.Exists(ctx, s.key("pctx", pc.CorrelationID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.setJSON(ctx, s.key("pctx", pc.CorrelationID), pc, pc.ExpiresAt)
}

// RemoveProtocolContext deletes the suspended request.
func (s *RedisStorage) RemoveProtocolContext(ctx context.Context, correlationID string) error {
	return s.client.Del(ctx, s.key("pctx", correlationID)).Err()
}

// --- JourneyStateStore ---

// PutJourneyState inserts a new journey.
func (s *RedisStorage) PutJourneyState(ctx context.Context, state *JourneyState) error {
	return s.setNXJSON(ctx, s.key("journey", state.JourneyID), state, state.ExpiresAt)
}

// GetJourneyState returns the journey state by id.
func (s *RedisStorage) GetJourneyState(ctx context.Context, journeyID string) (*JourneyState, error) {
	var out JourneyState
	if err := s.getJSON(ctx, s.key("journey", journeyID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateJourneyState performs an optimistic compare-and-swap on Version
// using WATCH/MULTI: a concurrent writer causes ErrStaleState.
func (s *RedisStorage) UpdateJourneyState(ctx context.Context, state *JourneyState) error {
	key := s.key("journey", state.JourneyID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var stored JourneyState
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != state.Version {
			return ErrStaleState
		}

		next := *state
		next.Version = state.Version + 1
		payload, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		ttl := time.Until(next.ExpiresAt)
		if ttl <= 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrStaleState
	}
	return err
}

// RemoveJourneyState deletes the journey.
func (s *RedisStorage) RemoveJourneyState(ctx context.Context, journeyID string) error {
	return s.client.Del(ctx, s.key("journey", journeyID)).Err()
}

// --- CIBAStore ---

// PutCIBARequest stores a backchannel authentication request.
func (s *RedisStorage) PutCIBARequest(ctx context.Context, req *CIBARequest) error {
	return s.setNXJSON(ctx, s.key("ciba", req.AuthReqID), req, req.ExpiresAt)
}

// GetCIBARequest returns the request by auth_req_id.
func (s *RedisStorage) GetCIBARequest(ctx context.Context, authReqID string) (*CIBARequest, error) {
	var out CIBARequest
	if err := s.getJSON(ctx, s.key("ciba", authReqID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCIBARequest overwrites the stored request.
func (s *RedisStorage) UpdateCIBARequest(ctx context.Context, req *CIBARequest) error {
	exists, err := s.client.Exists(ctx, s.key("ciba", req.AuthReqID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.setJSON(ctx, s.key("ciba", req.AuthReqID), req, req.ExpiresAt)
}

// RemoveCIBARequest deletes the request.
func (s *RedisStorage) RemoveCIBARequest(ctx context.Context, authReqID string) error {
	return s.client.Del(ctx, s.key("ciba", authReqID)).Err()
}

// --- WebhookDeliveryStore ---

// deliveryDueSet is the sorted set of delivery ids scored by next_retry_at.
const deliveryDueSet = "wh:due"

// CreateDelivery stores a new webhook delivery and schedules it.
func (s *RedisStorage) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("wh", d.ID), data, 0)
	pipe.ZAdd(ctx, s.key(deliveryDueSet), redis.Z{
		Score:  float64(d.NextRetryAt.Unix()),
		Member: d.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// ClaimDueDeliveries claims due deliveries with SETNX visibility markers.
func (s *RedisStorage) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key(deliveryDueSet), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	var claimed []*WebhookDelivery
	for _, id := range ids {
		won, err := s.client.SetNX(ctx, s.key("wh:claim", id), "1", deliveryClaimTimeout).Result()
		if err != nil {
			return claimed, err
		}
		if !won {
			continue
		}
		var d WebhookDelivery
		if err := s.getJSON(ctx, s.key("wh", id), &d); err != nil {
			continue
		}
		if d.Status != DeliveryPending && d.Status != DeliveryFailed {
			// Stale index entry.
			s.client.ZRem(ctx, s.key(deliveryDueSet), id)
			continue
		}
		claimed = append(claimed, &d)
	}
	return claimed, nil
}

// UpdateDelivery records an attempt outcome, reschedules or retires the
// delivery, and releases the claim.
func (s *RedisStorage) UpdateDelivery(ctx context.Context, d *WebhookDelivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("wh", d.ID), data, 0)
	if d.Status == DeliveryPending || d.Status == DeliveryFailed {
		pipe.ZAdd(ctx, s.key(deliveryDueSet), redis.Z{
			Score:  float64(d.NextRetryAt.Unix()),
			Member: d.ID,
		})
	} else {
		pipe.ZRem(ctx, s.key(deliveryDueSet), d.ID)
	}
	pipe.Del(ctx, s.key("wh:claim", d.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// GetDelivery returns a delivery by id.
func (s *RedisStorage) GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error) {
	var out WebhookDelivery
	if err := s.getJSON(ctx, s.key("wh", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Compile-time interface check.
var _ Storage = (*RedisStorage)(nil)
