// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gatekeyd/gatekey/pkg/errors"
)

// CookieName is the session cookie issued after successful authentication.
const CookieName = "gk_session"

// DefaultSessionLifetime bounds how long a session cookie stays valid.
const DefaultSessionLifetime = 12 * time.Hour

// minSessionKeyLength is the minimum HMAC key size.
const minSessionKeyLength = 32

// Session is the authenticated browser session carried in the cookie.
type Session struct {
	TenantID  string    `json:"tenant_id"`
	SubjectID string    `json:"subject_id"`
	SessionID string    `json:"session_id"`
	AuthTime  time.Time `json:"auth_time"`
	AMR       []string  `json:"amr,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionManager signs and verifies session cookies. The cookie value is
// base64url(json) + "." + base64url(HMAC-SHA256(key, json)).
type SessionManager struct {
	key      []byte
	lifetime time.Duration
	secure   bool
	clock    func() time.Time
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionLifetime sets the cookie lifetime.
func WithSessionLifetime(lifetime time.Duration) SessionOption {
	return func(m *SessionManager) {
		m.lifetime = lifetime
	}
}

// WithInsecureCookies drops the Secure attribute for local development.
func WithInsecureCookies() SessionOption {
	return func(m *SessionManager) {
		m.secure = false
	}
}

// WithSessionClock injects a clock for deterministic tests.
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(m *SessionManager) {
		m.clock = clock
	}
}

// NewSessionManager creates a SessionManager with the given HMAC key.
func NewSessionManager(key []byte, opts ...SessionOption) (*SessionManager, error) {
	if len(key) < minSessionKeyLength {
		return nil, errors.NewInvalidArgumentError(
			fmt.Sprintf("session key must be at least %d bytes", minSessionKeyLength), nil)
	}
	m := &SessionManager{
		key:      key,
		lifetime: DefaultSessionLifetime,
		secure:   true,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue writes the session cookie for sess.
func (m *SessionManager) Issue(w http.ResponseWriter, sess *Session) error {
	now := m.clock()
	sess.ExpiresAt = now.Add(m.lifetime)

	value, err := m.encode(sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	return nil
}

// Read returns the request's session for the tenant, or an unauthorized
// error when the cookie is absent, tampered, expired, or cross-tenant.
func (m *SessionManager) Read(r *http.Request, tenantID string) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, errors.NewUnauthorizedError("no session", err)
	}
	sess, err := m.decode(cookie.Value)
	if err != nil {
		return nil, err
	}
	if sess.TenantID != tenantID {
		return nil, errors.NewUnauthorizedError("session belongs to a different tenant", nil)
	}
	if m.clock().After(sess.ExpiresAt) {
		return nil, errors.NewUnauthorizedError("session expired", nil)
	}
	return sess, nil
}

// Clear expires the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (m *SessionManager) encode(sess *Session) (string, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", errors.NewInternalError("encoding session", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + m.sign(payload), nil
}

func (m *SessionManager) decode(value string) (*Session, error) {
	encoded, sig, ok := strings.Cut(value, ".")
	if !ok {
		return nil, errors.NewUnauthorizedError("malformed session cookie", nil)
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.NewUnauthorizedError("malformed session cookie", nil)
	}
	if !hmac.Equal([]byte(m.sign(payload)), []byte(sig)) {
		return nil, errors.NewUnauthorizedError("session signature mismatch", nil)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, errors.NewUnauthorizedError("malformed session cookie", nil)
	}
	return &sess, nil
}

func (m *SessionManager) sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
