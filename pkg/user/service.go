// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatekeyd/gatekey/pkg/errors"
)

// Lockout defaults.
const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 15 * time.Minute
)

// CredentialError is why a credential check failed. Callers must not leak
// the distinction between unknown-user and wrong-password to end users.
type CredentialError string

// Credential check outcomes.
const (
	CredentialInvalid   CredentialError = "invalid_credentials"
	CredentialLockedOut CredentialError = "locked_out"
	CredentialInactive  CredentialError = "inactive"
)

func (e CredentialError) Error() string {
	return "user: " + string(e)
}

// Service is the tenant-scoped user store consumed by grant handlers and
// journey steps.
type Service interface {
	// GetUser returns a user by subject id.
	GetUser(ctx context.Context, tenantID, subjectID string) (*User, error)

	// GetUserByUsername returns a user by username (case-insensitive).
	GetUserByUsername(ctx context.Context, tenantID, username string) (*User, error)

	// GetUserByExternalLogin returns the user linked to an upstream
	// (provider, subject) pair.
	GetUserByExternalLogin(ctx context.Context, tenantID, provider, subject string) (*User, error)

	// ValidateCredentials checks username/password, enforcing lockout.
	// Failures return a CredentialError; successes reset the failure count.
	ValidateCredentials(ctx context.Context, tenantID, username, password string) (*User, error)

	// CreateUser creates a user; the subject id must be unset or unique.
	CreateUser(ctx context.Context, u *User) (*User, error)

	// UpdateUser overwrites mutable attributes of an existing user.
	UpdateUser(ctx context.Context, u *User) error

	// LinkExternalLogin attaches an upstream login to an existing user.
	LinkExternalLogin(ctx context.Context, tenantID, subjectID string, login ExternalLogin) error

	// SetPassword bcrypt-hashes and stores a new password.
	SetPassword(ctx context.Context, tenantID, subjectID, password string) error
}

// lockoutState tracks consecutive failures per (tenant, username).
type lockoutState struct {
	failures    int
	lockedUntil time.Time
}

// MemoryService is an in-memory Service for development and tests.
type MemoryService struct {
	mu    sync.RWMutex
	users map[string]*User
	// byUsername maps tenant+"\x00"+lower(username) -> subject id.
	byUsername map[string]string
	// byExternal maps tenant+"\x00"+provider+"\x00"+subject -> subject id.
	byExternal map[string]string
	lockouts   map[string]*lockoutState

	maxFailedAttempts int
	lockoutDuration   time.Duration
	clock             func() time.Time
	newSubjectID      func() string
}

// MemoryServiceOption configures a MemoryService.
type MemoryServiceOption func(*MemoryService)

// WithLockoutPolicy overrides the lockout thresholds.
func WithLockoutPolicy(maxAttempts int, duration time.Duration) MemoryServiceOption {
	return func(s *MemoryService) {
		s.maxFailedAttempts = maxAttempts
		s.lockoutDuration = duration
	}
}

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) MemoryServiceOption {
	return func(s *MemoryService) {
		s.clock = clock
	}
}

// WithSubjectIDGenerator overrides subject id generation.
func WithSubjectIDGenerator(gen func() string) MemoryServiceOption {
	return func(s *MemoryService) {
		s.newSubjectID = gen
	}
}

// NewMemoryService creates an empty in-memory user service.
func NewMemoryService(opts ...MemoryServiceOption) *MemoryService {
	s := &MemoryService{
		users:             make(map[string]*User),
		byUsername:        make(map[string]string),
		byExternal:        make(map[string]string),
		lockouts:          make(map[string]*lockoutState),
		maxFailedAttempts: DefaultMaxFailedAttempts,
		lockoutDuration:   DefaultLockoutDuration,
		clock:             time.Now,
		newSubjectID:      newSubjectID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func userKey(tenantID, subjectID string) string {
	return tenantID + "\x00" + subjectID
}

func usernameKey(tenantID, username string) string {
	return tenantID + "\x00" + strings.ToLower(username)
}

func externalKey(tenantID, provider, subject string) string {
	return tenantID + "\x00" + provider + "\x00" + subject
}

// GetUser returns a user by subject id.
func (s *MemoryService) GetUser(_ context.Context, tenantID, subjectID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userKey(tenantID, subjectID)]
	if !ok {
		return nil, errors.NewNotFoundError("user not found", nil)
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername returns a user by username, case-insensitive.
func (s *MemoryService) GetUserByUsername(_ context.Context, tenantID, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjectID, ok := s.byUsername[usernameKey(tenantID, username)]
	if !ok {
		return nil, errors.NewNotFoundError("user not found", nil)
	}
	cp := *s.users[userKey(tenantID, subjectID)]
	return &cp, nil
}

// GetUserByExternalLogin returns the user linked to (provider, subject).
func (s *MemoryService) GetUserByExternalLogin(_ context.Context, tenantID, provider, subject string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjectID, ok := s.byExternal[externalKey(tenantID, provider, subject)]
	if !ok {
		return nil, errors.NewNotFoundError("no user linked to external login", nil)
	}
	cp := *s.users[userKey(tenantID, subjectID)]
	return &cp, nil
}

// ValidateCredentials checks username/password with lockout enforcement.
func (s *MemoryService) ValidateCredentials(_ context.Context, tenantID, username, password string) (*User, error) {
	now := s.clock()
	lk := usernameKey(tenantID, username)

	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.lockouts[lk]; ok && now.Before(state.lockedUntil) {
		return nil, CredentialLockedOut
	}

	subjectID, ok := s.byUsername[lk]
	if !ok {
		// Unknown usernames still count toward lockout pacing so that the
		// response does not disclose account existence.
		s.recordFailureLocked(lk, now)
		return nil, CredentialInvalid
	}
	u := s.users[userKey(tenantID, subjectID)]

	if u.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		s.recordFailureLocked(lk, now)
		if state := s.lockouts[lk]; state != nil && now.Before(state.lockedUntil) {
			return nil, CredentialLockedOut
		}
		return nil, CredentialInvalid
	}

	if !u.Active {
		return nil, CredentialInactive
	}

	delete(s.lockouts, lk)
	cp := *u
	return &cp, nil
}

func (s *MemoryService) recordFailureLocked(key string, now time.Time) {
	state, ok := s.lockouts[key]
	if !ok || (!state.lockedUntil.IsZero() && now.After(state.lockedUntil)) {
		// First failure, or a fresh failure after an expired lockout.
		state = &lockoutState{}
		s.lockouts[key] = state
	}
	state.failures++
	if state.failures >= s.maxFailedAttempts {
		state.lockedUntil = now.Add(s.lockoutDuration)
	}
}

// CreateUser creates a user, generating a subject id when unset.
func (s *MemoryService) CreateUser(_ context.Context, u *User) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *u
	if cp.SubjectID == "" {
		cp.SubjectID = s.newSubjectID()
	}
	key := userKey(cp.TenantID, cp.SubjectID)
	if _, ok := s.users[key]; ok {
		return nil, errors.NewConflictError("subject id already exists", nil)
	}
	if cp.Username != "" {
		if _, ok := s.byUsername[usernameKey(cp.TenantID, cp.Username)]; ok {
			return nil, errors.NewConflictError("username already exists", nil)
		}
	}

	now := s.clock()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.users[key] = &cp
	if cp.Username != "" {
		s.byUsername[usernameKey(cp.TenantID, cp.Username)] = cp.SubjectID
	}
	for _, login := range cp.ExternalLogins {
		s.byExternal[externalKey(cp.TenantID, login.Provider, login.Subject)] = cp.SubjectID
	}

	out := cp
	return &out, nil
}

// UpdateUser overwrites an existing user.
func (s *MemoryService) UpdateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(u.TenantID, u.SubjectID)
	prev, ok := s.users[key]
	if !ok {
		return errors.NewNotFoundError("user not found", nil)
	}

	cp := *u
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = s.clock()

	if prev.Username != "" && !strings.EqualFold(prev.Username, cp.Username) {
		delete(s.byUsername, usernameKey(prev.TenantID, prev.Username))
	}
	if cp.Username != "" {
		s.byUsername[usernameKey(cp.TenantID, cp.Username)] = cp.SubjectID
	}
	s.users[key] = &cp
	return nil
}

// LinkExternalLogin attaches an upstream login to an existing user.
func (s *MemoryService) LinkExternalLogin(_ context.Context, tenantID, subjectID string, login ExternalLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey(tenantID, subjectID)]
	if !ok {
		return errors.NewNotFoundError("user not found", nil)
	}
	ek := externalKey(tenantID, login.Provider, login.Subject)
	if existing, ok := s.byExternal[ek]; ok && existing != subjectID {
		return errors.NewConflictError("external login already linked to another user", nil)
	}

	if login.LinkedAt.IsZero() {
		login.LinkedAt = s.clock()
	}
	u.ExternalLogins = append(u.ExternalLogins, login)
	u.UpdatedAt = s.clock()
	s.byExternal[ek] = subjectID
	return nil
}

// SetPassword bcrypt-hashes and stores a new password.
func (s *MemoryService) SetPassword(_ context.Context, tenantID, subjectID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey(tenantID, subjectID)]
	if !ok {
		return errors.NewNotFoundError("user not found", nil)
	}
	u.PasswordHash = hash
	u.UpdatedAt = s.clock()
	return nil
}

// HashPassword bcrypt-hashes a password at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.NewInternalError("hashing password", err)
	}
	return string(hash), nil
}

// Compile-time interface check.
var _ Service = (*MemoryService)(nil)
