// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package user provides the user model, credential validation with lockout,
// and the profile service that maps granted scopes to claims.
package user

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service

import (
	"time"
)

// User is an authenticated principal, unique per (tenant, subject).
type User struct {
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`

	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`

	EmailVerified bool `json:"email_verified"`
	PhoneVerified bool `json:"phone_verified"`

	// PasswordHash is a bcrypt hash; empty for external-only users.
	PasswordHash string `json:"password_hash,omitempty"`

	// Active gates all grants: an inactive user is denied everywhere.
	Active bool `json:"active"`

	// MFARequired forces a second factor before password-only grants.
	MFARequired bool `json:"mfa_required"`

	// TOTPSecret is set when the user has enrolled a TOTP authenticator.
	TOTPSecret string `json:"totp_secret,omitempty"`

	Roles []string `json:"roles,omitempty"`

	// Properties holds custom per-user attributes collected by journeys
	// (accepted terms versions, department, ...).
	Properties map[string]any `json:"properties,omitempty"`

	// ExternalLogins link upstream identity provider subjects to this user.
	ExternalLogins []ExternalLogin `json:"external_logins,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExternalLogin links an upstream (provider, subject) to a local user.
type ExternalLogin struct {
	Provider string    `json:"provider"`
	Subject  string    `json:"subject"`
	LinkedAt time.Time `json:"linked_at"`
}

// HasRole reports whether the user holds the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds at least one of the roles. An
// empty slice matches.
func (u *User) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if u.HasRole(r) {
			return true
		}
	}
	return false
}

// DisplayName returns a human-readable name for the profile claim set.
func (u *User) DisplayName() string {
	if name, ok := u.Properties["name"].(string); ok && name != "" {
		return name
	}
	return u.Username
}
