// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"github.com/google/uuid"

	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// newSubjectID generates an opaque subject identifier.
func newSubjectID() string {
	return uuid.NewString()
}

// ClaimsForScopes maps the granted scopes to OIDC claims for the user,
// following the standard scope-to-claims grouping: profile, email, phone,
// and the non-standard roles scope. The openid scope contributes sub.
func ClaimsForScopes(u *User, scopes []string) oauth.Claims {
	claims := oauth.Claims{}
	for _, scope := range scopes {
		switch scope {
		case "openid":
			claims["sub"] = u.SubjectID
		case "profile":
			claims["preferred_username"] = u.Username
			if name := u.DisplayName(); name != "" {
				claims["name"] = name
			}
		case "email":
			if u.Email != "" {
				claims["email"] = u.Email
				claims["email_verified"] = u.EmailVerified
			}
		case "phone":
			if u.Phone != "" {
				claims["phone_number"] = u.Phone
				claims["phone_number_verified"] = u.PhoneVerified
			}
		case "roles":
			if len(u.Roles) > 0 {
				claims["roles"] = append([]string(nil), u.Roles...)
			}
		}
	}
	return claims
}
