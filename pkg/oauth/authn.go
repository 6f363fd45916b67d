// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import "time"

// AuthenticationResult is the outcome a completed journey (or standalone
// login) hands back to the protocol layer via the correlation id.
type AuthenticationResult struct {
	// SubjectID identifies the authenticated user. Empty means the journey
	// completed without establishing identity; no session cookie is issued.
	SubjectID string

	// SessionID is the server-side session established by the login.
	SessionID string

	AuthTime time.Time

	// AMR lists the authentication methods used ("pwd", "otp", "extidp").
	AMR []string

	ACR string

	// IdentityProvider names the external IdP when one authenticated the
	// user.
	IdentityProvider string

	// Claims collected during the journey, snapshotted into the code.
	Claims Claims
}

// Authenticated reports whether the result carries an established identity.
func (r *AuthenticationResult) Authenticated() bool {
	return r != nil && r.SubjectID != "" && !r.AuthTime.IsZero()
}
