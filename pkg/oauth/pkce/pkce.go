// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package pkce implements Proof Key for Code Exchange (RFC 7636).
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// Challenge methods defined by RFC 7636 Section 4.2.
const (
	// MethodS256 is code_challenge = BASE64URL(SHA256(code_verifier)).
	MethodS256 = "S256"

	// MethodPlain is code_challenge = code_verifier. Only accepted when the
	// client is explicitly configured to allow it.
	MethodPlain = "plain"
)

// Verifier length bounds per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// GenerateVerifier generates a cryptographically random code_verifier per
// RFC 7636 Section 4.1 (43 characters from the base64url alphabet).
// It delegates to oauth2.GenerateVerifier and panics on crypto/rand failure.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputeChallenge computes the S256 code_challenge for a verifier:
// BASE64URL(SHA256(code_verifier)).
func ComputeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidateChallenge checks that a stored challenge/method pair is
// well-formed at authorize time.
func ValidateChallenge(challenge, method string, allowPlain bool) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	switch method {
	case MethodS256, "":
		// Empty method defaults to plain per RFC 7636, but this server
		// treats an absent method as S256-required unless plain is allowed.
		return nil
	case MethodPlain:
		if !allowPlain {
			return fmt.Errorf("code_challenge_method plain is not allowed for this client")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
}

// VerifyVerifier checks a token-request code_verifier against the challenge
// recorded at authorize time. Comparison is constant time.
func VerifyVerifier(verifier, challenge, method string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier length must be between %d and %d", MinVerifierLength, MaxVerifierLength)
	}
	if !validVerifierCharset(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters")
	}

	var computed string
	switch method {
	case MethodPlain:
		computed = verifier
	case MethodS256, "":
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validVerifierCharset reports whether s uses only the unreserved characters
// allowed by RFC 7636 Section 4.1: ALPHA / DIGIT / "-" / "." / "_" / "~".
func validVerifierCharset(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
