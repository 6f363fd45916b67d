// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys provides per-tenant signing key management: generation,
// rotation with a verification overlap, material providers, and the public
// JWKS document.
package keys

import (
	"crypto"
	"time"
)

// DefaultAlgorithm is the signing algorithm for generated keys. ES256
// provides equivalent security to RSA-3072 with smaller keys and faster
// operations.
const DefaultAlgorithm = "ES256"

// DefaultRotationOverlap is how long a demoted key remains valid for
// verification after rotation.
const DefaultRotationOverlap = 24 * time.Hour

// Status is the lifecycle state of a signing key.
type Status string

// Key statuses.
const (
	StatusPending  Status = "Pending"
	StatusActive   Status = "Active"
	StatusExpired  Status = "Expired"
	StatusRevoked  Status = "Revoked"
	StatusArchived Status = "Archived"
)

// SigningKey is a versioned signing key with its metadata and private
// material. It must not be exposed outside the keys and token packages.
type SigningKey struct {
	// KeyID is the RFC 7638 JWK thumbprint of the public key.
	KeyID string

	TenantID string

	// Algorithm is the JWS algorithm ("ES256", "ES384", "ES512", "RS256").
	Algorithm string

	Status Status

	// Priority orders multiple Active keys; issuance uses the highest.
	Priority int

	// Signer is the private key material.
	Signer crypto.Signer

	// IncludeInJWKS gates publication of the public half.
	IncludeInJWKS bool

	CreatedAt time.Time

	// ExpiredAt is set when the key is demoted; the key verifies tokens
	// until ExpiredAt + overlap has passed.
	ExpiredAt time.Time
}

// VerifiesAt reports whether the key may still verify signatures at now,
// given the configured overlap.
func (k *SigningKey) VerifiesAt(now time.Time, overlap time.Duration) bool {
	switch k.Status {
	case StatusActive:
		return true
	case StatusExpired:
		return now.Before(k.ExpiredAt.Add(overlap))
	default:
		return false
	}
}
