// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
)

// proofSigner builds DPoP proofs for tests.
type proofSigner struct {
	priv jwk.Key
	pub  jwk.Key
}

func newProofSigner(t *testing.T) *proofSigner {
	t.Helper()
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	priv, err := jwk.Import(raw)
	require.NoError(t, err)
	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	return &proofSigner{priv: priv, pub: pub}
}

type proofSpec struct {
	typ   string
	jti   string
	htm   string
	htu   string
	iat   time.Time
	nonce string
}

func (s *proofSigner) sign(t *testing.T, spec proofSpec) string {
	t.Helper()

	builder := jwt.NewBuilder().
		Claim("jti", spec.jti).
		Claim("htm", spec.htm).
		Claim("htu", spec.htu).
		Claim("iat", spec.iat.Unix())
	if spec.nonce != "" {
		builder = builder.Claim("nonce", spec.nonce)
	}
	tok, err := builder.Build()
	require.NoError(t, err)

	hdrs := jws.NewHeaders()
	typ := spec.typ
	if typ == "" {
		typ = "dpop+jwt"
	}
	require.NoError(t, hdrs.Set(jws.TypeKey, typ))
	require.NoError(t, hdrs.Set(jws.JWKKey, s.pub))

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256(), s.priv, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(signed)
}

func tokenEndpointURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://id.example.com/connect/token")
	require.NoError(t, err)
	return u
}

func newTestValidator(t *testing.T, opts ...ValidatorOption) *Validator {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	return NewValidator(store, opts...)
}

func validSpec(t *testing.T) proofSpec {
	t.Helper()
	return proofSpec{
		jti: uuid.NewString(),
		htm: "POST",
		htu: "https://id.example.com/connect/token",
		iat: time.Now(),
	}
}

func assertProofError(t *testing.T, err error, code string) {
	t.Helper()
	var oe *oauth.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, code, oe.Code)
}

func TestValidateProof(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	signer := newProofSigner(t)

	proof, err := v.Validate(context.Background(), signer.sign(t, validSpec(t)), "POST", tokenEndpointURL(t))
	require.NoError(t, err)

	wantTP, err := Thumbprint(signer.pub)
	require.NoError(t, err)
	assert.Equal(t, wantTP, proof.Thumbprint)
	assert.NotEmpty(t, proof.JTI)
}

func TestValidateRejectsReplayedJTI(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	signer := newProofSigner(t)
	raw := signer.sign(t, validSpec(t))

	_, err := v.Validate(context.Background(), raw, "POST", tokenEndpointURL(t))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), raw, "POST", tokenEndpointURL(t))
	assertProofError(t, err, oauth.ErrCodeInvalidDPoPProof)
}

func TestValidateRejectsMismatches(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	signer := newProofSigner(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec func(proofSpec) proofSpec
	}{
		{"wrong typ", func(s proofSpec) proofSpec { s.typ = "jwt"; return s }},
		{"missing jti", func(s proofSpec) proofSpec { s.jti = ""; return s }},
		{"wrong method", func(s proofSpec) proofSpec { s.htm = "GET"; return s }},
		{"wrong path", func(s proofSpec) proofSpec {
			s.htu = "https://id.example.com/connect/authorize"
			return s
		}},
		{"wrong host", func(s proofSpec) proofSpec {
			s.htu = "https://evil.example.com/connect/token"
			return s
		}},
		{"stale iat", func(s proofSpec) proofSpec { s.iat = time.Now().Add(-time.Hour); return s }},
		{"future iat", func(s proofSpec) proofSpec { s.iat = time.Now().Add(time.Hour); return s }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := signer.sign(t, tc.spec(validSpec(t)))
			_, err := v.Validate(ctx, raw, "POST", tokenEndpointURL(t))
			assertProofError(t, err, oauth.ErrCodeInvalidDPoPProof)
		})
	}
}

func TestValidateIgnoresQueryAndHostCase(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	signer := newProofSigner(t)

	spec := validSpec(t)
	spec.htu = "https://ID.Example.com/connect/token"
	raw := signer.sign(t, spec)

	u, err := url.Parse("https://id.example.com/connect/token?foo=bar")
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), raw, "post", u)
	assert.NoError(t, err)
}

func TestValidateRejectsTamperedProof(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	signer := newProofSigner(t)
	raw := signer.sign(t, validSpec(t))

	// Truncating the signature must break verification.
	_, err := v.Validate(context.Background(), raw[:len(raw)-2], "POST", tokenEndpointURL(t))
	assertProofError(t, err, oauth.ErrCodeInvalidDPoPProof)
	_, err = v.Validate(context.Background(), "not-a-jws", "POST", tokenEndpointURL(t))
	assertProofError(t, err, oauth.ErrCodeInvalidDPoPProof)
}

func TestNonceFlow(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t, WithRequireNonce(true))
	signer := newProofSigner(t)
	ctx := context.Background()

	// No nonce: the client is told to fetch one.
	_, err := v.Validate(ctx, signer.sign(t, validSpec(t)), "POST", tokenEndpointURL(t))
	assertProofError(t, err, oauth.ErrCodeUseDPoPNonce)

	nonce, err := v.IssueNonce(ctx)
	require.NoError(t, err)

	spec := validSpec(t)
	spec.nonce = nonce
	_, err = v.Validate(ctx, signer.sign(t, spec), "POST", tokenEndpointURL(t))
	require.NoError(t, err)

	// A made-up nonce is rejected.
	spec = validSpec(t)
	spec.nonce = "bogus"
	_, err = v.Validate(ctx, signer.sign(t, spec), "POST", tokenEndpointURL(t))
	assertProofError(t, err, oauth.ErrCodeUseDPoPNonce)
}

func TestValidateEmptyProof(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	_, err := v.Validate(context.Background(), "", "POST", tokenEndpointURL(t))
	require.Error(t, err)
	var oe *oauth.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, oauth.ErrCodeInvalidDPoPProof, oe.Code)
}
