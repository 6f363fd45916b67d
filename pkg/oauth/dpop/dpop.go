// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package dpop validates DPoP proofs (RFC 9449). A proof is a JWT of type
// dpop+jwt signed with the key embedded in its own header; validating one
// yields the key's RFC 7638 thumbprint, which binds issued access tokens via
// the cnf.jkt claim.
package dpop

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
)

// HeaderName is the HTTP header carrying the proof.
const HeaderName = "DPoP"

// NonceHeaderName is the response header carrying a server-issued nonce.
const NonceHeaderName = "DPoP-Nonce"

// proofType is the required JOSE typ header value.
const proofType = "dpop+jwt"

// Defaults for proof acceptance.
const (
	DefaultIATSkew    = time.Minute
	DefaultJTIWindow  = 10 * time.Minute
	DefaultNonceTTL   = 5 * time.Minute
	maxProofJTILength = 512
)

// Proof is the validated content of a DPoP header.
type Proof struct {
	// Thumbprint is the base64url RFC 7638 thumbprint of the proof key,
	// the value bound into access tokens as cnf.jkt.
	Thumbprint string

	JTI   string
	Nonce string
}

// Validator checks DPoP proofs against a replay store.
type Validator struct {
	replay       storage.ReplayStore
	clock        func() time.Time
	iatSkew      time.Duration
	jtiWindow    time.Duration
	nonceTTL     time.Duration
	requireNonce bool
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.clock = clock
	}
}

// WithIATSkew sets the accepted clock skew on the proof's iat claim.
func WithIATSkew(skew time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.iatSkew = skew
	}
}

// WithJTIWindow sets how long consumed jti values are remembered.
func WithJTIWindow(window time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.jtiWindow = window
	}
}

// WithRequireNonce makes proofs without a server-issued nonce fail with
// use_dpop_nonce, prompting the client to retry with one.
func WithRequireNonce(require bool) ValidatorOption {
	return func(v *Validator) {
		v.requireNonce = require
	}
}

// NewValidator creates a Validator over the given replay store.
func NewValidator(replay storage.ReplayStore, opts ...ValidatorOption) *Validator {
	v := &Validator{
		replay:    replay,
		clock:     time.Now,
		iatSkew:   DefaultIATSkew,
		jtiWindow: DefaultJTIWindow,
		nonceTTL:  DefaultNonceTTL,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IssueNonce mints and stores a fresh server nonce for the DPoP-Nonce
// response header.
func (v *Validator) IssueNonce(ctx context.Context) (string, error) {
	nonce, err := oauth.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	if err := v.replay.PutDPoPNonce(ctx, nonce, v.nonceTTL); err != nil {
		return "", err
	}
	return nonce, nil
}

// proofHeader is the decoded JOSE protected header of a proof.
type proofHeader struct {
	Typ string          `json:"typ"`
	Alg string          `json:"alg"`
	JWK json.RawMessage `json:"jwk"`
}

// proofClaims is the payload of a proof.
type proofClaims struct {
	JTI   string  `json:"jti"`
	HTM   string  `json:"htm"`
	HTU   string  `json:"htu"`
	IAT   float64 `json:"iat"`
	Nonce string  `json:"nonce,omitempty"`
}

// Validate checks a DPoP proof for an HTTP request of the given method and
// URL and returns the bound key thumbprint. Failures are *oauth.Error with
// code invalid_dpop_proof, or use_dpop_nonce when a fresh nonce is needed.
func (v *Validator) Validate(ctx context.Context, proof, method string, requestURL *url.URL) (*Proof, error) {
	if proof == "" {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "missing DPoP proof")
	}

	hdr, err := decodeProtectedHeader(proof)
	if err != nil {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "malformed DPoP proof")
	}
	if hdr.Typ != proofType {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof typ must be dpop+jwt")
	}
	alg, ok := proofAlgorithm(hdr.Alg)
	if !ok {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "unsupported DPoP proof algorithm")
	}
	if len(hdr.JWK) == 0 {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof is missing the jwk header")
	}

	key, err := jwk.ParseKey(hdr.JWK)
	if err != nil {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "invalid jwk header")
	}
	// A symmetric key in the header would let anyone forge proofs.
	pub, err := jwk.PublicKeyOf(key)
	if err != nil || pub.KeyType() == jwa.OctetSeq() {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof key must be asymmetric")
	}

	tok, err := jwt.ParseString(proof,
		jwt.WithKey(alg, pub),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof signature verification failed")
	}

	var claims proofClaims
	payload, err := json.Marshal(tok)
	if err != nil {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "malformed DPoP proof")
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "malformed DPoP proof")
	}

	if claims.JTI == "" || len(claims.JTI) > maxProofJTILength {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof jti is missing or oversized")
	}
	if !strings.EqualFold(claims.HTM, method) {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof htm does not match the request method")
	}
	if !htuMatches(claims.HTU, requestURL) {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof htu does not match the request URL")
	}

	iat := time.Unix(int64(claims.IAT), 0)
	now := v.clock()
	if claims.IAT == 0 || iat.Before(now.Add(-v.iatSkew)) || iat.After(now.Add(v.iatSkew)) {
		return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof iat is outside the acceptance window")
	}

	if claims.Nonce != "" {
		valid, err := v.replay.CheckDPoPNonce(ctx, claims.Nonce)
		if err != nil {
			return nil, oauth.ErrServerError("checking DPoP nonce")
		}
		if !valid {
			return nil, oauth.NewError(oauth.ErrCodeUseDPoPNonce, "DPoP nonce is invalid or expired")
		}
	} else if v.requireNonce {
		return nil, oauth.NewError(oauth.ErrCodeUseDPoPNonce, "a DPoP nonce is required")
	}

	if err := v.replay.PutJTI(ctx, "dpop:"+claims.JTI, v.jtiWindow); err != nil {
		if errors.Is(err, storage.ErrReplayed) {
			return nil, oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "DPoP proof jti has already been used")
		}
		return nil, oauth.ErrServerError("recording DPoP proof jti")
	}

	tp, err := Thumbprint(pub)
	if err != nil {
		return nil, oauth.ErrServerError("computing DPoP key thumbprint")
	}

	return &Proof{
		Thumbprint: tp,
		JTI:        claims.JTI,
		Nonce:      claims.Nonce,
	}, nil
}

// Thumbprint returns the base64url RFC 7638 thumbprint of a JWK.
func Thumbprint(key jwk.Key) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// decodeProtectedHeader decodes the first segment of a compact JWS.
func decodeProtectedHeader(proof string) (*proofHeader, error) {
	seg, _, ok := strings.Cut(proof, ".")
	if !ok {
		return nil, errors.New("not a compact JWS")
	}
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, err
	}
	var hdr proofHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// proofAlgorithm resolves the asymmetric algorithms accepted in proofs.
func proofAlgorithm(name string) (jwa.SignatureAlgorithm, bool) {
	switch name {
	case "ES256":
		return jwa.ES256(), true
	case "ES384":
		return jwa.ES384(), true
	case "ES512":
		return jwa.ES512(), true
	case "RS256":
		return jwa.RS256(), true
	case "PS256":
		return jwa.PS256(), true
	default:
		return jwa.SignatureAlgorithm{}, false
	}
}

// htuMatches compares the proof's htu claim against the request URL per
// RFC 9449 Section 4.3: scheme and host case-insensitive, path exact, query
// and fragment ignored.
func htuMatches(htu string, requestURL *url.URL) bool {
	if htu == "" || requestURL == nil {
		return false
	}
	claimed, err := url.Parse(htu)
	if err != nil {
		return false
	}
	return strings.EqualFold(claimed.Scheme, requestURL.Scheme) &&
		strings.EqualFold(claimed.Host, requestURL.Host) &&
		claimed.EscapedPath() == requestURL.EscapedPath()
}
