// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
)

// AssertionTypeJWTBearer is the client_assertion_type for private_key_jwt
// (RFC 7523 Section 2.2).
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionJTIWindow is how long a client assertion's jti is remembered for
// replay detection; assertions older than this fail exp validation anyway.
const assertionJTIWindow = 10 * time.Minute

// Authenticator authenticates token-endpoint callers: client_secret_basic,
// client_secret_post, private_key_jwt, or none (public clients, which must
// then pass PKCE at the grant handler).
type Authenticator struct {
	clients oauth.ClientRegistry
	replay  storage.ReplayStore

	// audiences are the acceptable aud values for client assertions: the
	// issuer URL and the token endpoint URL.
	audiences []string

	clock func() time.Time
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithAuthenticatorClock injects a clock for deterministic tests.
func WithAuthenticatorClock(clock func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		a.clock = clock
	}
}

// NewAuthenticator creates an Authenticator accepting assertions addressed
// to any of the given audiences.
func NewAuthenticator(clients oauth.ClientRegistry, replay storage.ReplayStore, audiences []string, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		clients:   clients,
		replay:    replay,
		audiences: audiences,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate identifies and authenticates the requesting client.
func (a *Authenticator) Authenticate(ctx context.Context, tenantID string, r *http.Request) (*oauth.Client, *oauth.Error) {
	if err := r.ParseForm(); err != nil {
		return nil, oauth.ErrInvalidRequest("malformed request body")
	}

	if assertion := r.PostForm.Get("client_assertion"); assertion != "" {
		return a.authenticateAssertion(ctx, tenantID, r.PostForm, assertion)
	}

	clientID, secret, viaBasic, oerr := credentialsFromRequest(r)
	if oerr != nil {
		return nil, oerr
	}
	if clientID == "" {
		return nil, oauth.ErrInvalidClient("client authentication is required")
	}

	client, err := a.clients.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}

	if secret == "" {
		if !client.Public {
			return nil, oauth.ErrInvalidClient("client authentication is required")
		}
		return client, nil
	}
	if !client.ValidateSecret(secret) {
		logger.Warnw("client secret validation failed",
			"tenant", tenantID,
			"client_id", clientID,
			"via_basic", viaBasic,
		)
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// credentialsFromRequest extracts client_id and client_secret from the
// Authorization header (form-urlencoded per RFC 6749 Section 2.3.1) or the
// request body.
func credentialsFromRequest(r *http.Request) (clientID, secret string, viaBasic bool, oerr *oauth.Error) {
	if id, pw, ok := r.BasicAuth(); ok {
		decodedID, err := url.QueryUnescape(id)
		if err != nil {
			return "", "", true, oauth.ErrInvalidRequest("malformed Authorization header")
		}
		decodedPW, err := url.QueryUnescape(pw)
		if err != nil {
			return "", "", true, oauth.ErrInvalidRequest("malformed Authorization header")
		}
		return decodedID, decodedPW, true, nil
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), false, nil
}

// assertionClaims is the subset of RFC 7523 claims checked here.
type assertionClaims struct {
	Issuer  string `json:"iss"`
	Subject string `json:"sub"`
	JTI     string `json:"jti"`
}

func (a *Authenticator) authenticateAssertion(ctx context.Context, tenantID string, form url.Values, assertion string) (*oauth.Client, *oauth.Error) {
	if form.Get("client_assertion_type") != AssertionTypeJWTBearer {
		return nil, oauth.ErrInvalidRequest("unsupported client_assertion_type")
	}

	// The issuer names the client; peek at the unverified payload to find
	// the registration, then verify against its registered keys.
	peeked, err := peekAssertion(assertion)
	if err != nil {
		return nil, oauth.ErrInvalidClient("malformed client assertion")
	}
	if id := form.Get("client_id"); id != "" && id != peeked.Issuer {
		return nil, oauth.ErrInvalidClient("client_id does not match the assertion issuer")
	}

	client, err := a.clients.GetClient(ctx, tenantID, peeked.Issuer)
	if err != nil || client.JWKS == "" {
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}

	set, err := jwk.Parse([]byte(client.JWKS))
	if err != nil {
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}

	tok, err := jwt.ParseString(assertion,
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithClock(jwt.ClockFunc(a.clock)),
		jwt.WithAcceptableSkew(time.Minute),
	)
	if err != nil {
		return nil, oauth.ErrInvalidClient("client assertion validation failed")
	}

	payload, err := json.Marshal(tok)
	if err != nil {
		return nil, oauth.ErrInvalidClient("client assertion validation failed")
	}
	claims := oauth.Claims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, oauth.ErrInvalidClient("client assertion validation failed")
	}

	if claims.GetString("iss") != client.ID || claims.GetString("sub") != client.ID {
		return nil, oauth.ErrInvalidClient("assertion iss and sub must be the client_id")
	}
	if _, ok := claims["exp"]; !ok {
		return nil, oauth.ErrInvalidClient("assertion must carry exp")
	}
	if !audienceAccepted(claims.GetStrings("aud"), a.audiences) {
		return nil, oauth.ErrInvalidClient("assertion audience is not this server")
	}

	jti := claims.GetString("jti")
	if jti == "" {
		return nil, oauth.ErrInvalidClient("assertion must carry jti")
	}
	if err := a.replay.PutJTI(ctx, "assertion:"+jti, assertionJTIWindow); err != nil {
		if errors.Is(err, storage.ErrReplayed) {
			logger.Warnw("client assertion replayed",
				"tenant", tenantID,
				"client_id", client.ID,
			)
			return nil, oauth.ErrInvalidClient("assertion has already been used")
		}
		return nil, oauth.ErrServerError("recording assertion jti")
	}

	return client, nil
}

// peekAssertion decodes the assertion payload without verifying it.
func peekAssertion(assertion string) (*assertionClaims, error) {
	parts := strings.Split(assertion, ".")
	if len(parts) != 3 {
		return nil, errors.New("not a compact JWS")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	var claims assertionClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, err
	}
	if claims.Issuer == "" {
		return nil, errors.New("assertion has no issuer")
	}
	return &claims, nil
}

func audienceAccepted(aud, accepted []string) bool {
	for _, a := range aud {
		if slices.Contains(accepted, a) {
			return true
		}
	}
	return false
}
