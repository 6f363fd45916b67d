// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/tenant"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// Defaults for the flow's short-lived artifacts.
const (
	DefaultPARLifetime     = 60 * time.Second
	DefaultContextLifetime = 30 * time.Minute
	DefaultConsentLifetime = 365 * 24 * time.Hour
)

// endpointTypeAuthorize tags suspended authorize requests in the
// protocol-context store.
const endpointTypeAuthorize = "authorize"

// Journey purposes resolved against client and tenant policy maps.
const (
	PurposeAuthentication = "authentication"
	PurposeConsent        = "consent"
)

// ResultKind discriminates the flow's outcomes.
type ResultKind int

// Flow outcomes.
const (
	// ResultRedirect carries a finished response: a code redirect or a
	// redirectable error.
	ResultRedirect ResultKind = iota

	// ResultErrorPage renders the server's own error page; the error was
	// not safe to redirect.
	ResultErrorPage

	// ResultStartJourney suspends the request into a journey.
	ResultStartJourney

	// ResultStandaloneLogin suspends the request into the built-in login
	// pages.
	ResultStandaloneLogin

	// ResultConsentPage suspends the request into the consent page.
	ResultConsentPage
)

// Result is the outcome of one protocol-state-machine turn.
type Result struct {
	Kind ResultKind

	// RedirectURL is set for ResultRedirect.
	RedirectURL string

	// Err is set for ResultErrorPage.
	Err *oauth.Error

	// CorrelationID links suspended outcomes to the protocol context.
	CorrelationID string

	// PolicyID is the journey policy for ResultStartJourney.
	PolicyID string

	// Client and Scopes describe what the consent page must show.
	Client *oauth.Client
	Scopes []string

	// Session is a freshly established session the handler must issue as a
	// cookie, when non-nil.
	Session *Session
}

// Flow drives the authorize endpoint's state machine.
type Flow struct {
	clients   oauth.ClientRegistry
	store     storage.Storage
	users     user.Service
	sessions  *SessionManager
	validator *Validator
	clock     func() time.Time

	parLifetime     time.Duration
	contextLifetime time.Duration
	consentLifetime time.Duration
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) FlowOption {
	return func(f *Flow) {
		f.clock = clock
	}
}

// WithPARLifetime sets the pushed-request lifetime.
func WithPARLifetime(d time.Duration) FlowOption {
	return func(f *Flow) {
		f.parLifetime = d
	}
}

// WithConsentLifetime sets how long granted consent is remembered.
func WithConsentLifetime(d time.Duration) FlowOption {
	return func(f *Flow) {
		f.consentLifetime = d
	}
}

// NewFlow creates the authorize flow.
func NewFlow(clients oauth.ClientRegistry, store storage.Storage, users user.Service, sessions *SessionManager, opts ...FlowOption) *Flow {
	f := &Flow{
		clients:         clients,
		store:           store,
		users:           users,
		sessions:        sessions,
		validator:       NewValidator(clients),
		clock:           time.Now,
		parLifetime:     DefaultPARLifetime,
		contextLifetime: DefaultContextLifetime,
		consentLifetime: DefaultConsentLifetime,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Authorize runs the state machine for an incoming authorize request:
// parse (resolving PAR), validate, then either suspend for authentication,
// suspend for consent, or issue a code.
func (f *Flow) Authorize(ctx context.Context, tn *tenant.Tenant, r *http.Request) (*Result, error) {
	now := f.clock()

	params := ParseParams(r)
	viaPAR := params["request_uri"] != ""
	params, oerr := resolvePAR(ctx, f.store, tn.ID, params, now)
	if oerr != nil {
		return &Result{Kind: ResultErrorPage, Err: oerr}, nil
	}

	req := NewRequest(tn.ID, params)
	req.ViaPAR = viaPAR

	client, verr := f.validator.Validate(ctx, req)
	if verr != nil {
		return errorResult(verr), nil
	}

	sess, err := f.sessions.Read(r, tn.ID)
	if err != nil {
		sess = nil
	}

	if f.needsAuthentication(req, sess, now) {
		if req.HasPrompt(oauth.PromptNone) {
			return errorResult(&Error{
				Error:             oauth.NewError(oauth.ErrCodeLoginRequired, "authentication is required"),
				RedirectValidated: true,
				RedirectURI:       req.RedirectURI,
				State:             req.State,
				ResponseMode:      req.ResponseMode,
			}), nil
		}
		return f.suspendForAuthentication(ctx, tn, client, req, now)
	}

	return f.continueAuthenticated(ctx, tn, client, req, sess, nil, now)
}

// ResumeAuthentication re-enters the state machine when a journey or
// standalone login completes. The result's Session, when set, must be
// issued as a cookie by the handler.
func (f *Flow) ResumeAuthentication(ctx context.Context, tn *tenant.Tenant, correlationID string, authn *oauth.AuthenticationResult) (*Result, error) {
	now := f.clock()

	_, req, client, res := f.loadSuspended(ctx, tn, correlationID, now)
	if res != nil {
		return res, nil
	}

	if !authn.Authenticated() {
		_ = f.store.RemoveProtocolContext(ctx, correlationID)
		return errorResult(&Error{
			Error:             oauth.ErrAccessDenied("authentication was not completed"),
			RedirectValidated: true,
			RedirectURI:       req.RedirectURI,
			State:             req.State,
			ResponseMode:      req.ResponseMode,
		}), nil
	}

	sess := &Session{
		TenantID:  tn.ID,
		SubjectID: authn.SubjectID,
		SessionID: authn.SessionID,
		AuthTime:  authn.AuthTime,
		AMR:       authn.AMR,
	}
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}

	result, err := f.continueAuthenticated(ctx, tn, client, req, sess, authn.Claims, now)
	if err != nil {
		return nil, err
	}
	result.Session = sess
	return result, nil
}

// FailAuthentication terminates a suspended request with the failure code a
// journey produced, redirecting when the code is safe.
func (f *Flow) FailAuthentication(ctx context.Context, tn *tenant.Tenant, correlationID, code, description string) (*Result, error) {
	now := f.clock()

	_, req, _, res := f.loadSuspended(ctx, tn, correlationID, now)
	if res != nil {
		return res, nil
	}
	_ = f.store.RemoveProtocolContext(ctx, correlationID)

	if code == "" {
		code = oauth.ErrCodeAccessDenied
	}
	return errorResult(&Error{
		Error:             oauth.NewError(code, description),
		RedirectValidated: true,
		RedirectURI:       req.RedirectURI,
		State:             req.State,
		ResponseMode:      req.ResponseMode,
	}), nil
}

// CompleteConsent finishes a request suspended on the consent page.
func (f *Flow) CompleteConsent(ctx context.Context, tn *tenant.Tenant, correlationID string, sess *Session, approved bool, grantedScopes []string) (*Result, error) {
	now := f.clock()

	_, req, client, res := f.loadSuspended(ctx, tn, correlationID, now)
	if res != nil {
		return res, nil
	}

	if !approved {
		_ = f.store.RemoveProtocolContext(ctx, correlationID)
		return errorResult(&Error{
			Error:             oauth.ErrAccessDenied("the user denied the request"),
			RedirectValidated: true,
			RedirectURI:       req.RedirectURI,
			State:             req.State,
			ResponseMode:      req.ResponseMode,
		}), nil
	}

	if sess == nil || sess.SubjectID == "" {
		return &Result{Kind: ResultErrorPage, Err: oauth.ErrAccessDenied("no authenticated session")}, nil
	}
	if len(grantedScopes) == 0 {
		grantedScopes = req.Scopes
	}
	if !oauth.ScopesSubset(req.Scopes, grantedScopes) {
		return errorResult(&Error{
			Error:             oauth.NewError(oauth.ErrCodeConsentRequired, "consent does not cover the requested scopes"),
			RedirectValidated: true,
			RedirectURI:       req.RedirectURI,
			State:             req.State,
			ResponseMode:      req.ResponseMode,
		}), nil
	}

	record := &storage.ConsentRecord{
		TenantID:  tn.ID,
		SubjectID: sess.SubjectID,
		ClientID:  client.ID,
		Scopes:    grantedScopes,
		GrantedAt: now,
		ExpiresAt: now.Add(f.consentLifetime),
	}
	if err := f.store.PutConsent(ctx, record); err != nil {
		return nil, err
	}

	_ = f.store.RemoveProtocolContext(ctx, correlationID)
	return f.issueCode(ctx, tn, client, req, sess, nil, now)
}

// PushAuthorizationRequest stores a pushed authorization request (RFC 9126)
// for an already-authenticated client and returns its request_uri.
func (f *Flow) PushAuthorizationRequest(ctx context.Context, tn *tenant.Tenant, client *oauth.Client, params map[string]string) (*oauth.PARResponse, *oauth.Error) {
	if ru := params["request_uri"]; ru != "" {
		return nil, oauth.ErrInvalidRequest("request_uri may not be pushed")
	}
	if id := params["client_id"]; id != "" && id != client.ID {
		return nil, oauth.ErrInvalidClient("client_id does not match the authenticated client")
	}
	params["client_id"] = client.ID

	// Validate now so the client learns about errors at push time.
	req := NewRequest(tn.ID, params)
	req.ViaPAR = true
	if _, verr := f.validator.Validate(ctx, req); verr != nil {
		return nil, verr.Error
	}

	token, err := oauth.NewOpaqueToken()
	if err != nil {
		return nil, oauth.ErrServerError("generating request_uri")
	}
	now := f.clock()
	entry := &storage.PAREntry{
		RequestURI: oauth.RequestURIPrefix + token,
		TenantID:   tn.ID,
		ClientID:   client.ID,
		Parameters: params,
		CreatedAt:  now,
		ExpiresAt:  now.Add(f.parLifetime),
	}
	if err := f.store.PutPAREntry(ctx, entry); err != nil {
		return nil, oauth.ErrServerError("storing the pushed request")
	}

	return &oauth.PARResponse{
		RequestURI: entry.RequestURI,
		ExpiresIn:  int64(f.parLifetime.Seconds()),
	}, nil
}

// needsAuthentication applies spec'd suspension triggers: no session,
// prompt=login, or an exceeded max_age.
func (f *Flow) needsAuthentication(req *Request, sess *Session, now time.Time) bool {
	if sess == nil {
		return true
	}
	if req.HasPrompt(oauth.PromptLogin) || req.HasPrompt(oauth.PromptSelectAccount) {
		return true
	}
	if req.HasMaxAge && now.Sub(sess.AuthTime) > time.Duration(req.MaxAge)*time.Second {
		return true
	}
	return false
}

// suspendForAuthentication persists the protocol context and hands off to a
// journey or the standalone pages per the resolved UI mode.
func (f *Flow) suspendForAuthentication(ctx context.Context, tn *tenant.Tenant, client *oauth.Client, req *Request, now time.Time) (*Result, error) {
	uiMode := f.resolveUIMode(tn, client, req)
	policyID := f.resolvePolicy(tn, client, req, PurposeAuthentication)
	if uiMode == oauth.UIModeJourney && policyID == "" {
		// No policy configured anywhere; fall back to standalone pages.
		uiMode = oauth.UIModeStandalone
	}

	correlationID, err := f.persistContext(ctx, tn, req, policyID, now)
	if err != nil {
		return nil, err
	}

	logger.Debugw("authorize request suspended for authentication",
		"tenant", tn.ID,
		"client_id", client.ID,
		"ui_mode", string(uiMode),
		"policy_id", policyID,
	)

	if uiMode == oauth.UIModeJourney {
		return &Result{
			Kind:          ResultStartJourney,
			CorrelationID: correlationID,
			PolicyID:      policyID,
			Client:        client,
			Scopes:        req.Scopes,
		}, nil
	}
	return &Result{
		Kind:          ResultStandaloneLogin,
		CorrelationID: correlationID,
		Client:        client,
		Scopes:        req.Scopes,
	}, nil
}

// continueAuthenticated evaluates consent for an authenticated session and
// either suspends on the consent page or issues the code.
func (f *Flow) continueAuthenticated(ctx context.Context, tn *tenant.Tenant, client *oauth.Client, req *Request, sess *Session, claims oauth.Claims, now time.Time) (*Result, error) {
	required, err := f.consentRequired(ctx, tn, client, req, sess, now)
	if err != nil {
		return nil, err
	}
	if required {
		if req.HasPrompt(oauth.PromptNone) {
			return errorResult(&Error{
				Error:             oauth.NewError(oauth.ErrCodeConsentRequired, "consent is required"),
				RedirectValidated: true,
				RedirectURI:       req.RedirectURI,
				State:             req.State,
				ResponseMode:      req.ResponseMode,
			}), nil
		}
		correlationID := req.correlationID
		if correlationID == "" {
			correlationID, err = f.persistContext(ctx, tn, req, "", now)
			if err != nil {
				return nil, err
			}
		}
		return &Result{
			Kind:          ResultConsentPage,
			CorrelationID: correlationID,
			Client:        client,
			Scopes:        req.Scopes,
		}, nil
	}

	if req.correlationID != "" {
		_ = f.store.RemoveProtocolContext(ctx, req.correlationID)
	}
	return f.issueCode(ctx, tn, client, req, sess, claims, now)
}

// consentRequired implements: prompt=consent OR (client.require_consent AND
// not all scopes previously consented).
func (f *Flow) consentRequired(ctx context.Context, tn *tenant.Tenant, client *oauth.Client, req *Request, sess *Session, now time.Time) (bool, error) {
	if req.HasPrompt(oauth.PromptConsent) {
		return true, nil
	}
	if !client.RequireConsent {
		return false, nil
	}
	record, err := f.store.GetConsent(ctx, tn.ID, sess.SubjectID, client.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return !record.Covers(req.Scopes, now), nil
}

// issueCode mints and persists the authorization code and assembles the
// success redirect.
func (f *Flow) issueCode(ctx context.Context, tn *tenant.Tenant, client *oauth.Client, req *Request, sess *Session, claims oauth.Claims, now time.Time) (*Result, error) {
	u, err := f.users.GetUser(ctx, tn.ID, sess.SubjectID)
	if err != nil {
		return &Result{Kind: ResultErrorPage, Err: oauth.ErrAccessDenied("unknown user")}, nil
	}
	if !u.Active {
		return errorResult(&Error{
			Error:             oauth.ErrAccessDenied("the user account is disabled"),
			RedirectValidated: true,
			RedirectURI:       req.RedirectURI,
			State:             req.State,
			ResponseMode:      req.ResponseMode,
		}), nil
	}
	if !client.UserAllowed(u.SubjectID, u.Roles) {
		return errorResult(&Error{
			Error:             oauth.ErrAccessDenied("the user may not use this client"),
			RedirectValidated: true,
			RedirectURI:       req.RedirectURI,
			State:             req.State,
			ResponseMode:      req.ResponseMode,
		}), nil
	}

	snapshot := user.ClaimsForScopes(u, req.Scopes)
	if len(claims) > 0 {
		snapshot.Merge(claims)
	}

	code, err := oauth.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	record := &storage.AuthorizationCode{
		Code:                code,
		TenantID:            tn.ID,
		ClientID:            client.ID,
		SubjectID:           sess.SubjectID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		SessionID:           sess.SessionID,
		AuthTime:            sess.AuthTime,
		AMR:                 sess.AMR,
		ClaimsSnapshot:      snapshot,
		CreatedAt:           now,
		ExpiresAt:           now.Add(client.AuthCodeLifetime()),
	}
	if err := f.store.PutAuthorizationCode(ctx, record); err != nil {
		return nil, err
	}

	redirect, err := BuildCodeRedirect(req.RedirectURI, code, req.State, req.ResponseMode)
	if err != nil {
		return nil, err
	}

	logger.Infow("authorization code issued",
		"tenant", tn.ID,
		"client_id", client.ID,
		"scopes", oauth.JoinScopes(req.Scopes),
	)
	return &Result{Kind: ResultRedirect, RedirectURL: redirect}, nil
}

// persistContext stores the protocol context and returns the correlation id.
func (f *Flow) persistContext(ctx context.Context, tn *tenant.Tenant, req *Request, policyID string, now time.Time) (string, error) {
	raw, err := req.Marshal()
	if err != nil {
		return "", err
	}
	correlationID := uuid.NewString()
	pc := &storage.ProtocolContext{
		CorrelationID: correlationID,
		TenantID:      tn.ID,
		EndpointType:  endpointTypeAuthorize,
		Request:       raw,
		PolicyID:      policyID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(f.contextLifetime),
	}
	if err := f.store.PutProtocolContext(ctx, pc); err != nil {
		return "", err
	}
	return correlationID, nil
}

// loadSuspended restores a suspended request. The error result is non-nil
// when the context is missing, expired, or cross-tenant.
func (f *Flow) loadSuspended(ctx context.Context, tn *tenant.Tenant, correlationID string, now time.Time) (*storage.ProtocolContext, *Request, *oauth.Client, *Result) {
	pc, err := f.store.GetProtocolContext(ctx, correlationID)
	if err != nil || pc.TenantID != tn.ID || now.After(pc.ExpiresAt) {
		return nil, nil, nil, &Result{
			Kind: ResultErrorPage,
			Err:  oauth.ErrInvalidRequest("the authorization request is unknown or has expired"),
		}
	}
	req, err := UnmarshalRequest(pc.Request)
	if err != nil {
		return nil, nil, nil, &Result{
			Kind: ResultErrorPage,
			Err:  oauth.ErrServerError("restoring the authorization request"),
		}
	}
	req.correlationID = correlationID
	client, err := f.clients.GetClient(ctx, tn.ID, req.ClientID)
	if err != nil {
		return nil, nil, nil, &Result{
			Kind: ResultErrorPage,
			Err:  oauth.ErrInvalidRequest("unknown client"),
		}
	}
	return pc, req, client, nil
}

// resolveUIMode applies the request → client → tenant → journey chain.
func (f *Flow) resolveUIMode(tn *tenant.Tenant, client *oauth.Client, req *Request) oauth.UIMode {
	if req.UIMode == oauth.UIModeJourney || req.UIMode == oauth.UIModeStandalone {
		return req.UIMode
	}
	if client.DefaultUIMode != "" {
		return client.DefaultUIMode
	}
	if tn.DefaultUIMode != "" {
		return oauth.UIMode(tn.DefaultUIMode)
	}
	return oauth.UIModeJourney
}

// resolvePolicy applies the request → client → tenant chain for a purpose.
func (f *Flow) resolvePolicy(tn *tenant.Tenant, client *oauth.Client, req *Request, purpose string) string {
	if purpose == PurposeAuthentication && req.PolicyID != "" {
		return req.PolicyID
	}
	if id := client.JourneyPolicyFor(purpose); id != "" {
		return id
	}
	return tn.PolicyFor(purpose)
}

// errorResult turns a validation error into a redirect or error-page result.
func errorResult(e *Error) *Result {
	if e.Redirectable() {
		redirect, err := BuildErrorRedirect(e)
		if err == nil {
			return &Result{Kind: ResultRedirect, RedirectURL: redirect}
		}
	}
	return &Result{Kind: ResultErrorPage, Err: e.Error}
}
