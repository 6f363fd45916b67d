// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package journey

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/upstream"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// ResultKind discriminates step outcomes.
type ResultKind int

// Step outcomes.
const (
	// ResultSuccess merges the output into journey data and advances.
	ResultSuccess ResultKind = iota

	// ResultSkip advances without touching journey data.
	ResultSkip

	// ResultShowUI suspends the journey on a rendered view.
	ResultShowUI

	// ResultRedirect suspends the journey on an external redirect.
	ResultRedirect

	// ResultBranch merges the output and jumps to a named step.
	ResultBranch

	// ResultFail terminates the journey.
	ResultFail
)

// StepResult is what a step handler returns.
type StepResult struct {
	Kind ResultKind

	// Output is merged into journey data for Success and Branch.
	Output oauth.Claims

	// Outcome names the result for the step's branch table; when the table
	// maps it, the engine branches instead of advancing.
	Outcome string

	// View and Model describe the UI for ShowUI.
	View  string
	Model map[string]any

	// RedirectURL is set for Redirect.
	RedirectURL string

	// TargetStepID is set for Branch.
	TargetStepID string

	// FailureCode and FailureDescription are set for Fail. FailureCode is
	// an OAuth error code.
	FailureCode        string
	FailureDescription string
}

// Success advances with output merged into journey data.
func Success(output oauth.Claims) *StepResult {
	return &StepResult{Kind: ResultSuccess, Output: output}
}

// SuccessOutcome advances with an outcome name for the branch table.
func SuccessOutcome(outcome string, output oauth.Claims) *StepResult {
	return &StepResult{Kind: ResultSuccess, Outcome: outcome, Output: output}
}

// Skip advances without side effects.
func Skip() *StepResult {
	return &StepResult{Kind: ResultSkip}
}

// ShowUI suspends on a rendered view.
func ShowUI(view string, model map[string]any) *StepResult {
	return &StepResult{Kind: ResultShowUI, View: view, Model: model}
}

// Redirect suspends on an external redirect.
func Redirect(url string) *StepResult {
	return &StepResult{Kind: ResultRedirect, RedirectURL: url}
}

// BranchTo jumps to the named step.
func BranchTo(target string, output oauth.Claims) *StepResult {
	return &StepResult{Kind: ResultBranch, TargetStepID: target, Output: output}
}

// Fail terminates the journey with an OAuth error code.
func Fail(code, description string) *StepResult {
	return &StepResult{Kind: ResultFail, FailureCode: code, FailureDescription: description}
}

// StepHandler executes one step type.
type StepHandler interface {
	Execute(ctx context.Context, sc *StepContext) (*StepResult, error)
}

//go:generate mockgen -destination=mocks/mock_step.go -package=mocks -source=step.go StepHandler

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, sc *StepContext) (*StepResult, error)

// Execute implements StepHandler.
func (f StepHandlerFunc) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	return f(ctx, sc)
}

// EmailSender delivers email on behalf of journey steps.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers SMS on behalf of journey steps.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// FIDO2Service is the WebAuthn collaborator the fido2_login and
// fido2_register steps delegate to.
type FIDO2Service interface {
	BeginLogin(ctx context.Context, tenantID, subjectID string) (challenge map[string]any, err error)
	FinishLogin(ctx context.Context, tenantID string, response map[string]string) (subjectID string, err error)
	BeginRegistration(ctx context.Context, tenantID, subjectID string) (challenge map[string]any, err error)
	FinishRegistration(ctx context.Context, tenantID, subjectID string, response map[string]string) error
}

// CaptchaVerifier checks a CAPTCHA provider response token.
type CaptchaVerifier interface {
	VerifyCaptcha(ctx context.Context, token, remoteAddr string) (score float64, err error)
}

// PluginPayload is what a custom plugin receives.
type PluginPayload struct {
	TenantID  string            `json:"tenant_id"`
	JourneyID string            `json:"journey_id"`
	UserID    string            `json:"user_id,omitempty"`
	Data      oauth.Claims      `json:"data,omitempty"`
	Input     map[string]string `json:"input,omitempty"`
	Config    map[string]any    `json:"config,omitempty"`
}

// Plugin actions.
const (
	PluginContinue     = "continue"
	PluginComplete     = "complete"
	PluginRequireInput = "require_input"
	PluginBranch       = "branch"
	PluginFail         = "fail"
)

// PluginResult is what a custom plugin returns.
type PluginResult struct {
	Action      string         `json:"action"`
	Output      oauth.Claims   `json:"output,omitempty"`
	View        string         `json:"view,omitempty"`
	Model       map[string]any `json:"model,omitempty"`
	Target      string         `json:"target,omitempty"`
	Code        string         `json:"code,omitempty"`
	Description string         `json:"description,omitempty"`
}

// PluginExecutor runs managed or WASM plugins for the custom_plugin step.
type PluginExecutor interface {
	ExecutePlugin(ctx context.Context, name string, payload *PluginPayload) (*PluginResult, error)
}

// FormValidator runs after a dynamic form validates field constraints; a
// returned error re-renders the form with a form-level message (e.g. "email
// already registered").
type FormValidator func(ctx context.Context, tenantID string, values map[string]string) error

// Services is the capability set handed to step handlers.
type Services struct {
	Users    user.Service
	Store    storage.Storage
	Events   *events.Bus
	Email    EmailSender
	SMS      SMSSender
	FIDO2    FIDO2Service
	Captcha  CaptchaVerifier
	Plugins  PluginExecutor
	Upstream upstream.Registry

	// CallbackURL builds the absolute URL an external IdP redirects back
	// to for the given journey. Required for external_idp steps.
	CallbackURL func(journeyID string) string

	// Validators holds named pre-completion validators dynamic forms may
	// reference through their "validator" config key.
	Validators map[string]FormValidator

	// HTTPClient is used by outbound steps (api_call, webhook,
	// external_idp). Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// StepContext is the execution context a handler sees for one step turn.
type StepContext struct {
	TenantID      string
	ClientID      string
	JourneyID     string
	CorrelationID string

	// Step is the policy step being executed.
	Step *Step

	// Data is the journey data map. Handlers may read it freely; writes go
	// through the StepResult output so the engine controls merging.
	Data oauth.Claims

	// Input is the form submission of the current HTTP turn, empty on
	// pass-through steps.
	Input map[string]string

	Services *Services

	// Now is the engine clock.
	Now func() time.Time

	state *storage.JourneyState
}

// UserID returns the journey's established user id, if any.
func (sc *StepContext) UserID() string {
	return sc.state.UserID
}

// SetUserID records the acting user without marking the journey
// authenticated (e.g. a password-reset flow that identified the account).
func (sc *StepContext) SetUserID(id string) {
	sc.state.UserID = id
}

// SetAuthenticated records that the step established the user's identity.
// Without this call no session is issued when the journey completes.
func (sc *StepContext) SetAuthenticated(userID, method string) {
	sc.state.UserID = userID
	sc.state.AuthenticatedAt = sc.Now()
	sc.state.AuthMethod = method
}

// AddAuthMethod appends a method to the journey's amr set (e.g. an MFA
// factor on top of the primary login).
func (sc *StepContext) AddAuthMethod(method string) {
	if sc.state.AuthMethod == "" {
		sc.state.AuthMethod = method
		return
	}
	for _, m := range strings.Fields(sc.state.AuthMethod) {
		if m == method {
			return
		}
	}
	sc.state.AuthMethod += " " + method
}

// SetIdentityProvider records the external IdP that authenticated the user.
func (sc *StepContext) SetIdentityProvider(idp string) {
	sc.state.IdentityProvider = idp
}

// Authenticated reports whether identity has been established.
func (sc *StepContext) Authenticated() bool {
	return sc.state.UserID != "" && !sc.state.AuthenticatedAt.IsZero()
}

// Raise publishes an event on the bus, when one is configured.
func (sc *StepContext) Raise(ctx context.Context, eventType string, data map[string]any) {
	if sc.Services.Events == nil {
		return
	}
	sc.Services.Events.Raise(ctx, &events.Event{
		Type:     eventType,
		TenantID: sc.TenantID,
		Data:     data,
		Metadata: map[string]any{"journey_id": sc.JourneyID, "client_id": sc.ClientID},
	})
}

// ConditionScope assembles the scope conditions evaluate against, fetching
// the user's claims when identity is established.
func (sc *StepContext) ConditionScope(ctx context.Context) *ConditionScope {
	scope := &ConditionScope{
		Data:   sc.Data,
		Input:  sc.Input,
		Config: sc.Step.Config,
	}
	if sc.state.UserID != "" {
		if u, err := sc.Services.Users.GetUser(ctx, sc.TenantID, sc.state.UserID); err == nil {
			scope.User = user.ClaimsForScopes(u, []string{"openid", "profile", "email", "phone", "roles"})
		}
	}
	return scope
}

// Registry maps step types to handlers.
type Registry struct {
	handlers map[string]StepHandler
}

// NewStepRegistry creates an empty registry.
func NewStepRegistry() *Registry {
	return &Registry{handlers: make(map[string]StepHandler)}
}

// Register binds a handler to a step type, replacing any existing binding.
func (r *Registry) Register(stepType string, h StepHandler) {
	r.handlers[stepType] = h
}

// Get returns the handler for the step type, or nil.
func (r *Registry) Get(stepType string) StepHandler {
	return r.handlers[stepType]
}
