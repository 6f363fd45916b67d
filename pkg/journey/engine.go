// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package journey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
)

// DefaultJourneyTTL is how long a suspended journey stays resumable; the TTL
// is refreshed on every advance.
const DefaultJourneyTTL = 30 * time.Minute

// maxStepsPerTurn bounds one engine turn so a policy whose branches form a
// loop cannot spin forever.
const maxStepsPerTurn = 100

// OutcomeKind discriminates engine outcomes.
type OutcomeKind int

// Engine outcomes.
const (
	// OutcomeShowUI renders a view and waits for the next form submission.
	OutcomeShowUI OutcomeKind = iota

	// OutcomeRedirect sends the browser elsewhere and waits for a callback.
	OutcomeRedirect

	// OutcomeCompleted delivers the authentication result.
	OutcomeCompleted

	// OutcomeFailed carries the journey's failure code.
	OutcomeFailed
)

// Outcome is the result of one engine turn.
type Outcome struct {
	Kind      OutcomeKind
	JourneyID string

	// CorrelationID links back to the suspended protocol request.
	CorrelationID string

	// View and Model are set for OutcomeShowUI.
	View  string
	Model map[string]any

	// RedirectURL is set for OutcomeRedirect.
	RedirectURL string

	// Result is set for OutcomeCompleted.
	Result *oauth.AuthenticationResult

	// FailureCode and FailureDescription are set for OutcomeFailed.
	FailureCode        string
	FailureDescription string
}

// Engine drives journeys through their policies.
type Engine struct {
	policies PolicyRegistry
	store    storage.JourneyStateStore
	steps    *Registry
	services *Services

	clock func() time.Time
	ttl   time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock injects a clock for deterministic tests.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithJourneyTTL sets the suspended-journey lifetime.
func WithJourneyTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.ttl = d
	}
}

// NewEngine creates a journey engine.
func NewEngine(policies PolicyRegistry, store storage.JourneyStateStore, steps *Registry, services *Services, opts ...EngineOption) *Engine {
	e := &Engine{
		policies: policies,
		store:    store,
		steps:    steps,
		services: services,
		clock:    time.Now,
		ttl:      DefaultJourneyTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a journey for the policy and runs it until it suspends or
// terminates.
func (e *Engine) Start(ctx context.Context, tenantID, clientID, correlationID, policyID string) (*Outcome, error) {
	policy, err := e.policies.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	state := &storage.JourneyState{
		JourneyID:     uuid.NewString(),
		PolicyID:      policy.ID,
		TenantID:      tenantID,
		ClientID:      clientID,
		CorrelationID: correlationID,
		Status:        storage.JourneyRunning,
		Data:          oauth.Claims{},
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(e.ttl),
	}
	if err := e.store.PutJourneyState(ctx, state); err != nil {
		return nil, err
	}

	e.raise(ctx, state, events.TypeJourneyStarted, map[string]any{"policy_id": policy.ID})
	logger.Debugw("journey started",
		"tenant", tenantID,
		"journey_id", state.JourneyID,
		"policy_id", policy.ID,
	)
	return e.run(ctx, state, policy, nil)
}

// Advance resumes a suspended journey with the user's form submission (or
// an external callback's parameters).
func (e *Engine) Advance(ctx context.Context, tenantID, journeyID string, input map[string]string) (*Outcome, error) {
	state, err := e.store.GetJourneyState(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if state.TenantID != tenantID {
		return nil, errors.NewNotFoundError("journey not found", nil)
	}
	now := e.clock()
	if state.Expired(now) {
		_ = e.store.RemoveJourneyState(ctx, journeyID)
		return nil, errors.NewNotFoundError("the journey has expired", nil)
	}
	if state.Status != storage.JourneyRunning {
		return nil, errors.NewConflictError("the journey is no longer running", nil)
	}

	policy, err := e.policies.GetPolicy(ctx, tenantID, state.PolicyID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, state, policy, input)
}

// run is the executor loop: execute the current step, interpret its result,
// repeat until the journey suspends or terminates.
func (e *Engine) run(ctx context.Context, state *storage.JourneyState, policy *Policy, input map[string]string) (*Outcome, error) {
	state.UserInput = input
	if state.Data == nil {
		state.Data = oauth.Claims{}
	}

	for turns := 0; ; turns++ {
		if turns >= maxStepsPerTurn {
			return e.fail(ctx, state, oauth.ErrCodeServerError, "the journey did not terminate")
		}
		if state.CurrentStepIndex >= len(policy.Steps) {
			return e.complete(ctx, state)
		}

		step := &policy.Steps[state.CurrentStepIndex]
		sc := e.stepContext(state, step)

		gate, err := EvaluateConditions(step.Conditions, step.ConditionMatch, sc.ConditionScope(ctx))
		if err != nil {
			logger.Warnw("journey step condition failed to evaluate",
				"tenant", state.TenantID,
				"journey_id", state.JourneyID,
				"step", step.ID,
				"error", err,
			)
			return e.fail(ctx, state, oauth.ErrCodeServerError, "evaluating step conditions")
		}
		if !gate {
			state.CurrentStepIndex++
			continue
		}

		handler := e.steps.Get(step.Type)
		if handler == nil {
			return e.fail(ctx, state, oauth.ErrCodeServerError,
				fmt.Sprintf("no handler for step type %s", step.Type))
		}

		res, err := handler.Execute(ctx, sc)
		if err != nil {
			if step.Optional {
				logger.Warnw("optional journey step failed, skipping",
					"tenant", state.TenantID,
					"journey_id", state.JourneyID,
					"step", step.ID,
					"error", err,
				)
				state.CurrentStepIndex++
				state.UserInput = nil
				continue
			}
			logger.Errorw("journey step failed",
				"tenant", state.TenantID,
				"journey_id", state.JourneyID,
				"step", step.ID,
				"error", err,
			)
			return e.fail(ctx, state, oauth.ErrCodeServerError, "the step could not be completed")
		}

		switch res.Kind {
		case ResultSuccess:
			state.Data.Merge(res.Output)
			state.UserInput = nil
			if target, ok := step.Branches[res.Outcome]; ok && res.Outcome != "" {
				if !e.jump(state, policy, target) {
					return e.fail(ctx, state, oauth.ErrCodeServerError, "branch target not found")
				}
			} else {
				state.CurrentStepIndex++
			}

		case ResultSkip:
			state.CurrentStepIndex++
			state.UserInput = nil

		case ResultShowUI:
			if err := e.persist(ctx, state); err != nil {
				return nil, err
			}
			return &Outcome{
				Kind:          OutcomeShowUI,
				JourneyID:     state.JourneyID,
				CorrelationID: state.CorrelationID,
				View:          res.View,
				Model:         res.Model,
			}, nil

		case ResultRedirect:
			if err := e.persist(ctx, state); err != nil {
				return nil, err
			}
			return &Outcome{
				Kind:          OutcomeRedirect,
				JourneyID:     state.JourneyID,
				CorrelationID: state.CorrelationID,
				RedirectURL:   res.RedirectURL,
			}, nil

		case ResultBranch:
			state.Data.Merge(res.Output)
			state.UserInput = nil
			if !e.jump(state, policy, res.TargetStepID) {
				return e.fail(ctx, state, oauth.ErrCodeServerError, "branch target not found")
			}

		case ResultFail:
			return e.fail(ctx, state, res.FailureCode, res.FailureDescription)

		default:
			return e.fail(ctx, state, oauth.ErrCodeServerError, "unknown step result")
		}
	}
}

// jump moves the current index to the named step, honoring the step's
// branch table indirection.
func (e *Engine) jump(state *storage.JourneyState, policy *Policy, target string) bool {
	idx := policy.StepIndex(target)
	if idx < 0 {
		return false
	}
	state.CurrentStepIndex = idx
	return true
}

func (e *Engine) stepContext(state *storage.JourneyState, step *Step) *StepContext {
	return &StepContext{
		TenantID:      state.TenantID,
		ClientID:      state.ClientID,
		JourneyID:     state.JourneyID,
		CorrelationID: state.CorrelationID,
		Step:          step,
		Data:          state.Data,
		Input:         state.UserInput,
		Services:      e.services,
		Now:           e.clock,
		state:         state,
	}
}

// complete terminates the journey and assembles the authentication result.
// A journey that never called SetAuthenticated completes without identity:
// the coordinator will deny the suspended request.
func (e *Engine) complete(ctx context.Context, state *storage.JourneyState) (*Outcome, error) {
	state.Status = storage.JourneyCompleted
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}

	result := &oauth.AuthenticationResult{}
	if state.UserID != "" && !state.AuthenticatedAt.IsZero() {
		result = &oauth.AuthenticationResult{
			SubjectID:        state.UserID,
			SessionID:        uuid.NewString(),
			AuthTime:         state.AuthenticatedAt,
			AMR:              strings.Fields(state.AuthMethod),
			IdentityProvider: state.IdentityProvider,
			Claims:           state.Data,
		}
	}

	e.raise(ctx, state, events.TypeJourneyCompleted, map[string]any{
		"policy_id":     state.PolicyID,
		"authenticated": result.Authenticated(),
	})
	logger.Infow("journey completed",
		"tenant", state.TenantID,
		"journey_id", state.JourneyID,
		"policy_id", state.PolicyID,
		"authenticated", result.Authenticated(),
	)
	return &Outcome{
		Kind:          OutcomeCompleted,
		JourneyID:     state.JourneyID,
		CorrelationID: state.CorrelationID,
		Result:        result,
	}, nil
}

// fail terminates the journey as Failed.
func (e *Engine) fail(ctx context.Context, state *storage.JourneyState, code, description string) (*Outcome, error) {
	if code == "" {
		code = oauth.ErrCodeAccessDenied
	}
	state.Status = storage.JourneyFailed
	state.FailureCode = code
	state.FailureDescription = description
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}

	e.raise(ctx, state, events.TypeJourneyFailed, map[string]any{
		"policy_id": state.PolicyID,
		"code":      code,
	})
	logger.Warnw("journey failed",
		"tenant", state.TenantID,
		"journey_id", state.JourneyID,
		"policy_id", state.PolicyID,
		"code", code,
	)
	return &Outcome{
		Kind:               OutcomeFailed,
		JourneyID:          state.JourneyID,
		CorrelationID:      state.CorrelationID,
		FailureCode:        code,
		FailureDescription: description,
	}, nil
}

// persist writes the state back with a refreshed TTL; CAS losers surface
// storage.ErrStaleState to the caller.
func (e *Engine) persist(ctx context.Context, state *storage.JourneyState) error {
	now := e.clock()
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(e.ttl)
	return e.store.UpdateJourneyState(ctx, state)
}

func (e *Engine) raise(ctx context.Context, state *storage.JourneyState, eventType string, data map[string]any) {
	if e.services == nil || e.services.Events == nil {
		return
	}
	data["journey_id"] = state.JourneyID
	e.services.Events.Raise(ctx, &events.Event{
		Type:     eventType,
		TenantID: state.TenantID,
		Data:     data,
	})
}
