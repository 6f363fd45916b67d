// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package journey implements the policy-driven authentication state machine:
// declarative journey policies, the executor that advances a journey across
// HTTP turns, and the step-handler registry.
package journey

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/gatekeyd/gatekey/pkg/errors"
)

// Built-in step types.
const (
	StepLocalLogin        = "local_login"
	StepCompositeLogin    = "composite_login"
	StepExternalIDP       = "external_idp"
	StepMFA               = "mfa"
	StepConsent           = "consent"
	StepClaimsCollection  = "claims_collection"
	StepDynamicForm       = "dynamic_form"
	StepTermsAcceptance   = "terms_acceptance"
	StepPasswordReset     = "password_reset"
	StepCreateUser        = "create_user"
	StepUpdateUser        = "update_user"
	StepLinkAccount       = "link_account"
	StepCondition         = "condition"
	StepBranch            = "branch"
	StepTransform         = "transform"
	StepAPICall           = "api_call"
	StepWebhook           = "webhook"
	StepCustomPlugin      = "custom_plugin"
	StepFIDO2Login        = "fido2_login"
	StepFIDO2Register     = "fido2_register"
	StepPasswordlessEmail = "passwordless_email"
	StepPasswordlessSMS   = "passwordless_sms"
	StepCaptcha           = "captcha"
)

// knownStepTypes is the set a policy may reference.
var knownStepTypes = map[string]bool{
	StepLocalLogin: true, StepCompositeLogin: true, StepExternalIDP: true,
	StepMFA: true, StepConsent: true, StepClaimsCollection: true,
	StepDynamicForm: true, StepTermsAcceptance: true, StepPasswordReset: true,
	StepCreateUser: true, StepUpdateUser: true, StepLinkAccount: true,
	StepCondition: true, StepBranch: true, StepTransform: true,
	StepAPICall: true, StepWebhook: true, StepCustomPlugin: true,
	StepFIDO2Login: true, StepFIDO2Register: true,
	StepPasswordlessEmail: true, StepPasswordlessSMS: true, StepCaptcha: true,
}

//go:embed policy_schema.json
var policySchema []byte

// Policy is an ordered list of steps driving one journey.
type Policy struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Steps    []Step `json:"steps"`
}

// StepIndex returns the index of the step with the given id, or -1.
func (p *Policy) StepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Step is one policy step.
type Step struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// Config is the step-type-specific configuration map.
	Config map[string]any `json:"config,omitempty"`

	// Conditions gate the step: when they evaluate false the step is
	// skipped. ConditionMatch chooses all (default) or any.
	Conditions     []Condition `json:"conditions,omitempty"`
	ConditionMatch string      `json:"conditionMatch,omitempty"`

	// Branches maps a step outcome to the target step id.
	Branches map[string]string `json:"branches,omitempty"`

	// Optional steps swallow handler failures and skip instead.
	Optional bool `json:"optional,omitempty"`
}

// ConfigString returns a string config value, or "".
func (s *Step) ConfigString(key string) string {
	v, _ := s.Config[key].(string)
	return v
}

// ConfigBool returns a bool config value, or false.
func (s *Step) ConfigBool(key string) bool {
	v, _ := s.Config[key].(bool)
	return v
}

// ConfigInt returns an integer config value, or def. JSON numbers arrive as
// float64.
func (s *Step) ConfigInt(key string, def int) int {
	switch v := s.Config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// ConfigMap returns an object config value, or nil.
func (s *Step) ConfigMap(key string) map[string]any {
	v, _ := s.Config[key].(map[string]any)
	return v
}

// ConfigSlice returns an array config value, or nil.
func (s *Step) ConfigSlice(key string) []any {
	v, _ := s.Config[key].([]any)
	return v
}

// ConfigStrings returns an array config value as strings, skipping
// non-string elements.
func (s *Step) ConfigStrings(key string) []string {
	raw := s.ConfigSlice(key)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// Condition is a single gate evaluated against journey state.
type Condition struct {
	// Source selects what Key is resolved against: claim and data read the
	// journey data map, input the last form submission, config the step
	// config, user the authenticated user's claims. expression evaluates
	// Expression as CEL instead.
	Source     string `json:"source"`
	Key        string `json:"key,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// ParsePolicy validates the document against the embedded schema and then
// applies semantic checks: known step types, unique step ids, resolvable
// branch targets.
func ParsePolicy(data []byte) (*Policy, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(policySchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("parsing journey policy", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, errors.NewInvalidArgumentError(
			fmt.Sprintf("journey policy is not valid: %s", strings.Join(msgs, "; ")), nil)
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.NewInvalidArgumentError("parsing journey policy", err)
	}

	seen := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if !knownStepTypes[step.Type] {
			return nil, errors.NewInvalidArgumentError(
				fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type), nil)
		}
		if seen[step.ID] {
			return nil, errors.NewInvalidArgumentError(
				fmt.Sprintf("step id %q is duplicated", step.ID), nil)
		}
		seen[step.ID] = true
	}
	for i := range p.Steps {
		for outcome, target := range p.Steps[i].Branches {
			if !seen[target] {
				return nil, errors.NewInvalidArgumentError(
					fmt.Sprintf("step %q branch %q targets unknown step %q",
						p.Steps[i].ID, outcome, target), nil)
			}
		}
	}
	return &p, nil
}

// PolicyRegistry resolves journey policies. Lookups are tenant-scoped; a
// policy without a tenant id is shared across tenants.
type PolicyRegistry interface {
	GetPolicy(ctx context.Context, tenantID, policyID string) (*Policy, error)
}

//go:generate mockgen -destination=mocks/mock_policy.go -package=mocks -source=policy.go PolicyRegistry

// MemoryPolicyRegistry is an in-memory PolicyRegistry.
type MemoryPolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryPolicyRegistry creates an empty registry.
func NewMemoryPolicyRegistry() *MemoryPolicyRegistry {
	return &MemoryPolicyRegistry{policies: make(map[string]*Policy)}
}

func policyKey(tenantID, policyID string) string {
	return tenantID + "\x00" + policyID
}

// Register adds a parsed policy. An existing policy with the same id is
// replaced.
func (r *MemoryPolicyRegistry) Register(p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policyKey(p.TenantID, p.ID)] = p
}

// RegisterJSON parses, validates, and registers a policy document.
func (r *MemoryPolicyRegistry) RegisterJSON(data []byte) (*Policy, error) {
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, err
	}
	r.Register(p)
	return p, nil
}

// GetPolicy implements PolicyRegistry. Tenant-scoped policies shadow shared
// ones.
func (r *MemoryPolicyRegistry) GetPolicy(_ context.Context, tenantID, policyID string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[policyKey(tenantID, policyID)]; ok {
		return p, nil
	}
	if p, ok := r.policies[policyKey("", policyID)]; ok {
		return p, nil
	}
	return nil, errors.NewNotFoundError("journey policy not found", nil)
}

// compile-time check
var _ PolicyRegistry = (*MemoryPolicyRegistry)(nil)
