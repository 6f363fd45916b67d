// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorize implements the authorization endpoint's protocol state
// machine: request parsing (including PAR resolution), validation,
// suspension into a journey or standalone UI, consent evaluation, code
// issuance, and redirect assembly.
package authorize

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
)

// requestParameters is the ordered list of parameters the endpoint reads.
var requestParameters = []string{
	"client_id",
	"redirect_uri",
	"response_type",
	"response_mode",
	"scope",
	"state",
	"nonce",
	"prompt",
	"max_age",
	"acr_values",
	"code_challenge",
	"code_challenge_method",
	"login_hint",
	"domain_hint",
	"ui_locales",
	"id_token_hint",
	"request_uri",
	"policy",
	"p",
	"ui_mode",
}

// Request is a validated authorization request. It round-trips exactly
// through JSON so it can be suspended in the protocol-context store.
type Request struct {
	TenantID string `json:"tenant_id"`

	ClientID     string   `json:"client_id"`
	RedirectURI  string   `json:"redirect_uri"`
	ResponseType string   `json:"response_type"`
	ResponseMode string   `json:"response_mode,omitempty"`
	Scopes       []string `json:"scopes"`
	State        string   `json:"state,omitempty"`
	Nonce        string   `json:"nonce,omitempty"`

	Prompts   []string `json:"prompts,omitempty"`
	MaxAge    int64    `json:"max_age,omitempty"`
	HasMaxAge bool     `json:"has_max_age,omitempty"`
	ACRValues []string `json:"acr_values,omitempty"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	LoginHint   string `json:"login_hint,omitempty"`
	DomainHint  string `json:"domain_hint,omitempty"`
	UILocales   string `json:"ui_locales,omitempty"`
	IDTokenHint string `json:"id_token_hint,omitempty"`

	// PolicyID is the journey policy selected by the policy / p parameter.
	PolicyID string `json:"policy_id,omitempty"`

	// UIMode is the raw ui_mode parameter; resolution against client and
	// tenant defaults happens in the flow.
	UIMode oauth.UIMode `json:"ui_mode,omitempty"`

	// ViaPAR marks a request resolved from a pushed authorization request.
	ViaPAR bool `json:"via_par,omitempty"`

	// correlationID links a request restored from the protocol-context
	// store back to its suspension. Never serialized.
	correlationID string
}

// ParseParams flattens an authorize request's query and form parameters into
// a single map. Form values override query values.
func ParseParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	query := r.URL.Query()
	for _, name := range requestParameters {
		if v := query.Get(name); v != "" {
			params[name] = v
		}
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			for _, name := range requestParameters {
				if v := r.PostForm.Get(name); v != "" {
					params[name] = v
				}
			}
		}
	}
	return params
}

// NewRequest builds a Request from a parameter map.
func NewRequest(tenantID string, params map[string]string) *Request {
	req := &Request{
		TenantID:            tenantID,
		ClientID:            params["client_id"],
		RedirectURI:         params["redirect_uri"],
		ResponseType:        params["response_type"],
		ResponseMode:        params["response_mode"],
		Scopes:              oauth.ParseScopes(params["scope"]),
		State:               params["state"],
		Nonce:               params["nonce"],
		Prompts:             oauth.ParseScopes(params["prompt"]),
		ACRValues:           oauth.ParseScopes(params["acr_values"]),
		CodeChallenge:       params["code_challenge"],
		CodeChallengeMethod: params["code_challenge_method"],
		LoginHint:           params["login_hint"],
		DomainHint:          params["domain_hint"],
		UILocales:           params["ui_locales"],
		IDTokenHint:         params["id_token_hint"],
		UIMode:              oauth.UIMode(params["ui_mode"]),
	}
	if maxAge, ok := params["max_age"]; ok {
		if v, err := strconv.ParseInt(maxAge, 10, 64); err == nil && v >= 0 {
			req.MaxAge = v
			req.HasMaxAge = true
		}
	}
	req.PolicyID = params["policy"]
	if req.PolicyID == "" {
		req.PolicyID = params["p"]
	}
	return req
}

// HasPrompt reports whether the prompt parameter contains the value.
func (r *Request) HasPrompt(value string) bool {
	for _, p := range r.Prompts {
		if p == value {
			return true
		}
	}
	return false
}

// Marshal serializes the request for the protocol-context store.
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRequest restores a suspended request.
func UnmarshalRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// resolvePAR replaces the parameter map with the stored PAR parameters when
// request_uri references a pushed authorization request. One-time use: the
// entry is consumed even if validation later fails.
func resolvePAR(ctx context.Context, store storage.PARStore, tenantID string, params map[string]string, now time.Time) (map[string]string, *oauth.Error) {
	requestURI := params["request_uri"]
	if requestURI == "" {
		return params, nil
	}
	if !strings.HasPrefix(requestURI, oauth.RequestURIPrefix) {
		return nil, oauth.ErrInvalidRequest("unrecognized request_uri")
	}

	entry, err := store.ConsumePAREntry(ctx, requestURI)
	if err != nil {
		return nil, oauth.ErrInvalidRequest("request_uri is unknown, expired, or already used")
	}
	if entry.TenantID != tenantID || entry.Expired(now) {
		return nil, oauth.ErrInvalidRequest("request_uri is unknown, expired, or already used")
	}
	if callerID := params["client_id"]; callerID != "" && callerID != entry.ClientID {
		return nil, oauth.ErrInvalidRequest("client_id does not match the pushed request")
	}

	resolved := make(map[string]string, len(entry.Parameters)+1)
	for k, v := range entry.Parameters {
		resolved[k] = v
	}
	resolved["client_id"] = entry.ClientID
	delete(resolved, "request_uri")
	return resolved, nil
}
