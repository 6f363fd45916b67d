// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// apiCallDefaults bound the step's outbound HTTP behavior.
const (
	apiCallDefaultTimeout = 30 * time.Second
	apiCallMaxRetries     = 5
	apiCallMaxBody        = 1 << 20
)

// apiCallConfig is the decoded step configuration.
type apiCallConfig struct {
	URL    string            `json:"url"`
	Method string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Body is sent as JSON; string values interpolate {{key}} placeholders
	// from journey data.
	Body map[string]any `json:"body,omitempty"`

	TimeoutSeconds    int `json:"timeoutSeconds,omitempty"`
	Retries           int `json:"retries,omitempty"`
	RetryDelaySeconds int `json:"retryDelaySeconds,omitempty"`

	// Validate rejects responses that fail any rule.
	Validate []apiCallRule `json:"validate,omitempty"`

	// Outputs maps journey-data keys to GJSON paths in the response body.
	Outputs map[string]string `json:"outputs,omitempty"`

	// BranchOn jumps to the first matching rule's target.
	BranchOn []apiCallBranch `json:"branchOn,omitempty"`

	// ContinueOnError advances instead of failing when the call cannot be
	// completed.
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// apiCallRule checks one GJSON path of the response.
type apiCallRule struct {
	Path string `json:"path"`

	// Equals compares the path's value; Exists only requires presence.
	Equals any  `json:"equals,omitempty"`
	Exists bool `json:"exists,omitempty"`
}

// apiCallBranch is a response-conditional jump.
type apiCallBranch struct {
	apiCallRule
	Target string `json:"target"`
}

// apiCallHandler performs an outbound HTTP call with placeholder
// interpolation, bounded retries, a per-host circuit breaker, response
// validation, and GJSON output mapping.
type apiCallHandler struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*apiCallResponse]
}

var _ journey.StepHandler = (*apiCallHandler)(nil)

func newAPICallHandler() *apiCallHandler {
	return &apiCallHandler{breakers: make(map[string]*gobreaker.CircuitBreaker[*apiCallResponse])}
}

// apiCallResponse is the captured outcome of one HTTP attempt.
type apiCallResponse struct {
	status int
	body   []byte
}

func (h *apiCallHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	var cfg apiCallConfig
	if err := remarshal(sc.Step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("api_call step %q: %w", sc.Step.ID, err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("api_call step %q has no url", sc.Step.ID)
	}

	resp, err := h.call(ctx, sc, &cfg)
	if err != nil {
		if cfg.ContinueOnError {
			logger.Warnw("api_call step failed, continuing",
				"tenant", sc.TenantID,
				"journey_id", sc.JourneyID,
				"step", sc.Step.ID,
				"error", err,
			)
			return journey.Skip(), nil
		}
		return nil, err
	}

	body := string(resp.body)
	for _, rule := range cfg.Validate {
		if !ruleHolds(rule, body) {
			if cfg.ContinueOnError {
				return journey.Skip(), nil
			}
			return journey.Fail(oauth.ErrCodeServerError,
				fmt.Sprintf("response validation failed at %s", rule.Path)), nil
		}
	}

	output := oauth.Claims{}
	for claim, path := range cfg.Outputs {
		if v := gjson.Get(body, path); v.Exists() {
			output[claim] = v.Value()
		}
	}

	for _, branch := range cfg.BranchOn {
		if ruleHolds(branch.apiCallRule, body) {
			return journey.BranchTo(branch.Target, output), nil
		}
	}
	return journey.Success(output), nil
}

// call performs the HTTP request through the host's circuit breaker with
// exponential-backoff retries. Non-2xx responses count as failures.
func (h *apiCallHandler) call(ctx context.Context, sc *journey.StepContext, cfg *apiCallConfig) (*apiCallResponse, error) {
	endpoint := interpolate(cfg.URL, sc.Data, true)
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("api_call url: %w", err)
	}
	breaker := h.breakerFor(parsed.Host)

	timeout := apiCallDefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	} else if retries > apiCallMaxRetries {
		retries = apiCallMaxRetries
	}

	expBackoff := backoff.NewExponentialBackOff()
	if cfg.RetryDelaySeconds > 0 {
		expBackoff.InitialInterval = time.Duration(cfg.RetryDelaySeconds) * time.Second
	}

	operation := func() (*apiCallResponse, error) {
		return breaker.Execute(func() (*apiCallResponse, error) {
			return h.attempt(ctx, sc, cfg, endpoint, timeout)
		})
	}
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("retrying api_call step",
				"step", sc.Step.ID,
				"delay", d,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", parsed.Host, err)
	}
	return resp, nil
}

func (h *apiCallHandler) attempt(ctx context.Context, sc *journey.StepContext, cfg *apiCallConfig, endpoint string, timeout time.Duration) (*apiCallResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if len(cfg.Body) > 0 {
		payload := make(map[string]any, len(cfg.Body))
		for k, v := range cfg.Body {
			if s, ok := v.(string); ok {
				payload[k] = interpolate(s, sc.Data, false)
			} else {
				payload[k] = v
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, interpolate(v, sc.Data, false))
	}

	resp, err := httpClient(sc.Services.HTTPClient).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, apiCallMaxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return &apiCallResponse{status: resp.StatusCode, body: body}, nil
}

func (h *apiCallHandler) breakerFor(host string) *gobreaker.CircuitBreaker[*apiCallResponse] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*apiCallResponse](gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("api_call circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	h.breakers[host] = cb
	return cb
}

// ruleHolds evaluates one validation rule against the response body.
func ruleHolds(rule apiCallRule, body string) bool {
	v := gjson.Get(body, rule.Path)
	if rule.Equals != nil {
		return v.Exists() && fmt.Sprint(v.Value()) == fmt.Sprint(rule.Equals)
	}
	if rule.Exists {
		return v.Exists()
	}
	return v.Exists()
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// interpolate replaces {{key}} placeholders with journey-data values,
// URL-escaping them when the result is used in a URL.
func interpolate(s string, data oauth.Claims, escape bool) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := data[key]
		if !ok || v == nil {
			return ""
		}
		out := fmt.Sprint(v)
		if escape {
			out = url.QueryEscape(out)
		}
		return out
	})
}
