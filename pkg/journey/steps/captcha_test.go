// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/journey/steps"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// fakeCaptcha returns a fixed provider score.
type fakeCaptcha struct {
	score    float64
	err      error
	gotToken string
}

func (f *fakeCaptcha) VerifyCaptcha(_ context.Context, token, _ string) (float64, error) {
	f.gotToken = token
	return f.score, f.err
}

func captchaContext(config map[string]any, input map[string]string, verifier journey.CaptchaVerifier) *journey.StepContext {
	return &journey.StepContext{
		TenantID: "acme",
		Step:     &journey.Step{ID: "bot-check", Type: journey.StepCaptcha, Config: config},
		Input:    input,
		Services: &journey.Services{Captcha: verifier},
	}
}

func TestCaptchaRendersWithoutToken(t *testing.T) {
	t.Parallel()

	handler := steps.NewRegistry().Get(journey.StepCaptcha)
	res, err := handler.Execute(context.Background(),
		captchaContext(map[string]any{"siteKey": "site-1"}, nil, &fakeCaptcha{}))
	require.NoError(t, err)
	require.Equal(t, journey.ResultShowUI, res.Kind)
	assert.Equal(t, "captcha", res.View)
	assert.Equal(t, "site-1", res.Model["siteKey"])
}

func TestCaptchaThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   map[string]any
		score    float64
		wantPass bool
	}{
		{name: "above default threshold", score: 0.9, wantPass: true},
		{name: "below default threshold", score: 0.2, wantPass: false},
		{
			name:   "custom threshold rejects a passing default score",
			config: map[string]any{"threshold": 0.95},
			score:  0.9, wantPass: false,
		},
		{
			name:   "string threshold",
			config: map[string]any{"threshold": "0.3"},
			score:  0.4, wantPass: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			verifier := &fakeCaptcha{score: tt.score}
			handler := steps.NewRegistry().Get(journey.StepCaptcha)
			res, err := handler.Execute(context.Background(),
				captchaContext(tt.config, map[string]string{"captcha_token": "tok-1"}, verifier))
			require.NoError(t, err)
			assert.Equal(t, "tok-1", verifier.gotToken)
			if tt.wantPass {
				assert.Equal(t, journey.ResultSuccess, res.Kind)
			} else {
				require.Equal(t, journey.ResultFail, res.Kind)
				assert.Equal(t, oauth.ErrCodeAccessDenied, res.FailureCode)
			}
		})
	}
}

func TestCaptchaErrors(t *testing.T) {
	t.Parallel()

	handler := steps.NewRegistry().Get(journey.StepCaptcha)
	input := map[string]string{"captcha_token": "tok-1"}

	_, err := handler.Execute(context.Background(),
		captchaContext(nil, input, &fakeCaptcha{err: errors.New("provider down")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verifying captcha")

	_, err = handler.Execute(context.Background(), captchaContext(nil, input, nil))
	require.Error(t, err)
}
