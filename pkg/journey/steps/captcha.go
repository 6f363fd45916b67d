// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// defaultCaptchaThreshold rejects responses below this provider score.
const defaultCaptchaThreshold = 0.5

// captchaHandler verifies a CAPTCHA provider response token and enforces a
// score threshold ("threshold" config, 0..1).
type captchaHandler struct{}

var _ journey.StepHandler = (*captchaHandler)(nil)

func (*captchaHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	if sc.Services.Captcha == nil {
		return nil, fmt.Errorf("no captcha verifier is configured")
	}

	token := sc.Input["captcha_token"]
	if token == "" {
		return journey.ShowUI("captcha", map[string]any{
			"siteKey": sc.Step.ConfigString("siteKey"),
		}), nil
	}

	score, err := sc.Services.Captcha.VerifyCaptcha(ctx, token, sc.Input["remote_addr"])
	if err != nil {
		return nil, fmt.Errorf("verifying captcha: %w", err)
	}

	threshold := defaultCaptchaThreshold
	if raw := sc.Step.ConfigString("threshold"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			threshold = v
		}
	} else if v, ok := sc.Step.Config["threshold"].(float64); ok {
		threshold = v
	}

	if score < threshold {
		logger.Warnw("captcha score below threshold",
			"tenant", sc.TenantID,
			"journey_id", sc.JourneyID,
			"score", score,
			"threshold", threshold,
		)
		return journey.Fail(oauth.ErrCodeAccessDenied, "the request could not be verified"), nil
	}
	return journey.Success(nil), nil
}
