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

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/webhook"
)

// webhookStepHandler posts a snapshot of the journey to a configured URL.
// Unlike the event fan-out, the call is synchronous and has no retry queue;
// continueOnError decides whether a failed post stops the journey.
type webhookStepHandler struct{}

var _ journey.StepHandler = (*webhookStepHandler)(nil)

func (*webhookStepHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	target := sc.Step.ConfigString("url")
	if target == "" {
		return nil, fmt.Errorf("webhook step %q has no url", sc.Step.ID)
	}

	payload := map[string]any{
		"tenant_id":  sc.TenantID,
		"journey_id": sc.JourneyID,
		"client_id":  sc.ClientID,
		"step_id":    sc.Step.ID,
		"user_id":    sc.UserID(),
		"data":       exportableData(sc.Data),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret := sc.Step.ConfigString("secret"); secret != "" {
		ts := sc.Now().Unix()
		req.Header.Set(webhook.TimestampHeader, fmt.Sprintf("%d", ts))
		req.Header.Set(webhook.SignatureHeader, webhook.SignPayload([]byte(secret), ts, body))
	}

	resp, err := httpClient(sc.Services.HTTPClient).Do(req)
	if err == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
	}
	if err != nil {
		if sc.Step.ConfigBool("continueOnError") {
			logger.Warnw("webhook step failed, continuing",
				"tenant", sc.TenantID,
				"journey_id", sc.JourneyID,
				"step", sc.Step.ID,
				"error", err,
			)
			return journey.Skip(), nil
		}
		return nil, err
	}
	return journey.Success(nil), nil
}

// exportableData strips engine-internal keys (leading underscore) before the
// data leaves the process.
func exportableData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}
