// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// termsHandler asks the user to accept the current terms and privacy policy
// versions, skipping when they already have.
type termsHandler struct{}

var _ journey.StepHandler = (*termsHandler)(nil)

func (*termsHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	if sc.UserID() == "" {
		return journey.Fail(oauth.ErrCodeAccessDenied, "no user to show terms to"), nil
	}
	termsVersion := sc.Step.ConfigString("termsVersion")
	privacyVersion := sc.Step.ConfigString("privacyVersion")

	u, err := sc.Services.Users.GetUser(ctx, sc.TenantID, sc.UserID())
	if err != nil {
		return nil, err
	}
	accepted := func(key, version string) bool {
		if version == "" {
			return true
		}
		v, _ := u.Properties[key].(string)
		return v == version
	}
	if accepted("accepted_terms_version", termsVersion) &&
		accepted("accepted_privacy_version", privacyVersion) {
		return journey.Skip(), nil
	}

	if sc.Input["accept"] != "true" {
		return journey.ShowUI("terms", map[string]any{
			"terms_version":   termsVersion,
			"privacy_version": privacyVersion,
		}), nil
	}

	if u.Properties == nil {
		u.Properties = map[string]any{}
	}
	output := oauth.Claims{}
	if termsVersion != "" {
		u.Properties["accepted_terms_version"] = termsVersion
		output["accepted_terms_version"] = termsVersion
	}
	if privacyVersion != "" {
		u.Properties["accepted_privacy_version"] = privacyVersion
		output["accepted_privacy_version"] = privacyVersion
	}
	if err := sc.Services.Users.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	return journey.Success(output), nil
}
