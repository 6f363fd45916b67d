// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// fido2LoginHandler challenges a WebAuthn credential. The WebAuthn ceremony
// itself lives behind the FIDO2Service collaborator; the step only carries
// the challenge to the browser and the response back.
type fido2LoginHandler struct{}

var _ journey.StepHandler = (*fido2LoginHandler)(nil)

func (*fido2LoginHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	svc := sc.Services.FIDO2
	if svc == nil {
		return nil, fmt.Errorf("no FIDO2 service is configured")
	}

	if sc.Input["fido2_response"] == "" {
		challenge, err := svc.BeginLogin(ctx, sc.TenantID, sc.UserID())
		if err != nil {
			return nil, fmt.Errorf("beginning fido2 login: %w", err)
		}
		return journey.ShowUI("fido2_login", map[string]any{"challenge": challenge}), nil
	}

	subjectID, err := svc.FinishLogin(ctx, sc.TenantID, sc.Input)
	if err != nil {
		return journey.ShowUI("fido2_login", map[string]any{
			"error": "The security key could not be verified.",
		}), nil
	}
	// A fido2_login after a password step is an additional factor; on its
	// own it is the primary authentication.
	if sc.Authenticated() {
		if subjectID != sc.UserID() {
			return journey.Fail(oauth.ErrCodeAccessDenied, "the credential belongs to another account"), nil
		}
		sc.AddAuthMethod("swk")
	} else {
		sc.SetAuthenticated(subjectID, "swk")
	}
	return journey.Success(oauth.Claims{"sub": subjectID}), nil
}

// fido2RegisterHandler enrolls a WebAuthn credential for the journey's
// established user.
type fido2RegisterHandler struct{}

var _ journey.StepHandler = (*fido2RegisterHandler)(nil)

func (*fido2RegisterHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	svc := sc.Services.FIDO2
	if svc == nil {
		return nil, fmt.Errorf("no FIDO2 service is configured")
	}
	if sc.UserID() == "" {
		return journey.Fail(oauth.ErrCodeAccessDenied, "no user to enroll"), nil
	}

	if sc.Input["fido2_response"] == "" {
		challenge, err := svc.BeginRegistration(ctx, sc.TenantID, sc.UserID())
		if err != nil {
			return nil, fmt.Errorf("beginning fido2 registration: %w", err)
		}
		return journey.ShowUI("fido2_register", map[string]any{"challenge": challenge}), nil
	}

	if err := svc.FinishRegistration(ctx, sc.TenantID, sc.UserID(), sc.Input); err != nil {
		return journey.ShowUI("fido2_register", map[string]any{
			"error": "The security key could not be registered.",
		}), nil
	}
	return journey.Success(nil), nil
}
