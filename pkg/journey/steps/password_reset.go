// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// Password-reset phases tracked under dataResetPhase.
const (
	resetPhaseVerify   = "verify"
	resetPhasePassword = "password"
)

// passwordResetHandler runs the three-phase self-service reset: identify the
// account, verify an emailed code, set the new password. The identify phase
// never discloses whether the account exists.
type passwordResetHandler struct{}

var _ journey.StepHandler = (*passwordResetHandler)(nil)

func (h *passwordResetHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	switch sc.Data.GetString(dataResetPhase) {
	case resetPhaseVerify:
		return h.verify(sc)
	case resetPhasePassword:
		return h.setPassword(ctx, sc)
	default:
		return h.identify(ctx, sc)
	}
}

func (h *passwordResetHandler) identify(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	identifier := sc.Input["username"]
	if identifier == "" {
		return journey.ShowUI("password_reset", map[string]any{"phase": "identify"}), nil
	}

	if sc.Services.Email == nil {
		return journey.Fail(oauth.ErrCodeServerError, "password reset is not available"), nil
	}

	// Move to the verify phase whether or not the account exists; only a
	// real account gets a code, so an attacker sees identical responses.
	sc.Data[dataResetPhase] = resetPhaseVerify
	delete(sc.Data, dataResetCode)
	delete(sc.Data, dataResetUser)

	if u, err := sc.Services.Users.GetUserByUsername(ctx, sc.TenantID, identifier); err == nil && u.Email != "" {
		code := numericCode(8)
		if err := sc.Services.Email.SendEmail(ctx, u.Email, "Reset your password",
			fmt.Sprintf("Your password reset code is %s", code)); err != nil {
			return nil, err
		}
		sc.Data[dataResetCode] = code
		sc.Data[dataResetUser] = u.SubjectID
	}
	return journey.ShowUI("password_reset", map[string]any{"phase": "verify"}), nil
}

func (h *passwordResetHandler) verify(sc *journey.StepContext) (*journey.StepResult, error) {
	code := sc.Input["code"]
	if code == "" {
		return journey.ShowUI("password_reset", map[string]any{"phase": "verify"}), nil
	}
	want := sc.Data.GetString(dataResetCode)
	if want == "" || code != want {
		return journey.ShowUI("password_reset", map[string]any{
			"phase": "verify",
			"error": "The code is not valid.",
		}), nil
	}
	sc.Data[dataResetPhase] = resetPhasePassword
	delete(sc.Data, dataResetCode)
	return journey.ShowUI("password_reset", map[string]any{"phase": "password"}), nil
}

func (h *passwordResetHandler) setPassword(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	password := sc.Input["password"]
	if password == "" {
		return journey.ShowUI("password_reset", map[string]any{"phase": "password"}), nil
	}
	minLength := sc.Step.ConfigInt("minPasswordLength", 8)
	if utf8.RuneCountInString(password) < minLength {
		return journey.ShowUI("password_reset", map[string]any{
			"phase": "password",
			"error": fmt.Sprintf("The password must be at least %d characters.", minLength),
		}), nil
	}
	if confirm, ok := sc.Input["confirm"]; ok && confirm != password {
		return journey.ShowUI("password_reset", map[string]any{
			"phase": "password",
			"error": "The passwords do not match.",
		}), nil
	}

	subjectID := sc.Data.GetString(dataResetUser)
	if subjectID == "" {
		// The identify phase matched no account; fail without saying so
		// earlier than necessary.
		return journey.Fail(oauth.ErrCodeAccessDenied, "the password could not be reset"), nil
	}
	if err := sc.Services.Users.SetPassword(ctx, sc.TenantID, subjectID, password); err != nil {
		return nil, err
	}

	delete(sc.Data, dataResetPhase)
	delete(sc.Data, dataResetUser)
	sc.SetUserID(subjectID)
	sc.Raise(ctx, events.TypeUserUpdated, map[string]any{
		"subject_id": subjectID,
		"change":     "password_reset",
	})
	return journey.Success(nil), nil
}
