// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"

	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// localLoginHandler renders the username/password form and validates
// credentials. composite_login shares the handler: its extra factors are
// expressed as subsequent policy steps.
type localLoginHandler struct{}

var _ journey.StepHandler = (*localLoginHandler)(nil)

func (*localLoginHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	username := sc.Input["username"]
	password := sc.Input["password"]
	if username == "" || password == "" {
		return journey.ShowUI("login", loginModel(sc, "")), nil
	}

	u, err := sc.Services.Users.ValidateCredentials(ctx, sc.TenantID, username, password)
	if err != nil {
		var cerr user.CredentialError
		if errors.As(err, &cerr) && cerr == user.CredentialLockedOut {
			sc.Raise(ctx, events.TypeUserLockedOut, map[string]any{"username": username})
			return journey.ShowUI("lockout", map[string]any{
				"message": "The account is temporarily locked. Try again later.",
			}), nil
		}
		sc.Raise(ctx, events.TypeUserSignInFailed, map[string]any{"username": username})
		// Never disclose whether the username exists.
		return journey.ShowUI("login", loginModel(sc, "Invalid username or password.")), nil
	}

	sc.SetAuthenticated(u.SubjectID, "pwd")
	sc.Raise(ctx, events.TypeUserSignedIn, map[string]any{"subject_id": u.SubjectID})
	return journey.Success(oauth.Claims{"sub": u.SubjectID}), nil
}

func loginModel(sc *journey.StepContext, errorMessage string) map[string]any {
	model := map[string]any{
		"title": sc.Step.ConfigString("title"),
	}
	if errorMessage != "" {
		model["error"] = errorMessage
	}
	if hint := sc.Data.GetString("login_hint"); hint != "" {
		model["username"] = hint
	}
	return model
}
