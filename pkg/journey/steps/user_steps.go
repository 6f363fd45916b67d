// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"

	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// createUserHandler provisions a user from collected journey data. Earlier
// steps (a dynamic form, an external IdP) populate the claims it reads.
type createUserHandler struct{}

var _ journey.StepHandler = (*createUserHandler)(nil)

func (*createUserHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	username := sc.Data.GetString(dataKeyOr(sc, "usernameKey", "username"))
	if username == "" {
		username = sc.Data.GetString("email")
	}
	if username == "" {
		return journey.Fail(oauth.ErrCodeInvalidRequest, "no username collected for the new account"), nil
	}

	u := &user.User{
		TenantID:      sc.TenantID,
		Username:      username,
		Email:         sc.Data.GetString("email"),
		Phone:         sc.Data.GetString("phone_number"),
		EmailVerified: sc.Data.GetString("email_verified") == "true",
		Active:        true,
		Roles:         sc.Step.ConfigStrings("roles"),
	}

	// A preceding form stores the chosen password under an engine-internal
	// key; it never reaches token claims.
	password := sc.Data.GetString(dataKeyOr(sc, "passwordKey", "_password"))
	if password != "" {
		hash, err := user.HashPassword(password)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = hash
	}

	// Extra profile attributes: config "properties" maps property names to
	// journey data keys.
	for prop, key := range sc.Step.ConfigMap("properties") {
		keyName, ok := key.(string)
		if !ok {
			continue
		}
		if v, ok := sc.Data[keyName]; ok {
			if u.Properties == nil {
				u.Properties = map[string]any{}
			}
			u.Properties[prop] = v
		}
	}

	created, err := sc.Services.Users.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}

	delete(sc.Data, dataKeyOr(sc, "passwordKey", "_password"))
	sc.Raise(ctx, events.TypeUserCreated, map[string]any{
		"subject_id": created.SubjectID,
		"username":   created.Username,
	})

	// Registration usually doubles as the sign-in; policies that only
	// provision set signIn to false.
	if signIn, ok := sc.Step.Config["signIn"].(bool); !ok || signIn {
		sc.SetAuthenticated(created.SubjectID, "pwd")
	} else {
		sc.SetUserID(created.SubjectID)
	}
	return journey.Success(oauth.Claims{"sub": created.SubjectID}), nil
}

// updateUserHandler writes collected journey data back onto the user:
// config "attributes" maps user fields or property names to data keys.
type updateUserHandler struct{}

var _ journey.StepHandler = (*updateUserHandler)(nil)

func (*updateUserHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	if sc.UserID() == "" {
		return journey.Fail(oauth.ErrCodeAccessDenied, "no user to update"), nil
	}
	u, err := sc.Services.Users.GetUser(ctx, sc.TenantID, sc.UserID())
	if err != nil {
		return nil, err
	}

	changed := []string{}
	for field, key := range sc.Step.ConfigMap("attributes") {
		keyName, ok := key.(string)
		if !ok {
			continue
		}
		v, ok := sc.Data[keyName]
		if !ok {
			continue
		}
		switch field {
		case "email":
			u.Email, _ = v.(string)
			u.EmailVerified = false
		case "phone":
			u.Phone, _ = v.(string)
			u.PhoneVerified = false
		default:
			if u.Properties == nil {
				u.Properties = map[string]any{}
			}
			u.Properties[field] = v
		}
		changed = append(changed, field)
	}
	if len(changed) == 0 {
		return journey.Skip(), nil
	}

	if err := sc.Services.Users.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	sc.Raise(ctx, events.TypeUserUpdated, map[string]any{
		"subject_id": u.SubjectID,
		"fields":     changed,
	})
	return journey.Success(nil), nil
}

// linkAccountHandler attaches the upstream identity recorded by a preceding
// external_idp step to the established user.
type linkAccountHandler struct{}

var _ journey.StepHandler = (*linkAccountHandler)(nil)

func (*linkAccountHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	if sc.UserID() == "" {
		return journey.Fail(oauth.ErrCodeAccessDenied, "no user to link to"), nil
	}
	provider := sc.Data.GetString("idp_provider")
	subject := sc.Data.GetString("idp_subject")
	if provider == "" || subject == "" {
		return journey.Fail(oauth.ErrCodeInvalidRequest, "no external identity to link"), nil
	}

	err := sc.Services.Users.LinkExternalLogin(ctx, sc.TenantID, sc.UserID(), user.ExternalLogin{
		Provider: provider,
		Subject:  subject,
		LinkedAt: sc.Now(),
	})
	if err != nil {
		return nil, err
	}
	sc.Raise(ctx, events.TypeUserUpdated, map[string]any{
		"subject_id": sc.UserID(),
		"change":     "account_linked",
		"provider":   provider,
	})
	return journey.Success(nil), nil
}

// dataKeyOr reads a config override for a journey-data key name.
func dataKeyOr(sc *journey.StepContext, configKey, def string) string {
	if v := sc.Step.ConfigString(configKey); v != "" {
		return v
	}
	return def
}
