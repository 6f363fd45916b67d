// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/upstream"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// externalIDPHandler initiates an OAuth challenge against an upstream
// provider and, on the callback turn, maps the upstream identity to a local
// user. Config keys: provider (required), autoProvision (bool),
// requireLinked (bool).
type externalIDPHandler struct{}

var _ journey.StepHandler = (*externalIDPHandler)(nil)

func newExternalIDPHandler() *externalIDPHandler {
	return &externalIDPHandler{}
}

func (h *externalIDPHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	providerName := sc.Step.ConfigString("provider")
	if providerName == "" {
		return nil, errors.NewInvalidArgumentError("external_idp step has no provider", nil)
	}
	if sc.Services.Upstream == nil {
		return nil, errors.NewInternalError("no upstream provider registry is configured", nil)
	}
	provider, err := sc.Services.Upstream.GetProvider(ctx, sc.TenantID, providerName)
	if err != nil {
		return nil, err
	}
	if sc.Services.CallbackURL == nil {
		return nil, errors.NewInternalError("no external callback URL is configured", nil)
	}
	redirectURI := sc.Services.CallbackURL(sc.JourneyID)

	// The callback turn carries code or error; the first turn carries
	// neither and starts the upstream challenge.
	if sc.Input["code"] == "" && sc.Input["error"] == "" {
		state := randomToken()
		nonce := randomToken()
		sc.Data[dataExtIDPState] = state
		sc.Data[dataExtIDPNonce] = nonce
		return journey.Redirect(provider.AuthorizationURL(state, nonce, redirectURI)), nil
	}
	return h.callback(ctx, sc, provider, redirectURI)
}

func (h *externalIDPHandler) callback(ctx context.Context, sc *journey.StepContext, provider upstream.Provider, redirectURI string) (*journey.StepResult, error) {
	if upErr := sc.Input["error"]; upErr != "" {
		return journey.Fail(oauth.ErrCodeAccessDenied,
			fmt.Sprintf("the identity provider rejected the request: %s", upErr)), nil
	}
	if sc.Input["state"] == "" || sc.Input["state"] != sc.Data.GetString(dataExtIDPState) {
		return journey.Fail(oauth.ErrCodeAccessDenied, "state mismatch on identity provider callback"), nil
	}
	nonce := sc.Data.GetString(dataExtIDPNonce)
	delete(sc.Data, dataExtIDPState)
	delete(sc.Data, dataExtIDPNonce)

	identity, err := provider.Exchange(ctx, sc.Input["code"], nonce, redirectURI)
	if err != nil {
		return nil, err
	}

	u, err := sc.Services.Users.GetUserByExternalLogin(ctx, sc.TenantID, provider.Name(), identity.Subject)
	switch {
	case err == nil:
		// Linked user found.
	case errors.IsNotFound(err) && sc.Step.ConfigBool("autoProvision"):
		u, err = h.provision(ctx, sc, provider.Name(), identity)
		if err != nil {
			return nil, err
		}
	case errors.IsNotFound(err):
		if sc.Step.ConfigBool("requireLinked") {
			return journey.Fail(oauth.ErrCodeAccessDenied, "no account is linked to this identity"), nil
		}
		// Defer account handling to later steps (e.g. link_account).
		sc.SetIdentityProvider(provider.Name())
		output := identity.Claims.Clone()
		output["external_subject"] = identity.Subject
		output["external_provider"] = provider.Name()
		return journey.SuccessOutcome("unlinked", output), nil
	default:
		return nil, err
	}

	if !u.Active {
		return journey.Fail(oauth.ErrCodeAccessDenied, "the account is not active"), nil
	}

	sc.SetAuthenticated(u.SubjectID, "federated")
	sc.SetIdentityProvider(provider.Name())
	output := identity.Claims.Clone()
	output["sub"] = u.SubjectID
	return journey.Success(output), nil
}

// provision creates a local user from the upstream identity and links the
// external login.
func (*externalIDPHandler) provision(ctx context.Context, sc *journey.StepContext, providerName string, identity *upstream.Identity) (*user.User, error) {
	u := &user.User{
		TenantID:      sc.TenantID,
		Username:      identity.Claims.GetString("preferred_username"),
		Email:         identity.Claims.GetString("email"),
		EmailVerified: identity.Claims["email_verified"] == true,
		Active:        true,
		ExternalLogins: []user.ExternalLogin{{
			Provider: providerName,
			Subject:  identity.Subject,
		}},
	}
	if u.Username == "" {
		u.Username = identity.Claims.GetString("email")
	}
	return sc.Services.Users.CreateUser(ctx, u)
}

// randomToken generates an opaque state/nonce value.
func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
