// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"time"

	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/storage"
)

// defaultConsentLifetime matches the authorize flow's remembered-consent
// window.
const defaultConsentLifetime = 365 * 24 * time.Hour

// consentHandler renders the consent page and persists the grant.
type consentHandler struct{}

var _ journey.StepHandler = (*consentHandler)(nil)

func (*consentHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	if sc.UserID() == "" {
		return journey.Fail(oauth.ErrCodeAccessDenied, "no user to ask for consent"), nil
	}

	scopes := sc.Step.ConfigStrings("scopes")
	if len(scopes) == 0 {
		scopes = sc.Data.GetStrings("requested_scopes")
	}

	decision := sc.Input["consent"]
	if decision == "" {
		return journey.ShowUI("consent", map[string]any{
			"client_id": sc.ClientID,
			"scopes":    scopes,
		}), nil
	}
	if decision != "approve" {
		return journey.Fail(oauth.ErrCodeAccessDenied, "the user denied the request"), nil
	}

	now := sc.Now()
	record := &storage.ConsentRecord{
		TenantID:  sc.TenantID,
		SubjectID: sc.UserID(),
		ClientID:  sc.ClientID,
		Scopes:    scopes,
		GrantedAt: now,
		ExpiresAt: now.Add(defaultConsentLifetime),
	}
	if err := sc.Services.Store.PutConsent(ctx, record); err != nil {
		return nil, err
	}

	sc.Raise(ctx, events.TypeConsentGranted, map[string]any{
		"subject_id": sc.UserID(),
		"scopes":     scopes,
	})
	return journey.Success(nil), nil
}
