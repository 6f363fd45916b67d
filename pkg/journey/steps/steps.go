// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package steps provides the built-in journey step handlers: logins, MFA,
// consent, dynamic forms, control flow, outbound calls, and plugins.
package steps

import (
	"github.com/gatekeyd/gatekey/pkg/journey"
)

// NewRegistry returns a step registry with every built-in handler bound.
func NewRegistry() *journey.Registry {
	r := journey.NewStepRegistry()

	login := &localLoginHandler{}
	r.Register(journey.StepLocalLogin, login)
	r.Register(journey.StepCompositeLogin, login)

	r.Register(journey.StepExternalIDP, newExternalIDPHandler())
	r.Register(journey.StepMFA, &mfaHandler{})
	r.Register(journey.StepConsent, &consentHandler{})

	form := &dynamicFormHandler{}
	r.Register(journey.StepClaimsCollection, form)
	r.Register(journey.StepDynamicForm, form)

	r.Register(journey.StepTermsAcceptance, &termsHandler{})
	r.Register(journey.StepPasswordReset, &passwordResetHandler{})
	r.Register(journey.StepCreateUser, &createUserHandler{})
	r.Register(journey.StepUpdateUser, &updateUserHandler{})
	r.Register(journey.StepLinkAccount, &linkAccountHandler{})
	r.Register(journey.StepCondition, &conditionHandler{})
	r.Register(journey.StepBranch, &branchHandler{})
	r.Register(journey.StepTransform, &transformHandler{})
	r.Register(journey.StepAPICall, newAPICallHandler())
	r.Register(journey.StepWebhook, &webhookStepHandler{})
	r.Register(journey.StepCustomPlugin, &pluginHandler{})
	r.Register(journey.StepFIDO2Login, &fido2LoginHandler{})
	r.Register(journey.StepFIDO2Register, &fido2RegisterHandler{})
	r.Register(journey.StepPasswordlessEmail, &passwordlessHandler{channel: channelEmail})
	r.Register(journey.StepPasswordlessSMS, &passwordlessHandler{channel: channelSMS})
	r.Register(journey.StepCaptcha, &captchaHandler{})

	return r
}
