// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// passwordless channels.
const (
	channelEmail = "email"
	channelSMS   = "sms"
)

// passwordlessHandler signs a user in with a one-time code sent over email
// or SMS. Two phases: identify (ask for the address, send the code) and
// verify (check the submitted code).
type passwordlessHandler struct {
	channel string
}

var _ journey.StepHandler = (*passwordlessHandler)(nil)

func (h *passwordlessHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	if code := sc.Input["otp"]; code != "" {
		return h.verify(ctx, sc, code)
	}
	if identifier := sc.Input["identifier"]; identifier != "" {
		return h.send(ctx, sc, identifier)
	}
	return journey.ShowUI("passwordless", h.model("", "")), nil
}

// send resolves the account and delivers the code. An unknown identifier
// still shows the code form so the response does not disclose account
// existence.
func (h *passwordlessHandler) send(ctx context.Context, sc *journey.StepContext, identifier string) (*journey.StepResult, error) {
	u, err := sc.Services.Users.GetUserByUsername(ctx, sc.TenantID, identifier)
	if err != nil {
		if errors.IsNotFound(err) {
			return journey.ShowUI("passwordless", h.model(identifier, "")), nil
		}
		return nil, err
	}

	code := numericCode(6)
	switch h.channel {
	case channelEmail:
		if sc.Services.Email == nil || u.Email == "" {
			return journey.Fail(oauth.ErrCodeServerError, "email sign-in is not available"), nil
		}
		if err := sc.Services.Email.SendEmail(ctx, u.Email, "Your sign-in code",
			fmt.Sprintf("Your sign-in code is %s", code)); err != nil {
			return nil, err
		}
	case channelSMS:
		if sc.Services.SMS == nil || u.Phone == "" {
			return journey.Fail(oauth.ErrCodeServerError, "sms sign-in is not available"), nil
		}
		if err := sc.Services.SMS.SendSMS(ctx, u.Phone,
			fmt.Sprintf("Your sign-in code is %s", code)); err != nil {
			return nil, err
		}
	default:
		return journey.Fail(oauth.ErrCodeServerError, "unknown passwordless channel"), nil
	}

	res := journey.ShowUI("passwordless", h.model(identifier, ""))
	sc.Data[dataPwlessCode] = code
	sc.Data[dataPwlessUser] = u.SubjectID
	return res, nil
}

func (h *passwordlessHandler) verify(ctx context.Context, sc *journey.StepContext, code string) (*journey.StepResult, error) {
	want := sc.Data.GetString(dataPwlessCode)
	subjectID := sc.Data.GetString(dataPwlessUser)
	if want == "" || subjectID == "" || code != want {
		sc.Raise(ctx, events.TypeUserSignInFailed, map[string]any{"channel": h.channel})
		return journey.ShowUI("passwordless", h.model(sc.Input["identifier"], "The code is not valid.")), nil
	}

	u, err := sc.Services.Users.GetUser(ctx, sc.TenantID, subjectID)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return journey.Fail(oauth.ErrCodeAccessDenied, "the account is not active"), nil
	}

	delete(sc.Data, dataPwlessCode)
	delete(sc.Data, dataPwlessUser)
	method := "otp"
	if h.channel == channelSMS {
		method = "sms"
	}
	sc.SetAuthenticated(u.SubjectID, method)
	sc.Raise(ctx, events.TypeUserSignedIn, map[string]any{"subject_id": u.SubjectID})
	return journey.Success(oauth.Claims{"sub": u.SubjectID}), nil
}

func (h *passwordlessHandler) model(identifier, errorMessage string) map[string]any {
	model := map[string]any{"channel": h.channel}
	if identifier != "" {
		model["identifier"] = identifier
		model["codeSent"] = true
	}
	if errorMessage != "" {
		model["error"] = errorMessage
	}
	return model
}
