// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/pquerna/otp/totp"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// Journey-data keys used by challenge-code steps. The leading underscore
// marks them as engine-internal: they are never mapped into token claims.
const (
	dataMFACode     = "_mfa_code"
	dataResetPhase  = "_reset_phase"
	dataResetCode   = "_reset_code"
	dataResetUser   = "_reset_user"
	dataPwlessCode  = "_pwless_code"
	dataPwlessUser  = "_pwless_user"
	dataExtIDPState = "_extidp_state"
	dataExtIDPNonce = "_extidp_nonce"
)

// mfaHandler challenges a second factor: totp (default), email, or sms per
// the step's "method" config.
type mfaHandler struct{}

var _ journey.StepHandler = (*mfaHandler)(nil)

func (h *mfaHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	if sc.UserID() == "" {
		return journey.Fail(oauth.ErrCodeAccessDenied, "no user to challenge"), nil
	}
	u, err := sc.Services.Users.GetUser(ctx, sc.TenantID, sc.UserID())
	if err != nil {
		return nil, err
	}

	method := sc.Step.ConfigString("method")
	if method == "" {
		method = "totp"
	}

	code := sc.Input["otp"]
	if code == "" {
		return h.challenge(ctx, sc, method, u)
	}

	switch method {
	case "totp":
		if u.TOTPSecret == "" || !totp.Validate(code, u.TOTPSecret) {
			return journey.ShowUI("mfa", mfaModel(method, "The code is not valid.")), nil
		}
	case "email", "sms":
		if code != sc.Data.GetString(dataMFACode) {
			return journey.ShowUI("mfa", mfaModel(method, "The code is not valid.")), nil
		}
	default:
		return journey.Fail(oauth.ErrCodeServerError, "unknown mfa method"), nil
	}

	sc.AddAuthMethod("otp")
	delete(sc.Data, dataMFACode)
	return journey.Success(nil), nil
}

// challenge issues the factor challenge and suspends on the code form.
func (h *mfaHandler) challenge(ctx context.Context, sc *journey.StepContext, method string, u *user.User) (*journey.StepResult, error) {
	switch method {
	case "totp":
		if u.TOTPSecret == "" {
			// Not enrolled; an optional step skips, a required one fails.
			if sc.Step.Optional {
				return journey.Skip(), nil
			}
			return journey.Fail(oauth.ErrCodeAccessDenied, "no authenticator enrolled"), nil
		}
		return journey.ShowUI("mfa", mfaModel(method, "")), nil

	case "email":
		if sc.Services.Email == nil || u.Email == "" {
			return journey.Fail(oauth.ErrCodeServerError, "email challenges are not available"), nil
		}
		code := numericCode(6)
		if err := sc.Services.Email.SendEmail(ctx, u.Email, "Your verification code",
			fmt.Sprintf("Your verification code is %s", code)); err != nil {
			return nil, err
		}
		res := journey.ShowUI("mfa", mfaModel(method, ""))
		sc.Data[dataMFACode] = code
		return res, nil

	case "sms":
		if sc.Services.SMS == nil || u.Phone == "" {
			return journey.Fail(oauth.ErrCodeServerError, "sms challenges are not available"), nil
		}
		code := numericCode(6)
		if err := sc.Services.SMS.SendSMS(ctx, u.Phone,
			fmt.Sprintf("Your verification code is %s", code)); err != nil {
			return nil, err
		}
		res := journey.ShowUI("mfa", mfaModel(method, ""))
		sc.Data[dataMFACode] = code
		return res, nil

	default:
		return journey.Fail(oauth.ErrCodeServerError, "unknown mfa method"), nil
	}
}

func mfaModel(method, errorMessage string) map[string]any {
	model := map[string]any{"method": method}
	if errorMessage != "" {
		model["error"] = errorMessage
	}
	return model
}

// numericCode generates an n-digit challenge code.
func numericCode(n int) string {
	code := make([]byte, n)
	for i := range code {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			panic(err)
		}
		code[i] = byte('0' + v.Int64())
	}
	return string(code)
}
