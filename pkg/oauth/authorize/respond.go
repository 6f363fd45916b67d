// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"net/url"

	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// BuildCodeRedirect assembles the success redirect carrying code and state,
// via query parameters by default or the fragment when response_mode is
// fragment.
func BuildCodeRedirect(redirectURI, code, state, responseMode string) (string, error) {
	params := url.Values{}
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	return attachParams(redirectURI, params, responseMode)
}

// BuildErrorRedirect assembles an error redirect for a validated redirect
// URI. Callers must check Redirectable first.
func BuildErrorRedirect(e *Error) (string, error) {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return attachParams(e.RedirectURI, params, e.ResponseMode)
}

func attachParams(redirectURI string, params url.Values, responseMode string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	if responseMode == oauth.ResponseModeFragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode(), nil
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
