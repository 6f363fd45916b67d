// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// handleDeviceAuthorization serves POST /connect/deviceauthorization
// (RFC 8628 Section 3.2).
func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}

	client, oerr := s.clientAuth.Authenticate(r.Context(), tn.ID, r)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}

	scopes := oauth.ParseScopes(r.PostForm.Get("scope"))
	resp, oerr := s.device.Authorize(r.Context(), tn, client, scopes)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDevicePage serves GET /device, the user-facing verification page.
func (s *Server) handleDevicePage(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	_, err := s.sessions.Read(r, tn.ID)
	s.views.render(w, http.StatusOK, "device.html", map[string]any{
		"UserCode":      r.URL.Query().Get("user_code"),
		"Authenticated": err == nil,
	})
}

// handleDeviceSubmit records approval or denial for a user code. Without a
// session cookie the form carries credentials checked against the user
// service.
func (s *Server) handleDeviceSubmit(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}
	userCode := r.PostFormValue("user_code")
	action := r.PostFormValue("action")

	subjectID, sessionID, errMessage := s.deviceActor(w, r, tn)
	if errMessage != "" {
		s.views.render(w, http.StatusOK, "device.html", map[string]any{
			"UserCode":      userCode,
			"Authenticated": false,
			"Error":         errMessage,
		})
		return
	}

	var err error
	done := "The device has been connected. You may close this page."
	if action == "deny" {
		err = s.device.Deny(r.Context(), tn.ID, userCode)
		done = "The request has been denied. You may close this page."
	} else {
		err = s.device.Approve(r.Context(), tn.ID, userCode, subjectID, sessionID)
	}
	if err != nil {
		s.views.render(w, http.StatusOK, "device.html", map[string]any{
			"UserCode":      userCode,
			"Authenticated": true,
			"Error":         "The code is not valid or has expired.",
		})
		return
	}

	logger.Infow("device authorization decided",
		"tenant", tn.ID,
		"action", action,
		"subject", subjectID,
	)
	s.views.render(w, http.StatusOK, "device.html", map[string]any{"Done": done})
}

// deviceActor resolves who is deciding: the session cookie when present,
// otherwise the credentials on the form.
func (s *Server) deviceActor(_ http.ResponseWriter, r *http.Request, tn *tenant.Tenant) (subjectID, sessionID, errMessage string) {
	if sess, err := s.sessions.Read(r, tn.ID); err == nil {
		return sess.SubjectID, sess.SessionID, ""
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		return "", "", "Sign in to continue."
	}
	u, err := s.users.ValidateCredentials(r.Context(), tn.ID, username, password)
	if err != nil {
		return "", "", "Invalid username or password."
	}
	return u.SubjectID, "", ""
}
