// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// handlePAR serves POST /connect/par (RFC 9126).
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
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

	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}
	// Credentials are not request parameters.
	delete(params, "client_secret")
	delete(params, "client_assertion")
	delete(params, "client_assertion_type")

	resp, oerr := s.flow.PushAuthorizationRequest(r.Context(), tn, client, params)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}
