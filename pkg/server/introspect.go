// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// handleIntrospect serves POST /connect/introspect (RFC 7662). Introspection
// requires client authentication; the response discloses nothing for tokens
// the server does not recognize.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}

	if _, oerr := s.clientAuth.Authenticate(r.Context(), tn.ID, r); oerr != nil {
		writeOAuthError(w, oerr)
		return
	}

	resp := s.introspector.Introspect(r.Context(), tn.ID, r.PostForm.Get("token"))
	writeJSON(w, http.StatusOK, resp)
}

// handleRevocation serves POST /connect/revocation (RFC 7009). Unknown
// tokens still yield 200.
func (s *Server) handleRevocation(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}

	if _, oerr := s.clientAuth.Authenticate(r.Context(), tn.ID, r); oerr != nil {
		writeOAuthError(w, oerr)
		return
	}

	if err := s.introspector.Revoke(r.Context(), tn.ID, r.PostForm.Get("token")); err != nil {
		logger.Errorw("token revocation failed", "tenant", tn.ID, "error", err)
		writeOAuthError(w, oauth.ErrServerError("revoking the token"))
		return
	}
	w.WriteHeader(http.StatusOK)
}
