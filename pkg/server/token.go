// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/oauth/dpop"
	"github.com/gatekeyd/gatekey/pkg/oauth/grants"
	"github.com/gatekeyd/gatekey/pkg/telemetry"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// handleToken serves POST /connect/token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}
	grantType := r.PostForm.Get("grant_type")

	client, oerr := s.clientAuth.Authenticate(r.Context(), tn.ID, r)
	if oerr != nil {
		telemetry.GrantFailures.WithLabelValues(tn.ID, grantType, oerr.Code).Inc()
		writeOAuthError(w, oerr)
		return
	}

	thumbprint, oerr := s.validateDPoP(w, r)
	if oerr != nil {
		telemetry.GrantFailures.WithLabelValues(tn.ID, grantType, oerr.Code).Inc()
		writeOAuthError(w, oerr)
		return
	}

	resp, oerr := s.grants.Handle(r.Context(), grantType, &grants.Request{
		TenantID:       tn.ID,
		Client:         client,
		Form:           r.PostForm,
		DPoPThumbprint: thumbprint,
	})
	if oerr != nil {
		telemetry.GrantFailures.WithLabelValues(tn.ID, grantType, oerr.Code).Inc()
		writeOAuthError(w, oerr)
		return
	}

	telemetry.TokensIssued.WithLabelValues(tn.ID, grantType).Inc()
	writeJSON(w, http.StatusOK, resp)
}

// validateDPoP checks the DPoP header when present. A proof failing only on
// the missing server nonce receives a fresh nonce in the response headers.
func (s *Server) validateDPoP(w http.ResponseWriter, r *http.Request) (string, *oauth.Error) {
	header := r.Header.Get("DPoP")
	if header == "" {
		return "", nil
	}

	proof, err := s.dpop.Validate(r.Context(), header, r.Method, requestURL(r))
	if err != nil {
		var oerr *oauth.Error
		if errors.As(err, &oerr) {
			if oerr.Code == oauth.ErrCodeUseDPoPNonce {
				if nonce, nerr := s.dpop.IssueNonce(r.Context()); nerr == nil {
					w.Header().Set(dpop.NonceHeaderName, nonce)
				}
			}
			return "", oerr
		}
		return "", oauth.NewError(oauth.ErrCodeInvalidDPoPProof, "invalid DPoP proof")
	}
	return proof.Thumbprint, nil
}

// requestURL reconstructs the absolute URL the client signed in its proof.
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Host = r.Host
	if u.Scheme == "" {
		u.Scheme = "https"
		if r.TLS == nil {
			u.Scheme = "http"
		}
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		u.Scheme = proto
	}
	return &u
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("encoding response failed", "error", err)
	}
}

func writeOAuthError(w http.ResponseWriter, oerr *oauth.Error) {
	oerr.WriteJSON(w)
}
