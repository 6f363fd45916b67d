// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/tenant"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// sessionRevocationTTL bounds how long a signed-out session id stays on the
// revocation list; access tokens minted against it are shorter-lived.
const sessionRevocationTTL = 24 * time.Hour

// handleEndSession serves GET /connect/endsession. The post-logout redirect
// is honored only when it matches the client identified by id_token_hint or
// client_id.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	query := r.URL.Query()

	clientID := query.Get("client_id")
	if hint := query.Get("id_token_hint"); hint != "" {
		if claims, err := s.tokens.Verify(r.Context(), tn.ID, hint); err == nil {
			if aud := claims.GetString("aud"); aud != "" {
				clientID = aud
			}
		}
	}

	if sess, err := s.sessions.Read(r, tn.ID); err == nil && sess.SessionID != "" {
		if err := s.store.RevokeSessionID(r.Context(), sess.SessionID, sessionRevocationTTL); err != nil {
			logger.Warnw("revoking session failed", "tenant", tn.ID, "error", err)
		}
	}
	s.sessions.Clear(w)

	if target := query.Get("post_logout_redirect_uri"); target != "" && clientID != "" {
		client, err := s.clients.GetClient(r.Context(), tn.ID, clientID)
		if err == nil && client.PostLogoutRedirectURIAllowed(target) {
			if state := query.Get("state"); state != "" {
				sep := "?"
				if strings.Contains(target, "?") {
					sep = "&"
				}
				target += sep + "state=" + state
			}
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}
	s.views.render(w, http.StatusOK, "loggedout.html", nil)
}

// handleUserinfo serves GET /connect/userinfo. The access token must carry
// the openid scope; DPoP-bound tokens require a matching proof.
func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())

	raw, scheme := bearerToken(r)
	if raw == "" {
		unauthorized(w, "missing access token")
		return
	}

	claims, err := s.tokens.Verify(r.Context(), tn.ID, raw)
	if err != nil {
		unauthorized(w, "the access token is invalid")
		return
	}
	if sid := claims.GetString("sid"); sid != "" {
		if revoked, err := s.store.IsSessionRevoked(r.Context(), sid); err != nil || revoked {
			unauthorized(w, "the access token has been revoked")
			return
		}
	}

	scopes := oauth.ParseScopes(claims.GetString("scope"))
	if !oauth.ScopesContain(scopes, oauth.ScopeOpenID) {
		unauthorized(w, "the access token does not carry the openid scope")
		return
	}

	// cnf.jkt binding: a bound token must arrive with a proof over this
	// request whose key matches the thumbprint.
	if cnf, ok := claims["cnf"].(map[string]any); ok {
		jkt, _ := cnf["jkt"].(string)
		if jkt != "" {
			if scheme != "dpop" {
				unauthorized(w, "the access token is DPoP-bound")
				return
			}
			proof, err := s.dpop.Validate(r.Context(), r.Header.Get("DPoP"), r.Method, requestURL(r))
			if err != nil || proof.Thumbprint != jkt {
				unauthorized(w, "the DPoP proof does not match the token binding")
				return
			}
		}
	}

	sub := claims.GetString("sub")
	u, err := s.users.GetUser(r.Context(), tn.ID, sub)
	if err != nil || !u.Active {
		unauthorized(w, "the user is unknown or disabled")
		return
	}

	info := user.ClaimsForScopes(u, scopes)
	info["sub"] = sub
	writeJSON(w, http.StatusOK, info)
}

// bearerToken extracts the access token from the Authorization header,
// accepting both Bearer and DPoP schemes.
func bearerToken(r *http.Request) (token, scheme string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	switch strings.ToLower(parts[0]) {
	case "bearer":
		return strings.TrimSpace(parts[1]), "bearer"
	case "dpop":
		return strings.TrimSpace(parts[1]), "dpop"
	default:
		return "", ""
	}
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+description+`"`)
	oauth.NewErrorWithStatus("invalid_token", description, http.StatusUnauthorized).WriteJSON(w)
}
