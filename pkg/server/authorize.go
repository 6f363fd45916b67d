// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/oauth/authorize"
	"github.com/gatekeyd/gatekey/pkg/telemetry"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// handleAuthorize serves GET/POST /connect/authorize.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())

	result, err := s.flow.Authorize(r.Context(), tn, r)
	if err != nil {
		logger.Errorw("authorize flow failed", "tenant", tn.ID, "error", err)
		s.renderError(w, oauth.ErrServerError("processing the authorization request"))
		return
	}
	s.respondAuthorize(w, r, tn, result)
}

// respondAuthorize dispatches a flow result to the browser. Completed
// journeys re-enter here after ResumeAuthentication, so suspended kinds can
// follow each other (journey, then consent).
func (s *Server) respondAuthorize(w http.ResponseWriter, r *http.Request, tn *tenant.Tenant, result *authorize.Result) {
	switch result.Kind {
	case authorize.ResultRedirect:
		if result.Session != nil {
			if err := s.sessions.Issue(w, result.Session); err != nil {
				logger.Errorw("issuing session cookie failed", "tenant", tn.ID, "error", err)
			}
		}
		telemetry.AuthorizeRequests.WithLabelValues(tn.ID, "redirect").Inc()
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)

	case authorize.ResultErrorPage:
		telemetry.AuthorizeRequests.WithLabelValues(tn.ID, "error_page").Inc()
		s.renderError(w, result.Err)

	case authorize.ResultStartJourney:
		telemetry.AuthorizeRequests.WithLabelValues(tn.ID, "journey").Inc()
		outcome, err := s.engine.Start(r.Context(), tn.ID, result.Client.ID, result.CorrelationID, result.PolicyID)
		if err != nil {
			logger.Errorw("starting journey failed",
				"tenant", tn.ID,
				"policy_id", result.PolicyID,
				"error", err,
			)
			s.renderError(w, oauth.ErrServerError("starting the authentication journey"))
			return
		}
		s.respondJourney(w, r, tn, outcome)

	case authorize.ResultStandaloneLogin:
		telemetry.AuthorizeRequests.WithLabelValues(tn.ID, "standalone").Inc()
		if result.Session != nil {
			if err := s.sessions.Issue(w, result.Session); err != nil {
				logger.Errorw("issuing session cookie failed", "tenant", tn.ID, "error", err)
			}
		}
		s.renderLogin(w, result.CorrelationID, "", "")

	case authorize.ResultConsentPage:
		telemetry.AuthorizeRequests.WithLabelValues(tn.ID, "consent").Inc()
		if result.Session != nil {
			if err := s.sessions.Issue(w, result.Session); err != nil {
				logger.Errorw("issuing session cookie failed", "tenant", tn.ID, "error", err)
			}
		}
		s.renderConsent(w, result)

	default:
		s.renderError(w, oauth.ErrServerError("unexpected flow state"))
	}
}

func (s *Server) renderLogin(w http.ResponseWriter, correlationID, username, errorMessage string) {
	s.views.render(w, http.StatusOK, "login.html", map[string]any{
		"CorrelationID": correlationID,
		"Username":      username,
		"Error":         errorMessage,
	})
}

func (s *Server) renderConsent(w http.ResponseWriter, result *authorize.Result) {
	name := ""
	if result.Client != nil {
		name = result.Client.Name
		if name == "" {
			name = result.Client.ID
		}
	}
	s.views.render(w, http.StatusOK, "consent.html", map[string]any{
		"CorrelationID": result.CorrelationID,
		"ClientName":    name,
		"Scopes":        result.Scopes,
	})
}

// handleLoginPage re-renders the standalone login form (e.g. after a bounced
// browser back button).
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		s.renderError(w, oauth.ErrInvalidRequest("the login request is unknown"))
		return
	}
	s.renderLogin(w, correlationID, "", "")
}

// handleLoginSubmit serves the standalone login form: credentials are
// checked against the user service and the suspended request is resumed.
func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}

	correlationID := r.PostFormValue("correlation_id")
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if correlationID == "" {
		s.renderError(w, oauth.ErrInvalidRequest("the login request is unknown"))
		return
	}

	u, err := s.users.ValidateCredentials(r.Context(), tn.ID, username, password)
	if err != nil {
		// Generic failure text; account existence is never disclosed.
		s.renderLogin(w, correlationID, username, "Invalid username or password.")
		return
	}

	result, err := s.flow.ResumeAuthentication(r.Context(), tn, correlationID, &oauth.AuthenticationResult{
		SubjectID: u.SubjectID,
		AuthTime:  s.now(),
		AMR:       []string{"pwd"},
	})
	if err != nil {
		logger.Errorw("resuming after standalone login failed", "tenant", tn.ID, "error", err)
		s.renderError(w, oauth.ErrServerError("resuming the authorization request"))
		return
	}
	s.respondAuthorize(w, r, tn, result)
}

// handleConsentPage re-renders the consent form for a suspended request.
func (s *Server) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		s.renderError(w, oauth.ErrInvalidRequest("the consent request is unknown"))
		return
	}
	s.views.render(w, http.StatusOK, "consent.html", map[string]any{
		"CorrelationID": correlationID,
	})
}

// handleConsentSubmit completes a request suspended on the consent page.
func (s *Server) handleConsentSubmit(w http.ResponseWriter, r *http.Request) {
	tn := tenant.MustFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}

	correlationID := r.PostFormValue("correlation_id")
	if correlationID == "" {
		s.renderError(w, oauth.ErrInvalidRequest("the consent request is unknown"))
		return
	}

	sess, err := s.sessions.Read(r, tn.ID)
	if err != nil {
		sess = nil
	}
	approved := r.PostFormValue("action") == "allow"
	granted := r.PostForm["scope"]

	result, err := s.flow.CompleteConsent(r.Context(), tn, correlationID, sess, approved, granted)
	if err != nil {
		logger.Errorw("completing consent failed", "tenant", tn.ID, "error", err)
		s.renderError(w, oauth.ErrServerError("completing consent"))
		return
	}
	s.respondAuthorize(w, r, tn, result)
}
