// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/telemetry"
	"github.com/gatekeyd/gatekey/pkg/tenant"
)

// handleJourneyShow re-renders the current UI-suspending step. Advancing
// with no input re-executes the step, which shows its view again.
func (s *Server) handleJourneyShow(w http.ResponseWriter, r *http.Request) {
	s.advanceJourney(w, r, nil)
}

// handleJourneySubmit advances the journey with the posted form.
func (s *Server) handleJourneySubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, oauth.ErrInvalidRequest("malformed form body"))
		return
	}
	input := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		input[key] = r.PostForm.Get(key)
	}
	s.advanceJourney(w, r, input)
}

// handleJourneyCallback resumes a journey suspended on an external IdP
// redirect; the provider's query parameters become step input.
func (s *Server) handleJourneyCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	input := make(map[string]string, len(query))
	for key := range query {
		input[key] = query.Get(key)
	}
	s.advanceJourney(w, r, input)
}

func (s *Server) advanceJourney(w http.ResponseWriter, r *http.Request, input map[string]string) {
	tn := tenant.MustFromContext(r.Context())
	journeyID := chi.URLParam(r, "journeyID")

	outcome, err := s.engine.Advance(r.Context(), tn.ID, journeyID, input)
	if err != nil {
		if errors.IsNotFound(err) {
			s.renderError(w, oauth.NewErrorWithStatus(oauth.ErrCodeInvalidRequest,
				"the journey is unknown or has expired", http.StatusNotFound))
			return
		}
		if errors.IsConflict(err) {
			s.renderError(w, oauth.NewErrorWithStatus(oauth.ErrCodeInvalidRequest,
				"the journey is no longer running", http.StatusConflict))
			return
		}
		logger.Errorw("advancing journey failed",
			"tenant", tn.ID,
			"journey_id", journeyID,
			"error", err,
		)
		s.renderError(w, oauth.ErrServerError("advancing the journey"))
		return
	}
	s.respondJourney(w, r, tn, outcome)
}

// respondJourney dispatches an engine outcome: render the step view, follow
// the external redirect, or close the loop back into the protocol flow.
func (s *Server) respondJourney(w http.ResponseWriter, r *http.Request, tn *tenant.Tenant, outcome *journey.Outcome) {
	switch outcome.Kind {
	case journey.OutcomeShowUI:
		s.renderJourney(w, outcome.JourneyID, outcome.View, outcome.Model)

	case journey.OutcomeRedirect:
		http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)

	case journey.OutcomeCompleted:
		telemetry.JourneysCompleted.WithLabelValues(tn.ID, "completed").Inc()
		result, err := s.flow.ResumeAuthentication(r.Context(), tn, outcome.CorrelationID, outcome.Result)
		if err != nil {
			logger.Errorw("resuming after journey failed",
				"tenant", tn.ID,
				"journey_id", outcome.JourneyID,
				"error", err,
			)
			s.renderError(w, oauth.ErrServerError("resuming the authorization request"))
			return
		}
		s.respondAuthorize(w, r, tn, result)

	case journey.OutcomeFailed:
		telemetry.JourneysCompleted.WithLabelValues(tn.ID, "failed").Inc()
		result, err := s.flow.FailAuthentication(r.Context(), tn, outcome.CorrelationID, outcome.FailureCode, outcome.FailureDescription)
		if err != nil {
			logger.Errorw("failing suspended request failed",
				"tenant", tn.ID,
				"journey_id", outcome.JourneyID,
				"error", err,
			)
			s.renderError(w, oauth.ErrServerError("completing the authorization request"))
			return
		}
		s.respondAuthorize(w, r, tn, result)

	default:
		s.renderError(w, oauth.ErrServerError("unexpected journey outcome"))
	}
}
