// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

//go:embed templates/*.html
var templateFS embed.FS

// views renders the server's built-in pages. Layout is deliberately plain;
// deployments front these with their own UI.
type views struct {
	t *template.Template
}

func loadViews() (*views, error) {
	t, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return &views{t: t}, nil
}

func (v *views) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := v.t.ExecuteTemplate(w, name, data); err != nil {
		logger.Errorw("rendering page failed", "template", name, "error", err)
	}
}

// renderError shows the server's own error page for errors that must not be
// redirected.
func (s *Server) renderError(w http.ResponseWriter, oerr *oauth.Error) {
	status := oerr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	s.views.render(w, status, "error.html", map[string]any{
		"Code":        oerr.Code,
		"Description": oerr.Description,
	})
}

// journeyPage is the model for the generic journey step page.
type journeyPage struct {
	View      string
	Action    string
	JourneyID string
	Model     map[string]any
}

func (s *Server) renderJourney(w http.ResponseWriter, journeyID, view string, model map[string]any) {
	if model == nil {
		model = map[string]any{}
	}
	// The template indexes these unconditionally.
	if _, ok := model["values"]; !ok {
		model["values"] = map[string]string{}
	}
	if _, ok := model["fieldErrors"]; !ok {
		model["fieldErrors"] = map[string]string{}
	}
	if _, ok := model["username"]; !ok {
		model["username"] = ""
	}
	if _, ok := model["inputs"]; !ok {
		model["inputs"] = map[string]string{}
	}
	if _, ok := model["phase"]; !ok {
		model["phase"] = ""
	}
	s.views.render(w, http.StatusOK, "journey.html", &journeyPage{
		View:      view,
		Action:    "/journey/" + journeyID,
		JourneyID: journeyID,
		Model:     model,
	})
}
