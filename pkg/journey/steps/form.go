// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// formField is one declared field of a dynamic form.
type formField struct {
	Name         string   `json:"name"`
	Label        string   `json:"label,omitempty"`
	Type         string   `json:"type,omitempty"`
	Required     bool     `json:"required,omitempty"`
	Pattern      string   `json:"pattern,omitempty"`
	PatternError string   `json:"patternError,omitempty"`
	MinLength    int      `json:"minLength,omitempty"`
	MaxLength    int      `json:"maxLength,omitempty"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	Rows         int      `json:"rows,omitempty"`
	Options      []string `json:"options,omitempty"`

	// ClaimType names the claim the value is stored under; the field name
	// is used when empty.
	ClaimType string `json:"claimType,omitempty"`

	// ShowWhen hides the field unless another field satisfies an operator:
	// {"field": "...", "operator": "equals|notEmpty|empty", "value": "..."}.
	// The operator defaults to equals against "value" (or the legacy
	// "equals" key).
	ShowWhen map[string]any `json:"showWhen,omitempty"`
}

// dynamicFormHandler renders a declarative form, validates the submission,
// and stores each field into journey data. claims_collection shares the
// handler.
type dynamicFormHandler struct{}

var _ journey.StepHandler = (*dynamicFormHandler)(nil)

var phonePattern = regexp.MustCompile(`^\+?[0-9 ()-]{5,20}$`)

func (h *dynamicFormHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	fields, err := parseFields(sc.Step.ConfigSlice("fields"))
	if err != nil {
		return nil, err
	}
	if len(sc.Input) == 0 {
		return h.render(sc, fields, nil, ""), nil
	}

	visible := visibleFields(fields, sc.Input)
	fieldErrors := map[string]string{}
	for _, f := range visible {
		if msg := validateField(f, sc.Input[f.Name]); msg != "" {
			fieldErrors[f.Name] = msg
		}
	}
	if len(fieldErrors) > 0 {
		return h.render(sc, fields, fieldErrors, ""), nil
	}

	// The pre-completion validator sees the validated values and may still
	// reject the submission as a whole.
	if name := sc.Step.ConfigString("validator"); name != "" {
		validator := sc.Services.Validators[name]
		if validator == nil {
			return nil, fmt.Errorf("form validator %q is not registered", name)
		}
		values := make(map[string]string, len(visible))
		for _, f := range visible {
			values[f.Name] = sc.Input[f.Name]
		}
		if err := validator(ctx, sc.TenantID, values); err != nil {
			return h.render(sc, fields, nil, err.Error()), nil
		}
	}

	output := oauth.Claims{}
	for _, f := range visible {
		value := sc.Input[f.Name]
		if value == "" {
			continue
		}
		claim := f.ClaimType
		if claim == "" {
			claim = f.Name
		}
		output[claim] = value
	}
	return journey.Success(output), nil
}

func (*dynamicFormHandler) render(sc *journey.StepContext, fields []formField, fieldErrors map[string]string, formError string) *journey.StepResult {
	model := map[string]any{
		"title":  sc.Step.ConfigString("title"),
		"fields": fields,
	}
	if len(fieldErrors) > 0 {
		model["fieldErrors"] = fieldErrors
	}
	if formError != "" {
		model["error"] = formError
	}
	if len(sc.Input) > 0 {
		model["values"] = sc.Input
	}
	return journey.ShowUI("form", model)
}

// parseFields decodes the step's fields config through its JSON shape.
func parseFields(raw []any) ([]formField, error) {
	fields := make([]formField, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("form field %d is not an object", i)
		}
		var f formField
		if err := remarshal(m, &f); err != nil {
			return nil, fmt.Errorf("form field %d: %w", i, err)
		}
		if f.Name == "" {
			return nil, fmt.Errorf("form field %d has no name", i)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// visibleFields applies showWhen conditions against the submitted values.
// A field revealed by its condition must be filled once visible.
func visibleFields(fields []formField, input map[string]string) []formField {
	visible := make([]formField, 0, len(fields))
	for _, f := range fields {
		if len(f.ShowWhen) > 0 {
			if !showWhenHolds(f.ShowWhen, input) {
				continue
			}
			f.Required = true
		}
		visible = append(visible, f)
	}
	return visible
}

func showWhenHolds(cond map[string]any, input map[string]string) bool {
	dep, _ := cond["field"].(string)
	if dep == "" {
		return false
	}
	op, _ := cond["operator"].(string)
	switch op {
	case "notEmpty":
		return input[dep] != ""
	case "empty":
		return input[dep] == ""
	default:
		want, ok := cond["value"]
		if !ok {
			want = cond["equals"]
		}
		return input[dep] == fmt.Sprint(want)
	}
}

// validateField returns a user-facing message, or "" when the value passes.
func validateField(f formField, value string) string {
	if value == "" {
		if f.Required {
			return "This field is required."
		}
		return ""
	}
	if n := utf8.RuneCountInString(value); f.MinLength > 0 && n < f.MinLength {
		return fmt.Sprintf("Must be at least %d characters.", f.MinLength)
	} else if f.MaxLength > 0 && n > f.MaxLength {
		return fmt.Sprintf("Must be at most %d characters.", f.MaxLength)
	}

	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil || !re.MatchString(value) {
			if f.PatternError != "" {
				return f.PatternError
			}
			return "The value has an invalid format."
		}
	}

	switch f.Type {
	case "email":
		if _, err := mail.ParseAddress(value); err != nil {
			return "Enter a valid email address."
		}
	case "tel":
		if !phonePattern.MatchString(value) {
			return "Enter a valid phone number."
		}
	case "url":
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "Enter a valid URL."
		}
	case "number":
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "Enter a number."
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("Must be at least %v.", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("Must be at most %v.", *f.Max)
		}
	}

	if len(f.Options) > 0 {
		found := false
		for _, opt := range f.Options {
			if value == opt {
				found = true
				break
			}
		}
		if !found {
			return "Choose one of the offered options."
		}
	}
	return ""
}
