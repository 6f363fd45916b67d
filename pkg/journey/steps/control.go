// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// conditionHandler evaluates a condition set and jumps to the onTrue or
// onFalse target. A missing target advances normally.
type conditionHandler struct{}

var _ journey.StepHandler = (*conditionHandler)(nil)

func (*conditionHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	var conds []journey.Condition
	if err := remarshal(sc.Step.ConfigSlice("conditions"), &conds); err != nil {
		return nil, fmt.Errorf("condition step %q: %w", sc.Step.ID, err)
	}

	ok, err := journey.EvaluateConditions(conds, sc.Step.ConfigString("match"), sc.ConditionScope(ctx))
	if err != nil {
		return nil, err
	}

	target := sc.Step.ConfigString("onFalse")
	if ok {
		target = sc.Step.ConfigString("onTrue")
	}
	if target == "" {
		return journey.Success(nil), nil
	}
	return journey.BranchTo(target, nil), nil
}

// branchCase is one arm of a branch step.
type branchCase struct {
	Conditions []journey.Condition `json:"conditions,omitempty"`
	Match      string              `json:"match,omitempty"`
	Target     string              `json:"target"`
}

// branchHandler jumps to the first case whose conditions hold. A case with
// no conditions always matches, so it serves as the default arm.
type branchHandler struct{}

var _ journey.StepHandler = (*branchHandler)(nil)

func (*branchHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	var cases []branchCase
	if err := remarshal(sc.Step.ConfigSlice("cases"), &cases); err != nil {
		return nil, fmt.Errorf("branch step %q: %w", sc.Step.ID, err)
	}

	scope := sc.ConditionScope(ctx)
	for _, c := range cases {
		ok, err := journey.EvaluateConditions(c.Conditions, c.Match, scope)
		if err != nil {
			return nil, err
		}
		if ok {
			return journey.BranchTo(c.Target, nil), nil
		}
	}
	return journey.Success(nil), nil
}

// transformOp is one journey-data transformation.
type transformOp struct {
	// Op is one of copy, upper, lower, hash, split, join, regex, template.
	Op string `json:"op"`

	// From names the source data key; To the destination. Template ops use
	// Template instead of From.
	From string `json:"from,omitempty"`
	To   string `json:"to"`

	// Separator serves split and join.
	Separator string `json:"separator,omitempty"`

	// Pattern and Replacement serve regex ops.
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`

	// Template interpolates {{key}} placeholders from journey data.
	Template string `json:"template,omitempty"`
}

// transformHandler rewrites journey data through a declarative op list.
type transformHandler struct{}

var _ journey.StepHandler = (*transformHandler)(nil)

var templatePlaceholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

func (*transformHandler) Execute(_ context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	var ops []transformOp
	if err := remarshal(sc.Step.ConfigSlice("operations"), &ops); err != nil {
		return nil, fmt.Errorf("transform step %q: %w", sc.Step.ID, err)
	}

	output := oauth.Claims{}
	// Later ops see earlier outputs.
	lookup := func(key string) (any, bool) {
		if v, ok := output[key]; ok {
			return v, true
		}
		v, ok := sc.Data[key]
		return v, ok
	}

	for i, op := range ops {
		if op.To == "" {
			return nil, fmt.Errorf("transform step %q: operation %d has no destination", sc.Step.ID, i)
		}
		value, err := applyTransform(op, lookup)
		if err != nil {
			return nil, fmt.Errorf("transform step %q: operation %d: %w", sc.Step.ID, i, err)
		}
		output[op.To] = value
	}
	return journey.Success(output), nil
}

func applyTransform(op transformOp, lookup func(string) (any, bool)) (any, error) {
	source := func() string {
		v, _ := lookup(op.From)
		if v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}

	switch op.Op {
	case "copy":
		v, _ := lookup(op.From)
		return v, nil
	case "upper":
		return strings.ToUpper(source()), nil
	case "lower":
		return strings.ToLower(source()), nil
	case "hash":
		sum := sha256.Sum256([]byte(source()))
		return hex.EncodeToString(sum[:]), nil
	case "split":
		sep := op.Separator
		if sep == "" {
			sep = ","
		}
		parts := strings.Split(source(), sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	case "join":
		v, _ := lookup(op.From)
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("join source %q is not a list", op.From)
		}
		sep := op.Separator
		if sep == "" {
			sep = ","
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep), nil
	case "regex":
		re, err := regexp.Compile(op.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern: %w", err)
		}
		return re.ReplaceAllString(source(), op.Replacement), nil
	case "template":
		return templatePlaceholder.ReplaceAllStringFunc(op.Template, func(m string) string {
			key := templatePlaceholder.FindStringSubmatch(m)[1]
			v, ok := lookup(key)
			if !ok || v == nil {
				return ""
			}
			return fmt.Sprint(v)
		}), nil
	default:
		return nil, fmt.Errorf("unknown transform op %q", op.Op)
	}
}
