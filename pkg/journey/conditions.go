// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package journey

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// ConditionScope is what conditions are resolved against.
type ConditionScope struct {
	// Data is the journey data map (sources claim and data).
	Data oauth.Claims

	// Input is the last form submission.
	Input map[string]string

	// Config is the evaluating step's config map.
	Config map[string]any

	// User is the authenticated user's claims, when identity is established.
	User oauth.Claims
}

// celEnv is built once; the variable set never changes.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("input", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("building CEL environment: %v", err))
	}
	return env
}()

// EvaluateConditions combines the conditions with the given match mode
// ("all" by default, or "any"). An empty condition list is true.
func EvaluateConditions(conds []Condition, match string, scope *ConditionScope) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	anyOf := match == "any"
	for i := range conds {
		ok, err := EvaluateCondition(&conds[i], scope)
		if err != nil {
			return false, err
		}
		if anyOf && ok {
			return true, nil
		}
		if !anyOf && !ok {
			return false, nil
		}
	}
	return !anyOf, nil
}

// EvaluateCondition evaluates one condition against the scope.
func EvaluateCondition(c *Condition, scope *ConditionScope) (bool, error) {
	if c.Source == "expression" {
		return evalExpression(c.Expression, scope)
	}

	value, present := resolveSource(c, scope)
	switch c.Operator {
	case "exists":
		return present && value != nil && fmt.Sprint(value) != "", nil
	case "eq":
		return present && equalValues(value, c.Value), nil
	case "ne":
		return !present || !equalValues(value, c.Value), nil
	case "contains":
		return present && strings.Contains(toString(value), toString(c.Value)), nil
	case "startswith":
		return present && strings.HasPrefix(toString(value), toString(c.Value)), nil
	case "endswith":
		return present && strings.HasSuffix(toString(value), toString(c.Value)), nil
	case "regex":
		if !present {
			return false, nil
		}
		re, err := regexp.Compile(toString(c.Value))
		if err != nil {
			return false, errors.NewInvalidArgumentError("invalid condition regex", err)
		}
		return re.MatchString(toString(value)), nil
	case "gt", "gte", "lt", "lte":
		if !present {
			return false, nil
		}
		return compareNumeric(c.Operator, value, c.Value)
	case "in":
		if !present {
			return false, nil
		}
		options, ok := c.Value.([]any)
		if !ok {
			return false, errors.NewInvalidArgumentError("condition operator in needs an array value", nil)
		}
		for _, opt := range options {
			if equalValues(value, opt) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, errors.NewInvalidArgumentError(
			fmt.Sprintf("unknown condition operator %q", c.Operator), nil)
	}
}

// resolveSource reads the condition's key from its source.
func resolveSource(c *Condition, scope *ConditionScope) (any, bool) {
	switch c.Source {
	case "claim", "data":
		if scope.Data == nil {
			return nil, false
		}
		v, ok := scope.Data[c.Key]
		return v, ok
	case "input":
		v, ok := scope.Input[c.Key]
		return v, ok
	case "config":
		v, ok := scope.Config[c.Key]
		return v, ok
	case "user":
		if scope.User == nil {
			return nil, false
		}
		v, ok := scope.User[c.Key]
		return v, ok
	default:
		return nil, false
	}
}

func evalExpression(expr string, scope *ConditionScope) (bool, error) {
	ast, iss := celEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return false, errors.NewInvalidArgumentError("compiling condition expression", iss.Err())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return false, errors.NewInvalidArgumentError("building condition expression", err)
	}

	input := scope.Input
	if input == nil {
		input = map[string]string{}
	}
	out, _, err := prg.Eval(map[string]any{
		"data":  map[string]any(scope.Data),
		"input": input,
		"user":  map[string]any(scope.User),
	})
	if err != nil {
		return false, errors.NewInvalidArgumentError("evaluating condition expression", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, errors.NewInvalidArgumentError("condition expression did not yield a boolean", nil)
	}
	return result, nil
}

// equalValues compares scalars through their string form so that JSON
// float64s compare equal to ints and stringified numbers.
func equalValues(a, b any) bool {
	return toString(a) == toString(b)
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumeric(op string, a, b any) (bool, error) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return false, nil
	}
	switch op {
	case "gt":
		return fa > fb, nil
	case "gte":
		return fa >= fb, nil
	case "lt":
		return fa < fb, nil
	default:
		return fa <= fb, nil
	}
}
