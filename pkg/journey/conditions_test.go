// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package journey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

func conditionScope() *journey.ConditionScope {
	return &journey.ConditionScope{
		Data:  oauth.Claims{"login_hint": "alice", "risk_score": 42.0, "amr": "pwd otp"},
		Input: map[string]string{"otp": "123456"},
		User:  oauth.Claims{"email_verified": true, "roles": []string{"admin"}},
	}
}

func TestEvaluateCondition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cond journey.Condition
		want bool
	}{
		{
			name: "eq on data",
			cond: journey.Condition{Source: "data", Key: "login_hint", Operator: "eq", Value: "alice"},
			want: true,
		},
		{
			name: "eq compares numbers through strings",
			cond: journey.Condition{Source: "data", Key: "risk_score", Operator: "eq", Value: 42},
			want: true,
		},
		{
			name: "ne on absent key",
			cond: journey.Condition{Source: "data", Key: "absent", Operator: "ne", Value: "x"},
			want: true,
		},
		{
			name: "exists on input",
			cond: journey.Condition{Source: "input", Key: "otp", Operator: "exists"},
			want: true,
		},
		{
			name: "exists on absent input",
			cond: journey.Condition{Source: "input", Key: "captcha", Operator: "exists"},
			want: false,
		},
		{
			name: "contains",
			cond: journey.Condition{Source: "data", Key: "amr", Operator: "contains", Value: "otp"},
			want: true,
		},
		{
			name: "startswith",
			cond: journey.Condition{Source: "data", Key: "login_hint", Operator: "startswith", Value: "al"},
			want: true,
		},
		{
			name: "regex",
			cond: journey.Condition{Source: "input", Key: "otp", Operator: "regex", Value: `^\d{6}$`},
			want: true,
		},
		{
			name: "gt",
			cond: journey.Condition{Source: "data", Key: "risk_score", Operator: "gt", Value: 40},
			want: true,
		},
		{
			name: "lte fails",
			cond: journey.Condition{Source: "data", Key: "risk_score", Operator: "lte", Value: 40},
			want: false,
		},
		{
			name: "in",
			cond: journey.Condition{Source: "data", Key: "login_hint", Operator: "in", Value: []any{"bob", "alice"}},
			want: true,
		},
		{
			name: "user claim",
			cond: journey.Condition{Source: "user", Key: "email_verified", Operator: "eq", Value: true},
			want: true,
		},
		{
			name: "expression over data and input",
			cond: journey.Condition{Source: "expression", Expression: `data.login_hint == "alice" && input.otp != ""`},
			want: true,
		},
		{
			name: "expression false",
			cond: journey.Condition{Source: "expression", Expression: `data.risk_score > 100.0`},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := journey.EvaluateCondition(&tt.cond, conditionScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cond journey.Condition
	}{
		{
			name: "unknown operator",
			cond: journey.Condition{Source: "data", Key: "login_hint", Operator: "like", Value: "a%"},
		},
		{
			name: "bad regex",
			cond: journey.Condition{Source: "data", Key: "login_hint", Operator: "regex", Value: "("},
		},
		{
			name: "in needs an array",
			cond: journey.Condition{Source: "data", Key: "login_hint", Operator: "in", Value: "alice"},
		},
		{
			name: "expression does not compile",
			cond: journey.Condition{Source: "expression", Expression: `data.login_hint ==`},
		},
		{
			name: "expression yields a non-boolean",
			cond: journey.Condition{Source: "expression", Expression: `data.login_hint`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := journey.EvaluateCondition(&tt.cond, conditionScope())
			require.Error(t, err)
		})
	}
}

func TestEvaluateConditionsMatchModes(t *testing.T) {
	t.Parallel()

	hit := journey.Condition{Source: "data", Key: "login_hint", Operator: "eq", Value: "alice"}
	miss := journey.Condition{Source: "data", Key: "login_hint", Operator: "eq", Value: "bob"}

	ok, err := journey.EvaluateConditions(nil, "", conditionScope())
	require.NoError(t, err)
	assert.True(t, ok, "an empty condition list gates nothing")

	ok, err = journey.EvaluateConditions([]journey.Condition{hit, miss}, "", conditionScope())
	require.NoError(t, err)
	assert.False(t, ok, "the default mode requires all conditions")

	ok, err = journey.EvaluateConditions([]journey.Condition{hit, miss}, "any", conditionScope())
	require.NoError(t, err)
	assert.True(t, ok)
}
