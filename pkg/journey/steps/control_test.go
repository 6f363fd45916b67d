// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/journey/steps"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

func transformContext(ops []any, data oauth.Claims) *journey.StepContext {
	return &journey.StepContext{
		TenantID: "acme",
		Step: &journey.Step{
			ID: "shape", Type: journey.StepTransform,
			Config: map[string]any{"operations": ops},
		},
		Data:     data,
		Services: &journey.Services{},
	}
}

func TestTransformOps(t *testing.T) {
	t.Parallel()

	aliceHash := sha256.Sum256([]byte("alice"))

	tests := []struct {
		name string
		op   map[string]any
		data oauth.Claims
		want any
	}{
		{
			name: "copy keeps the value as-is",
			op:   map[string]any{"op": "copy", "from": "email_verified", "to": "out"},
			data: oauth.Claims{"email_verified": true},
			want: true,
		},
		{
			name: "upper",
			op:   map[string]any{"op": "upper", "from": "dept", "to": "out"},
			data: oauth.Claims{"dept": "eng"},
			want: "ENG",
		},
		{
			name: "lower",
			op:   map[string]any{"op": "lower", "from": "username", "to": "out"},
			data: oauth.Claims{"username": "Alice"},
			want: "alice",
		},
		{
			name: "hash",
			op:   map[string]any{"op": "hash", "from": "username", "to": "out"},
			data: oauth.Claims{"username": "alice"},
			want: hex.EncodeToString(aliceHash[:]),
		},
		{
			name: "split trims around the separator",
			op:   map[string]any{"op": "split", "from": "roles", "to": "out"},
			data: oauth.Claims{"roles": "admin, auditor"},
			want: []any{"admin", "auditor"},
		},
		{
			name: "join with custom separator",
			op:   map[string]any{"op": "join", "from": "roles", "to": "out", "separator": " "},
			data: oauth.Claims{"roles": []any{"admin", "auditor"}},
			want: "admin auditor",
		},
		{
			name: "regex replacement",
			op: map[string]any{
				"op": "regex", "from": "email", "to": "out",
				"pattern": "@.*$", "replacement": "",
			},
			data: oauth.Claims{"email": "alice@example.com"},
			want: "alice",
		},
		{
			name: "template interpolates data keys",
			op: map[string]any{
				"op": "template", "to": "out",
				"template": "{{given_name}} {{family_name}}",
			},
			data: oauth.Claims{"given_name": "Alice", "family_name": "Moss"},
			want: "Alice Moss",
		},
		{
			name: "template drops unknown keys",
			op:   map[string]any{"op": "template", "to": "out", "template": "x{{nope}}y"},
			data: oauth.Claims{},
			want: "xy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := steps.NewRegistry().Get(journey.StepTransform)
			res, err := handler.Execute(context.Background(), transformContext([]any{tt.op}, tt.data))
			require.NoError(t, err)
			require.Equal(t, journey.ResultSuccess, res.Kind)
			assert.Equal(t, tt.want, res.Output["out"])
		})
	}
}

func TestTransformChainsOperations(t *testing.T) {
	t.Parallel()

	// The second op reads the first op's output, not only journey data.
	ops := []any{
		map[string]any{"op": "lower", "from": "username", "to": "handle"},
		map[string]any{"op": "template", "to": "greeting", "template": "hello {{handle}}"},
	}
	handler := steps.NewRegistry().Get(journey.StepTransform)
	res, err := handler.Execute(context.Background(),
		transformContext(ops, oauth.Claims{"username": "Alice"}))
	require.NoError(t, err)
	require.Equal(t, journey.ResultSuccess, res.Kind)
	assert.Equal(t, "alice", res.Output["handle"])
	assert.Equal(t, "hello alice", res.Output["greeting"])
}

func TestTransformErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   map[string]any
		data oauth.Claims
	}{
		{
			name: "unknown op",
			op:   map[string]any{"op": "reverse", "from": "a", "to": "b"},
		},
		{
			name: "missing destination",
			op:   map[string]any{"op": "upper", "from": "a"},
		},
		{
			name: "join over a non-list",
			op:   map[string]any{"op": "join", "from": "roles", "to": "out"},
			data: oauth.Claims{"roles": "admin"},
		},
		{
			name: "regex with a bad pattern",
			op:   map[string]any{"op": "regex", "from": "a", "to": "b", "pattern": "("},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := steps.NewRegistry().Get(journey.StepTransform)
			_, err := handler.Execute(context.Background(), transformContext([]any{tt.op}, tt.data))
			require.Error(t, err)
		})
	}
}
