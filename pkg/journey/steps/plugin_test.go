// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/journey/plugin"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

func newPluginEngine(t *testing.T, policyJSON string) (*journey.Engine, *plugin.Executor) {
	t.Helper()
	executor := plugin.NewExecutor(context.Background())
	t.Cleanup(func() { _ = executor.Close(context.Background()) })

	engine := newStepEngine(t, func(s *journey.Services) {
		s.Plugins = executor
	}, policyJSON)
	return engine, executor
}

func TestPluginStepContinueAndComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	policy := `{
		"id": "enriched",
		"steps": [
			{"id": "enrich", "type": "custom_plugin", "config": {"plugin": "enrich", "tier_source": "crm"}},
			{"id": "finish", "type": "custom_plugin", "config": {"plugin": "finish"}}
		]
	}`
	engine, executor := newPluginEngine(t, policy)

	executor.RegisterManaged("enrich", func(_ context.Context, p *journey.PluginPayload) (*journey.PluginResult, error) {
		// The step hands its config and identifiers through to the plugin.
		assert.Equal(t, "acme", p.TenantID)
		assert.Equal(t, "crm", p.Config["tier_source"])
		return &journey.PluginResult{
			Action: journey.PluginContinue,
			Output: oauth.Claims{"tier": "gold"},
		}, nil
	})
	executor.RegisterManaged("finish", func(_ context.Context, p *journey.PluginPayload) (*journey.PluginResult, error) {
		// A continue action's output was merged into journey data.
		assert.Equal(t, "gold", p.Data.GetString("tier"))
		return &journey.PluginResult{
			Action: journey.PluginComplete,
			Output: oauth.Claims{"sub": "plugin-user-1"},
		}, nil
	})

	out, err := engine.Start(ctx, "acme", "web-app", "corr-1", "enriched")
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeCompleted, out.Kind)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Authenticated())
	assert.Equal(t, "plugin-user-1", out.Result.SubjectID)
	assert.Contains(t, out.Result.AMR, "plugin")
	assert.Equal(t, "gold", out.Result.Claims.GetString("tier"))
}

func TestPluginStepRequireInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	policy := `{
		"id": "challenge",
		"steps": [{"id": "ask", "type": "custom_plugin", "config": {"plugin": "ask"}}]
	}`
	engine, executor := newPluginEngine(t, policy)

	executor.RegisterManaged("ask", func(_ context.Context, p *journey.PluginPayload) (*journey.PluginResult, error) {
		if p.Input["answer"] == "42" {
			return &journey.PluginResult{Action: journey.PluginContinue}, nil
		}
		return &journey.PluginResult{
			Action: journey.PluginRequireInput,
			Model:  map[string]any{"question": "the answer?"},
		}, nil
	})

	out, err := engine.Start(ctx, "acme", "web-app", "corr-1", "challenge")
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeShowUI, out.Kind)
	assert.Equal(t, "plugin", out.View)
	assert.Equal(t, "the answer?", out.Model["question"])

	out, err = engine.Advance(ctx, "acme", out.JourneyID, map[string]string{"answer": "42"})
	require.NoError(t, err)
	assert.Equal(t, journey.OutcomeCompleted, out.Kind)
}

func TestPluginStepBranch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	policy := `{
		"id": "routed",
		"steps": [
			{"id": "route", "type": "custom_plugin", "config": {"plugin": "route"}},
			{"id": "skipped", "type": "custom_plugin", "config": {"plugin": "skipped"}},
			{"id": "done", "type": "custom_plugin", "config": {"plugin": "done"}}
		]
	}`
	engine, executor := newPluginEngine(t, policy)

	executor.RegisterManaged("route", func(context.Context, *journey.PluginPayload) (*journey.PluginResult, error) {
		return &journey.PluginResult{Action: journey.PluginBranch, Target: "done"}, nil
	})
	executor.RegisterManaged("skipped", func(context.Context, *journey.PluginPayload) (*journey.PluginResult, error) {
		t.Error("the branch must jump over this step")
		return &journey.PluginResult{Action: journey.PluginContinue}, nil
	})
	executor.RegisterManaged("done", func(context.Context, *journey.PluginPayload) (*journey.PluginResult, error) {
		return &journey.PluginResult{Action: journey.PluginContinue}, nil
	})

	out, err := engine.Start(ctx, "acme", "web-app", "corr-1", "routed")
	require.NoError(t, err)
	assert.Equal(t, journey.OutcomeCompleted, out.Kind)
}

func TestPluginStepFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	policy := `{
		"id": "denies",
		"steps": [{"id": "deny", "type": "custom_plugin", "config": {"plugin": "deny"}}]
	}`

	t.Run("fail action", func(t *testing.T) {
		t.Parallel()
		engine, executor := newPluginEngine(t, policy)
		executor.RegisterManaged("deny", func(context.Context, *journey.PluginPayload) (*journey.PluginResult, error) {
			return &journey.PluginResult{
				Action:      journey.PluginFail,
				Code:        oauth.ErrCodeAccessDenied,
				Description: "policy says no",
			}, nil
		})

		out, err := engine.Start(ctx, "acme", "web-app", "corr-1", "denies")
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeFailed, out.Kind)
		assert.Equal(t, oauth.ErrCodeAccessDenied, out.FailureCode)
		assert.Equal(t, "policy says no", out.FailureDescription)
	})

	t.Run("unknown action", func(t *testing.T) {
		t.Parallel()
		engine, executor := newPluginEngine(t, policy)
		executor.RegisterManaged("deny", func(context.Context, *journey.PluginPayload) (*journey.PluginResult, error) {
			return &journey.PluginResult{Action: "shrug"}, nil
		})

		out, err := engine.Start(ctx, "acme", "web-app", "corr-1", "denies")
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeFailed, out.Kind)
		assert.Equal(t, oauth.ErrCodeServerError, out.FailureCode)
	})

	t.Run("unregistered plugin", func(t *testing.T) {
		t.Parallel()
		engine, _ := newPluginEngine(t, policy)

		out, err := engine.Start(ctx, "acme", "web-app", "corr-1", "denies")
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeFailed, out.Kind)
	})
}
