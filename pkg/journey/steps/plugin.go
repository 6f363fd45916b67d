// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/oauth"
)

// pluginHandler invokes a managed or WASM plugin through the plugin
// executor and maps the plugin's action onto a step result.
type pluginHandler struct{}

var _ journey.StepHandler = (*pluginHandler)(nil)

func (*pluginHandler) Execute(ctx context.Context, sc *journey.StepContext) (*journey.StepResult, error) {
	name := sc.Step.ConfigString("plugin")
	if name == "" {
		return nil, fmt.Errorf("custom_plugin step %q has no plugin name", sc.Step.ID)
	}
	if sc.Services.Plugins == nil {
		return nil, fmt.Errorf("no plugin executor is configured")
	}

	res, err := sc.Services.Plugins.ExecutePlugin(ctx, name, &journey.PluginPayload{
		TenantID:  sc.TenantID,
		JourneyID: sc.JourneyID,
		UserID:    sc.UserID(),
		Data:      sc.Data,
		Input:     sc.Input,
		Config:    sc.Step.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("executing plugin %s: %w", name, err)
	}

	switch res.Action {
	case journey.PluginContinue:
		return journey.Success(res.Output), nil
	case journey.PluginComplete:
		// The plugin may establish identity on completion.
		if sub := res.Output.GetString("sub"); sub != "" {
			sc.SetAuthenticated(sub, "plugin")
		}
		return journey.Success(res.Output), nil
	case journey.PluginRequireInput:
		view := res.View
		if view == "" {
			view = "plugin"
		}
		return journey.ShowUI(view, res.Model), nil
	case journey.PluginBranch:
		return journey.BranchTo(res.Target, res.Output), nil
	case journey.PluginFail:
		code := res.Code
		if code == "" {
			code = oauth.ErrCodeAccessDenied
		}
		return journey.Fail(code, res.Description), nil
	default:
		return nil, fmt.Errorf("plugin %s returned unknown action %q", name, res.Action)
	}
}
