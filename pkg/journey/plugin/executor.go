// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin executes custom_plugin journey steps. Managed plugins are
// Go functions registered in-process; WASM plugins are WASI command modules
// run under wazero. Both exchange JSON: the payload arrives on stdin (or as
// the argument for managed plugins) and the result is written to stdout.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	gkerrors "github.com/gatekeyd/gatekey/pkg/errors"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/logger"
)

// DefaultTimeout bounds one plugin invocation.
const DefaultTimeout = 10 * time.Second

// maxResultSize caps the JSON a plugin may return.
const maxResultSize = 1 << 20

// ManagedPlugin is an in-process plugin implementation.
type ManagedPlugin func(ctx context.Context, payload *journey.PluginPayload) (*journey.PluginResult, error)

// Executor implements journey.PluginExecutor over managed and WASM plugins.
// WASM modules are compiled once at registration and instantiated per call,
// so concurrent journeys never share plugin state.
type Executor struct {
	mu      sync.RWMutex
	managed map[string]ManagedPlugin
	wasm    map[string]wazero.CompiledModule

	runtime wazero.Runtime
	timeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// NewExecutor creates an executor with an initialized WASM runtime.
func NewExecutor(ctx context.Context, opts ...ExecutorOption) *Executor {
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	e := &Executor{
		managed: make(map[string]ManagedPlugin),
		wasm:    make(map[string]wazero.CompiledModule),
		runtime: rt,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterManaged binds a Go plugin under the given name.
func (e *Executor) RegisterManaged(name string, p ManagedPlugin) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.managed[name] = p
}

// RegisterWASM compiles and registers a WASM module under the given name.
func (e *Executor) RegisterWASM(ctx context.Context, name string, module []byte) error {
	compiled, err := e.runtime.CompileModule(ctx, module)
	if err != nil {
		return fmt.Errorf("compiling plugin %s: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.wasm[name]; ok {
		_ = old.Close(ctx)
	}
	e.wasm[name] = compiled
	return nil
}

// ExecutePlugin implements journey.PluginExecutor. Managed plugins shadow
// WASM plugins of the same name.
func (e *Executor) ExecutePlugin(ctx context.Context, name string, payload *journey.PluginPayload) (*journey.PluginResult, error) {
	e.mu.RLock()
	managed := e.managed[name]
	compiled := e.wasm[name]
	e.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch {
	case managed != nil:
		return managed(ctx, payload)
	case compiled != nil:
		return e.executeWASM(ctx, name, compiled, payload)
	default:
		return nil, gkerrors.NewNotFoundError(fmt.Sprintf("plugin %q is not registered", name), nil)
	}
}

// executeWASM runs one instantiation of the module: payload JSON on stdin,
// result JSON on stdout. A non-zero exit code fails the invocation.
func (e *Executor) executeWASM(ctx context.Context, name string, compiled wazero.CompiledModule, payload *journey.PluginPayload) (*journey.PluginResult, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(name + "-" + uuid.NewString()).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(name)

	mod, err := e.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		var exitErr *sys.ExitError
		// A WASI command exits through proc_exit; code 0 is success.
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if stderr.Len() > 0 {
				logger.Warnw("wasm plugin wrote to stderr",
					"plugin", name,
					"stderr", stderr.String(),
				)
			}
			return nil, fmt.Errorf("running plugin %s: %w", name, err)
		}
	}
	if mod != nil {
		_ = mod.Close(ctx)
	}

	if stdout.Len() > maxResultSize {
		return nil, fmt.Errorf("plugin %s result exceeds %d bytes", name, maxResultSize)
	}
	var res journey.PluginResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("decoding plugin %s result: %w", name, err)
	}
	return &res, nil
}

// Close releases the WASM runtime.
func (e *Executor) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

var _ journey.PluginExecutor = (*Executor)(nil)
