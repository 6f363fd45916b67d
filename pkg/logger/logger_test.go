// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setSingletonForTest swaps the singleton for the duration of a test.
func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	old := Get()
	Set(l)
	t.Cleanup(func() { Set(old) })
}

func TestStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	setSingletonForTest(t, slog.New(slog.NewJSONHandler(&buf, nil)))

	Infow("token issued", "client_id", "web-app", "grant_type", "authorization_code")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "token issued", entry["msg"])
	assert.Equal(t, "web-app", entry["client_id"])
	assert.Equal(t, "authorization_code", entry["grant_type"])
}

func TestFormattedHelpers(t *testing.T) {
	var buf bytes.Buffer
	setSingletonForTest(t, slog.New(slog.NewJSONHandler(&buf, nil)))

	Warnf("journey %s expired", "jrn_123")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "journey jrn_123 expired", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	setSingletonForTest(t, slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	Debug("not visible")
	assert.Empty(t, buf.Bytes())
}
