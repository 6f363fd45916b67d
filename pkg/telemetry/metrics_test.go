// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "static path", path: "/connect/token", want: "/connect/token"},
		{name: "journey id collapsed", path: "/journey/abc-123", want: "/journey/{id}"},
		{name: "journey callback collapsed", path: "/journey/abc-123/callback", want: "/journey/{id}/callback"},
		{name: "root", path: "/", want: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, routeLabel(tt.path))
		})
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	t.Parallel()

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connect/token", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
