// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("connection refused")
	err := NewStorageError("failed to load client", cause)

	assert.Equal(t, "storage: failed to load client: connection refused", err.Error())
	assert.Equal(t, cause, stderrors.Unwrap(err))

	noCause := NewNotFoundError("client not found", nil)
	assert.Equal(t, "not_found: client not found", noCause.Error())
}

func TestTypePredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found matches", NewNotFoundError("x", nil), IsNotFound, true},
		{"not found does not match conflict", NewNotFoundError("x", nil), IsConflict, false},
		{"conflict matches", NewConflictError("x", nil), IsConflict, true},
		{"unauthorized matches", NewUnauthorizedError("x", nil), IsUnauthorized, true},
		{"invalid argument matches", NewInvalidArgumentError("x", nil), IsInvalidArgument, true},
		{"upstream matches", NewUpstreamError("x", nil), IsUpstream, true},
		{"internal matches", NewInternalError("x", nil), IsInternal, true},
		{"plain error matches nothing", stderrors.New("plain"), IsNotFound, false},
		{"wrapped typed error still matches", fmt.Errorf("outer: %w", NewStorageError("x", nil)), IsStorage, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}
