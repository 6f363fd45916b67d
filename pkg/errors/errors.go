// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed application errors for gatekey.
//
// These are internal errors; protocol-level OAuth errors carried over the
// wire live in the oauth package.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = "not_found"

	// ErrConflict is returned when an entity already exists or a
	// concurrent update lost a compare-and-swap
	ErrConflict = "conflict"

	// ErrUnauthorized is returned when authentication or authorization fails
	ErrUnauthorized = "unauthorized"

	// ErrStorage is returned when a storage backend operation fails
	ErrStorage = "storage"

	// ErrUpstream is returned when an outbound call to an external system fails
	ErrUpstream = "upstream"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewStorageError creates a new storage error
func NewStorageError(message string, cause error) *Error {
	return NewError(ErrStorage, message, cause)
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstream, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrInvalidArgument)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return isType(err, ErrConflict)
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	return isType(err, ErrUnauthorized)
}

// IsStorage checks if the error is a storage error
func IsStorage(err error) bool {
	return isType(err, ErrStorage)
}

// IsUpstream checks if the error is an upstream error
func IsUpstream(err error) bool {
	return isType(err, ErrUpstream)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
