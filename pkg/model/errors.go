// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds surfaced to callers. Wrap them with
// fmt.Errorf("...: %w", Err...) so errors.Is keeps working across layers.
var (
	// ErrValidation indicates a malformed server spec or request payload.
	ErrValidation = errors.New("validation error")
	// ErrNotFound indicates an unknown server or execution id.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation, e.g. a duplicate server name.
	ErrConflict = errors.New("conflict")
	// ErrTransportImmutable indicates an attempt to change a server's transport.
	ErrTransportImmutable = errors.New("transport is immutable")
	// ErrConnection indicates a transport-level failure: open failed, handshake
	// rejected, or the connection closed mid-request.
	ErrConnection = errors.New("connection error")
	// ErrPoolExhausted indicates every pool slot is in use.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrTimeout indicates a per-request deadline elapsed.
	ErrTimeout = errors.New("request timed out")
	// ErrCancelled indicates an execution was cancelled by the caller.
	ErrCancelled = errors.New("execution cancelled")
	// ErrInternal indicates an unexpected invariant violation.
	ErrInternal = errors.New("internal error")
)

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds a not-found error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf builds a conflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
