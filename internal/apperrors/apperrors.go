// Package apperrors defines the typed error taxonomy shared by every
// component. Handlers map these to HTTP status codes at the API boundary;
// everywhere else components check them with errors.Is.
package apperrors

import "errors"

var (
	// ErrInvariant is a schema/constraint violation. Not retried. Maps to 400.
	ErrInvariant = errors.New("invariant violation")

	// ErrNotFound is a missing row or blob. Maps to 404.
	ErrNotFound = errors.New("not found")

	// ErrTransient is a retryable I/O fault that exhausted its retry budget.
	ErrTransient = errors.New("transient failure")

	// ErrAuthExpired signals a 401/expired-token response; the caller should
	// refresh once and retry before surfacing failure.
	ErrAuthExpired = errors.New("auth expired")

	// ErrUnconfigured is a missing mandatory configuration value. Fail fast
	// at startup.
	ErrUnconfigured = errors.New("unconfigured")

	// ErrInternal is an unclassified fault. Maps to 500, logged with stack.
	ErrInternal = errors.New("internal error")
)
