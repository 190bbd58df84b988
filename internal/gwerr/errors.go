// Package gwerr defines the gateway's error kinds. Components wrap these
// sentinels with context; only the HTTP layer maps them to status codes.
package gwerr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input that failed a schema or invariant check.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthenticated marks a request with no usable credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized marks a valid credential that failed the scope check.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound marks a reference to an absent service, group, or tool.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks duplicate paths, duplicate groups, and rejected
	// concurrent mutations.
	ErrConflict = errors.New("conflict")
	// ErrUpstream marks IdP, backend MCP, or embedding encoder failures.
	ErrUpstream = errors.New("upstream failure")
	// ErrCorruption marks unusable persistent state found at boot: an
	// unreadable data directory, a damaged database, or a policy document
	// that no longer parses. The process maps it to a dedicated exit code.
	ErrCorruption = errors.New("state corruption")
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted reason.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// Conflictf wraps ErrConflict with a formatted reason.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// Upstreamf wraps ErrUpstream with a formatted reason.
func Upstreamf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUpstream}, args...)...)
}

// Code returns the short reason code for an error kind, used in the JSON
// error envelope.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "internal_error"
	}
}
