// Package errors defines the typed error taxonomy of the compilation core.
//
// The transport layer dispatches on these types: resolution and transform
// failures surface as 500s with diagnostics, an outdated optimized dep is
// an expected condition answered with a retry, and closed-server errors
// terminate the individual request without being logged as failures.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType categorizes core errors.
type ErrorType string

const (
	ErrorTypeResolve     ErrorType = "resolve"
	ErrorTypeLoad        ErrorType = "load"
	ErrorTypeTransform   ErrorType = "transform"
	ErrorTypeOptimizer   ErrorType = "optimizer"
	ErrorTypeOutdatedDep ErrorType = "outdated-dep"
	ErrorTypeClosed      ErrorType = "closed"
	ErrorTypeConfig      ErrorType = "config"
)

// ErrClosedServer is returned for any operation attempted after shutdown
// has begun. Always fatal to the in-flight request, never retried.
var ErrClosedServer = errors.New("server is closed")

// ErrOutdatedOptimizedDep signals that a served URL pointed at a pre-bundle
// that has since been superseded. Expected during rebundles; the transport
// answers with a retry rather than logging an error.
var ErrOutdatedOptimizedDep = errors.New("outdated optimized dependency")

// CoreError is a structured error carrying the failing module id and its
// importer for diagnostics.
type CoreError struct {
	Type     ErrorType
	ID       string
	Importer string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	s := fmt.Sprintf("%s error", e.Type)
	if e.ID != "" {
		s += fmt.Sprintf(" for %q", e.ID)
	}
	if e.Importer != "" {
		s += fmt.Sprintf(" (imported by %q)", e.Importer)
	}
	if msg != "" {
		s += ": " + msg
	}
	return s
}

// Unwrap returns the underlying cause error.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is matches on Type so callers can compare against a bare &CoreError{Type: ...}.
func (e *CoreError) Is(target error) bool {
	var t *CoreError
	if errors.As(target, &t) {
		return e.Type == t.Type
	}
	return false
}

// NewResolveError creates a resolution failure for id requested by importer.
func NewResolveError(id, importer string, cause error) *CoreError {
	return &CoreError{
		Type:     ErrorTypeResolve,
		ID:       id,
		Importer: importer,
		Message:  "failed to resolve import",
		Cause:    cause,
	}
}

// NewLoadError creates a load failure for id.
func NewLoadError(id string, cause error) *CoreError {
	return &CoreError{
		Type:  ErrorTypeLoad,
		ID:    id,
		Cause: cause,
	}
}

// NewTransformError creates a transform failure for id.
func NewTransformError(id string, cause error) *CoreError {
	return &CoreError{
		Type:  ErrorTypeTransform,
		ID:    id,
		Cause: cause,
	}
}

// NewOptimizerError wraps a failed pre-bundling pass.
func NewOptimizerError(msg string, cause error) *CoreError {
	return &CoreError{
		Type:    ErrorTypeOptimizer,
		Message: msg,
		Cause:   cause,
	}
}

// IsClosedServer reports whether err represents the closed-server condition.
func IsClosedServer(err error) bool {
	return errors.Is(err, ErrClosedServer)
}

// IsOutdatedOptimizedDep reports whether err represents a superseded
// pre-bundle request.
func IsOutdatedOptimizedDep(err error) bool {
	return errors.Is(err, ErrOutdatedOptimizedDep)
}
