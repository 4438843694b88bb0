// Package compose contains pure functions for parsing stack declarations.
// This is part of the Functional Core - all functions are pure with no I/O.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("stack declaration is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Structure errors
	ErrNoServices = errors.New("stack must declare at least one service")

	// Service validation errors
	ErrServiceNoImage     = errors.New("service must have an image")
	ErrServiceInvalidPort = errors.New("invalid port configuration")
	ErrInvalidRole        = errors.New("unknown service role")
	ErrCircularDependency = errors.New("circular dependency detected")

	// Resource reference errors
	ErrUndeclaredVolume  = errors.New("service references an undeclared volume")
	ErrUndeclaredNetwork = errors.New("service references an undeclared network")
	ErrResourceConflict  = errors.New("conflicting declarations for named resource")

	// Unsupported feature errors
	ErrUnsupportedFeature = errors.New("unsupported compose feature")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.web.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
