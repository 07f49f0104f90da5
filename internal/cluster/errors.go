package cluster

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfigValidation is matched by every ValidationError.
var ErrConfigValidation = errors.New("config validation failed")

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Value   any    // The invalid value
	Field   string // The config field path (e.g., "coordinator.max_load_per_shard")
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// Unwrap lets errors.Is match ErrConfigValidation.
func (e ValidationError) Unwrap() error {
	return ErrConfigValidation
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap lets errors.Is and errors.As see the individual failures.
func (e ValidationErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i, v := range e {
		out[i] = v
	}
	return out
}

// AsError returns nil for an empty collection and e otherwise.
func (e ValidationErrors) AsError() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
