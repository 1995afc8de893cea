package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration marks a malformed configuration detected before any
	// episode starts. It aborts the run.
	ErrConfiguration = errors.New("configuration error")
	// ErrValidation marks a data point that failed a quality rule.
	ErrValidation = errors.New("validation error")
	// ErrTimeout marks a collaborator call that exceeded its deadline.
	ErrTimeout = errors.New("collaborator timeout")
	// ErrLifecycle marks an operation invoked in the wrong episode state.
	ErrLifecycle = errors.New("lifecycle error")
	// ErrExport marks a failed export call.
	ErrExport = errors.New("export error")
)

// ConfigurationError describes which setting is invalid.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError names the rule a data point violated and the offending value.
type ValidationError struct {
	Rule  string
	Field string
	Value float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation rule %s failed on %s (value %g)", e.Rule, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TimeoutError records which collaborator call timed out.
type TimeoutError struct {
	Call  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Call, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// LifecycleError is returned when a recorder operation is called in a state
// that does not allow it.
type LifecycleError struct {
	Op    string
	State LifecycleState
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *LifecycleError) Unwrap() error { return ErrLifecycle }

// ExportError wraps the cause of a failed export.
type ExportError struct {
	Format      string
	Destination string
	Err         error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s to %s: %v", e.Format, e.Destination, e.Err)
}

// Unwrap exposes both the export sentinel and the underlying cause.
func (e *ExportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExport}
	}
	return []error{ErrExport, e.Err}
}
