// Package coordmodel holds the data model shared by the ConfigLoader,
// Reconciler and Coordinator: the normalised ConfigModel, the live component
// registry (LiveGraph), and the identity types that key durable state.
package coordmodel

import (
	"errors"
	"fmt"
)

// ConfigSyntaxError indicates the configuration artifact failed to parse.
type ConfigSyntaxError struct {
	Path  string
	Cause error
}

func (e *ConfigSyntaxError) Error() string {
	return fmt.Sprintf("config syntax error in %s: %v", e.Path, e.Cause)
}

func (e *ConfigSyntaxError) Unwrap() error { return e.Cause }

// ConfigSchemaError indicates a validated-but-invalid configuration: a
// missing required key, a wrong value kind, a reserved name, a duplicate
// name, an unresolved reference, a deprecated key, or a forbidden post-start
// change to db_url/db_poll_interval.
type ConfigSchemaError struct {
	Field   string
	Message string
}

func (e *ConfigSchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config schema error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config schema error: %s", e.Message)
}

// NewSchemaError builds a ConfigSchemaError.
func NewSchemaError(field, format string, args ...interface{}) *ConfigSchemaError {
	return &ConfigSchemaError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DatabaseNotReadyError indicates the database exists but predates the
// schema this binary expects; the operator must run the migration tool.
type DatabaseNotReadyError struct {
	CurrentVersion int64
	WantVersion    int64
}

func (e *DatabaseNotReadyError) Error() string {
	return fmt.Sprintf("database not ready: schema at version %d, need %d; run the migration tool before starting the coordinator",
		e.CurrentVersion, e.WantVersion)
}

// ObserverError wraps a panic or error raised inside a subscription
// handler. It is logged by the bus and never propagated to the publisher.
type ObserverError struct {
	Bus   string
	Cause error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer error on bus %q: %v", e.Bus, e.Cause)
}

func (e *ObserverError) Unwrap() error { return e.Cause }

// TransientDbError marks a database failure that a retry of the same
// operation (from the same high-water mark, for the poller) may resolve.
type TransientDbError struct {
	Op    string
	Cause error
}

func (e *TransientDbError) Error() string {
	return fmt.Sprintf("transient database error during %s: %v", e.Op, e.Cause)
}

func (e *TransientDbError) Unwrap() error { return e.Cause }

// IsTransient reports whether err (or something it wraps) is a
// TransientDbError.
func IsTransient(err error) bool {
	var t *TransientDbError
	return errors.As(err, &t)
}
