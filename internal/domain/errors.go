package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidConfig indicates a malformed URI, bad event fields, or
	// missing required environment. Never retried.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnavailable indicates the database is unreachable or the web
	// service is not listening yet.
	ErrUnavailable = errors.New("service unavailable")

	// ErrNotRunning is returned by web service operations that require
	// the serve loop to be up.
	ErrNotRunning = errors.New("web service not running")

	// ErrUnknownMethod is returned when an event names an HTTP method
	// outside the supported set.
	ErrUnknownMethod = errors.New("unknown http method")

	// ErrNotFound means the requested document does not exist.
	ErrNotFound = errors.New("not found")
)

// ConfigError wraps a field-level validation failure. It matches
// [ErrInvalidConfig] under [errors.Is].
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// Invalid is shorthand for a [ConfigError].
func Invalid(field, msg string) error {
	return &ConfigError{Field: field, Msg: msg}
}
