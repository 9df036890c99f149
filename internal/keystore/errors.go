package keystore

import (
	"errors"
	"fmt"
)

// ErrNoEligibleKey is returned by SelectKey when a provider has no key
// that is active and under its daily quota. Callers treat it as the
// signal to fall back to the next provider, not as a fault.
var ErrNoEligibleKey = errors.New("no eligible key")

// ConfigError wraps a malformed or unreadable state file. The store
// still comes up empty and valid; the error is for the operator.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("key state %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ValidationError reports invalid arguments to a management operation.
// No state is mutated when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
