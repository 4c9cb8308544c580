package backend

import (
	"errors"
	"fmt"
)

// ErrNotReady indicates a generation request against a backend that is not
// in the Ready state.
var ErrNotReady = errors.New("backend not ready")

// ErrUnknownKind indicates an unrecognized backend kind.
var ErrUnknownKind = errors.New("unknown backend kind")

// ConfigurationError indicates a backend could not be constructed because
// required configuration (endpoint, credential, model path) is missing or
// invalid. It fails SetActiveBackend synchronously.
type ConfigurationError struct {
	Kind   Kind
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuring %s backend: %s", e.Kind, e.Reason)
}

// LoadError indicates local weight loading failed. It surfaces as
// Status=Failed with the wrapped message; the process stays usable.
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading model %s: %v", e.Model, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// GenerationError indicates an adapter call failed or the backend was not
// ready. It is per-request and never alters backend state.
type GenerationError struct {
	Kind Kind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
