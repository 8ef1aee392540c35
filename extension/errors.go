package extension

import (
	"errors"
	"fmt"
)

// Sentinel errors for the host's error taxonomy.
// Every typed error below matches its sentinel through errors.Is.
var (
	// ErrLoad is returned when an entry module cannot be compiled or evaluated.
	ErrLoad = errors.New("extension load failed")

	// ErrSandboxViolation is returned when sandboxed code touches a blocked capability.
	ErrSandboxViolation = errors.New("sandbox violation")

	// ErrActivation is returned for unknown extensions and failing activate() calls.
	ErrActivation = errors.New("extension activation failed")

	// ErrNotFound is returned for unknown command, tool or view ids.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a value fails a structural check.
	ErrValidation = errors.New("validation failed")
)

// LoadError indicates the sandbox could not produce a module.
type LoadError struct {
	Err         error
	ExtensionID string
	Reason      string
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load extension %s: %s: %v", e.ExtensionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("load extension %s: %s", e.ExtensionID, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrLoad).
func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}

// SandboxViolation is raised inside the sandbox at the call site of a
// blocked capability.
type SandboxViolation struct {
	ExtensionID string
	Capability  string
}

func (e *SandboxViolation) Error() string {
	return fmt.Sprintf("sandbox violation: extension %s attempted to use blocked capability %q", e.ExtensionID, e.Capability)
}

// Is allows errors.Is(err, ErrSandboxViolation).
func (e *SandboxViolation) Is(target error) bool {
	return target == ErrSandboxViolation
}

// ActivationError indicates an extension could not be activated.
type ActivationError struct {
	Err         error
	ExtensionID string
}

func (e *ActivationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extension %s is not registered", e.ExtensionID)
	}
	return fmt.Sprintf("activate extension %s: %v", e.ExtensionID, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrActivation).
func (e *ActivationError) Is(target error) bool {
	return target == ErrActivation
}

// NotFoundError indicates an unknown command, tool or view.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Is allows errors.Is(err, ErrNotFound).
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError indicates a value with the wrong shape, such as a view
// provider returning something other than a string.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Is allows errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
