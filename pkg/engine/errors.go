package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a registry error for local recovery.
type ErrorClass string

const (
	// ErrorClassInvalidModule indicates the target module is no longer valid.
	// Examples: the module was uninstalled while it was being queried.
	ErrorClassInvalidModule ErrorClass = "invalid_module"

	// ErrorClassTransient indicates an I/O-class failure reading from a module.
	// The same request may succeed later.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed manifest, unknown module name, illegal state transition.
	ErrorClassPermanent ErrorClass = "permanent"
)

// RegistryError represents a classified registry error with context.
type RegistryError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Module is the module the error relates to, if any.
	Module ModuleID `json:"module,omitempty"`

	// Operation is the registry operation that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Module != 0 && e.Operation != "" {
		msg = fmt.Sprintf("%s (module=%d, operation=%s)", msg, uint64(e.Module), e.Operation)
	} else if e.Module != 0 {
		msg = fmt.Sprintf("%s (module=%d)", msg, uint64(e.Module))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RegistryError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewInvalidModuleError creates a new invalid-module error.
func NewInvalidModuleError(id ModuleID, err error) *RegistryError {
	return &RegistryError{
		Class:   ErrorClassInvalidModule,
		Message: "module is no longer valid",
		Code:    ErrCodeInvalidModule,
		Module:  id,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *RegistryError {
	return &RegistryError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *RegistryError {
	return &RegistryError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithModule adds module context to an error.
func (e *RegistryError) WithModule(id ModuleID) *RegistryError {
	e.Module = id
	return e
}

// WithOperation adds operation context to an error.
func (e *RegistryError) WithOperation(operation string) *RegistryError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *RegistryError) WithCode(code string) *RegistryError {
	e.Code = code
	return e
}

// IsInvalidModule returns true if the error reports a module that is no longer valid.
func IsInvalidModule(err error) bool {
	var e *RegistryError
	if errors.As(err, &e) {
		return e.Class == ErrorClassInvalidModule
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *RegistryError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *RegistryError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeInvalidModule   = "INVALID_MODULE"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeIllegalState    = "ILLEGAL_STATE"
	ErrCodeUnresolved      = "UNRESOLVED_IMPORTS"
	ErrCodeResourceFailure = "RESOURCE_FAILURE"
)
