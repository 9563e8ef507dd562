package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: provider timeouts, temporary carrier unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict.
	// Examples: concurrent lead updates, a slot booked by someone else.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, lead not found, contact forbidden.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the lead, slot or execution ID involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConsentRequired   = "CONSENT_REQUIRED"
	ErrCodeContactBlocked    = "CONTACT_BLOCKED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeSlotUnavailable   = "SLOT_UNAVAILABLE"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Sentinel errors usable with errors.Is. Matching is by class and code.
var (
	ErrNotFound          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "not found"}
	ErrValidation        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation, Message: "validation failed"}
	ErrAlreadyExists     = &EngineError{Class: ErrorClassConflict, Code: ErrCodeAlreadyExists, Message: "already exists"}
	ErrConflict          = &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: "conflict"}
	ErrSlotUnavailable   = &EngineError{Class: ErrorClassConflict, Code: ErrCodeSlotUnavailable, Message: "slot already booked"}
	ErrInvalidTransition = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidTransition, Message: "invalid transition"}
	ErrContactBlocked    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeContactBlocked, Message: "contact blocked"}
)

// NotFoundError reports a missing lead, slot or execution.
func NotFoundError(kind, id string) *EngineError {
	return NewPermanentError(kind+" not found", nil).WithCode(ErrCodeNotFound).WithResource(id)
}

// ValidationError reports invalid caller input.
func ValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// AlreadyExistsError reports a uniqueness violation such as a duplicate phone.
func AlreadyExistsError(message, resource string) *EngineError {
	return NewConflictError(message, nil).WithCode(ErrCodeAlreadyExists).WithResource(resource)
}

// InvalidTransitionError reports a trigger that is not defined from the lead's state.
func InvalidTransitionError(leadID string, from State, trigger Trigger) *EngineError {
	return NewPermanentError(fmt.Sprintf("trigger %s not allowed from %s", trigger, from), nil).
		WithCode(ErrCodeInvalidTransition).
		WithResource(leadID).
		WithDetail("from", string(from)).
		WithDetail("trigger", string(trigger))
}

// CodeOf returns the error code of the first EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsValidation returns true if the error carries the VALIDATION_ERROR code.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsAlreadyExists returns true if the error carries the ALREADY_EXISTS code.
func IsAlreadyExists(err error) bool {
	return CodeOf(err) == ErrCodeAlreadyExists
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
