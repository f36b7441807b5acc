package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents the classification of an error for retry and surfacing logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates malformed or incomplete input.
	// Never retried automatically.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassAuthorization indicates a missing identity or a missing permission.
	ErrorClassAuthorization ErrorClass = "authorization"

	// ErrorClassNotFound indicates the addressed target source or request does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates the operation lost a race or collides with in-flight work.
	// Callers re-fetch current state and re-issue.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassThrottled indicates a cooldown or rate limit.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPrecondition indicates an external prerequisite is not met yet.
	// It carries a remediation guide and is re-checked by an idempotent poll.
	ErrorClassPrecondition ErrorClass = "precondition"

	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassInternal indicates a storage or programming failure.
	ErrorClassInternal ErrorClass = "internal"
)

// Error represents a classified error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the stable machine-readable error code.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Guide is an optional remediation guide for precondition failures.
	Guide *Guide `json:"guide,omitempty"`

	// TargetSourceID is the target source the error relates to, if any.
	TargetSourceID string `json:"target_source_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Guide is an operator-facing remediation guide returned with precondition failures.
type Guide struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.TargetSourceID != "" {
		msg = fmt.Sprintf("%s (target_source=%s)", msg, e.TargetSourceID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two errors match when class and code are equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// HTTPStatus maps the error to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Class {
	case ErrorClassValidation, ErrorClassPrecondition:
		return http.StatusBadRequest
	case ErrorClassAuthorization:
		if e.Code == ErrCodeUnauthorized {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case ErrorClassNotFound:
		return http.StatusNotFound
	case ErrorClassConflict:
		return http.StatusConflict
	case ErrorClassThrottled:
		return http.StatusTooManyRequests
	case ErrorClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether re-issuing the request may succeed.
// Only the 409, 429 and 5xx classes are retriable.
func (e *Error) Retriable() bool {
	switch e.Class {
	case ErrorClassConflict, ErrorClassThrottled, ErrorClassTransient, ErrorClassInternal:
		return true
	default:
		return false
	}
}

func newError(class ErrorClass, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string) *Error {
	return newError(ErrorClassValidation, ErrCodeValidation, message)
}

// NewUnauthorizedError creates an error for a request without identity.
func NewUnauthorizedError(message string) *Error {
	return newError(ErrorClassAuthorization, ErrCodeUnauthorized, message)
}

// NewForbiddenError creates an error for an identity lacking permission.
func NewForbiddenError(message string) *Error {
	return newError(ErrorClassAuthorization, ErrCodeForbidden, message)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string) *Error {
	return newError(ErrorClassNotFound, ErrCodeNotFound, message)
}

// NewConflictError creates a new conflict error with the given code.
func NewConflictError(code, message string) *Error {
	return newError(ErrorClassConflict, code, message)
}

// NewThrottledError creates a new throttled error with the given code.
func NewThrottledError(code, message string) *Error {
	return newError(ErrorClassThrottled, code, message)
}

// NewPreconditionError creates a precondition failure carrying a remediation guide.
// It surfaces as VALIDATION_FAILED so the operator fixes the prerequisite and polls again.
func NewPreconditionError(message string, guide *Guide) *Error {
	e := newError(ErrorClassPrecondition, ErrCodeValidation, message)
	e.Guide = guide
	return e
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	e := newError(ErrorClassTransient, ErrCodeProviderFailed, message)
	e.Err = err
	return e
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *Error {
	e := newError(ErrorClassInternal, ErrCodeInternal, message)
	e.Err = err
	return e
}

// WithTargetSource adds target source context to an error.
func (e *Error) WithTargetSource(id string) *Error {
	e.TargetSourceID = id
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsError extracts a classified error from err. Unclassified errors are
// wrapped as internal errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError("internal error", err)
}

// HasCode returns true if err is a classified error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return hasClass(err, ErrorClassThrottled)
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	return hasClass(err, ErrorClassNotFound)
}

// IsValidation returns true for validation and precondition failures.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation) || hasClass(err, ErrorClassPrecondition)
}

// IsRetriable returns true if the error can be retried by re-issuing the request.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable()
	}
	return true
}

func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Error codes surfaced to callers.
const (
	ErrCodeValidation                 = "VALIDATION_FAILED"
	ErrCodeUnauthorized               = "UNAUTHORIZED"
	ErrCodeForbidden                  = "FORBIDDEN"
	ErrCodeNotFound                   = "NOT_FOUND"
	ErrCodeConflict                   = "CONFLICT"
	ErrCodeConflictRequestPending     = "CONFLICT_REQUEST_PENDING"
	ErrCodeConflictApplyingInProgress = "CONFLICT_APPLYING_IN_PROGRESS"
	ErrCodeScanInProgress             = "SCAN_IN_PROGRESS"
	ErrCodeCooldownActive             = "COOLDOWN_ACTIVE"
	ErrCodeUnsupportedProvider        = "UNSUPPORTED_PROVIDER"
	ErrCodeScanSuperseded             = "SCAN_SUPERSEDED"
	ErrCodeProviderFailed             = "PROVIDER_FAILED"
	ErrCodeInternal                   = "INTERNAL_ERROR"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("record not found")
