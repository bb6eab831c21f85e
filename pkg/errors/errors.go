package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Retryable bool   `json:"retryable,omitempty"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so cloned errors still compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// NewTransient creates an Error that callers may retry.
func NewTransient(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Retryable: true}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// WrapAs wraps err keeping code, status and retry classification of base.
func WrapAs(err error, base *Error, message string) *Error {
	if message == "" {
		message = base.Message
	}
	return &Error{Code: base.Code, Status: base.Status, Message: message, Retryable: base.Retryable, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// Admission rejections. None of these are retried by the enrollment worker.
var (
	ErrAlreadyEnrolled       = New("ALREADY_ENROLLED", http.StatusConflict, "already enrolled/queued")
	ErrScheduleConflict      = New("SCHEDULE_CONFLICT", http.StatusConflict, "schedule conflict")
	ErrCourseNotFound        = New("COURSE_NOT_FOUND", http.StatusNotFound, "course not found")
	ErrCapacityMisconfigured = New("CAPACITY_MISCONFIGURED", http.StatusUnprocessableEntity, "course capacity misconfigured")
	ErrIneligible            = New("INELIGIBLE", http.StatusForbidden, "prerequisites not satisfied")
	ErrEnrollmentNotFound    = New("ENROLLMENT_NOT_FOUND", http.StatusBadRequest, "enrollment not found")
	ErrJobNotFound           = New("JOB_NOT_FOUND", http.StatusNotFound, "job not found or expired")
	ErrJobNotCancellable     = New("JOB_NOT_CANCELLABLE", http.StatusConflict, "job is no longer queued")
	ErrCancelled             = New("CANCELLED", http.StatusConflict, "cancelled by requester")
)

// Infrastructure failures eligible for retry.
var (
	ErrLockTimeout        = NewTransient("LOCK_TIMEOUT", http.StatusServiceUnavailable, "timed out acquiring course lock")
	ErrStorageUnavailable = NewTransient("STORAGE_UNAVAILABLE", http.StatusServiceUnavailable, "storage unavailable")
	ErrQueueTimeout       = NewTransient("QUEUE_TIMEOUT", http.StatusServiceUnavailable, "request waited too long in queue")
	ErrRetriesExhausted   = NewTransient("RETRIES_EXHAUSTED", http.StatusServiceUnavailable, "retries exhausted")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// IsRetryable reports whether err was classified as transient. Context
// deadlines count as transient; cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

var registry = func() map[string]*Error {
	known := []*Error{
		ErrNotFound, ErrForbidden, ErrUnauthorized, ErrConflict, ErrPreconditionFailed, ErrValidation, ErrInternal,
		ErrAlreadyEnrolled, ErrScheduleConflict, ErrCourseNotFound, ErrCapacityMisconfigured, ErrIneligible,
		ErrEnrollmentNotFound, ErrJobNotFound, ErrJobNotCancellable, ErrCancelled,
		ErrLockTimeout, ErrStorageUnavailable, ErrQueueTimeout, ErrRetriesExhausted,
	}
	m := make(map[string]*Error, len(known))
	for _, e := range known {
		m[e.Code] = e
	}
	return m
}()

// ByCode rebuilds an Error from a stored code, e.g. a failed job's reason.
// Unknown codes map to ErrInternal's status.
func ByCode(code, message string, retryable bool) *Error {
	base, ok := registry[code]
	if !ok {
		base = ErrInternal
	}
	out := Clone(base, message)
	out.Code = code
	out.Retryable = retryable
	return out
}
