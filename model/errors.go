package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrRateLimited       = "RATE_LIMITED"
	ErrInternalError     = "INTERNAL_ERROR"
	ErrUnavailable       = "SERVICE_UNAVAILABLE"
)

// Workflow error codes.
const (
	ErrWorkflowAlreadyActive = "WORKFLOW_ALREADY_ACTIVE"
	ErrTemplateNotPublished  = "TEMPLATE_NOT_PUBLISHED"
	ErrStaleTransition       = "STALE_TRANSITION"
)

// Signing error codes.
const (
	ErrInvalidToken     = "INVALID_TOKEN"
	ErrExpiredToken     = "EXPIRED_TOKEN"
	ErrTokenAlreadyUsed = "TOKEN_ALREADY_USED"
	ErrSessionInactive  = "SESSION_INACTIVE"
)

// ErrImmutableRecord is returned for any attempt to change an audit record.
const ErrImmutableRecord = "IMMUTABLE_RECORD"

// ErrorEnvelope is the standard error returned by every engine operation and
// rendered verbatim by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the code of the first ErrorEnvelope in err's chain, or
// the empty string.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewAlreadyActiveError returns a WORKFLOW_ALREADY_ACTIVE error.
func NewAlreadyActiveError(contractID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowAlreadyActive,
		Message: fmt.Sprintf("contract %q already has an active workflow", contractID),
	}
}

// NewNotPublishedError returns a TEMPLATE_NOT_PUBLISHED error.
func NewNotPublishedError(templateID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateNotPublished,
		Message: fmt.Sprintf("workflow template %q is not published", templateID),
	}
}

// NewStaleTransitionError returns a STALE_TRANSITION error.
func NewStaleTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStaleTransition, Message: msg}
}

// NewInvalidTokenError returns an INVALID_TOKEN error. The message never
// reveals whether a token existed.
func NewInvalidTokenError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidToken, Message: "Invalid signing link"}
}

// NewExpiredTokenError returns an EXPIRED_TOKEN error.
func NewExpiredTokenError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExpiredToken, Message: "This signing link has expired"}
}

// NewTokenAlreadyUsedError returns a TOKEN_ALREADY_USED error.
func NewTokenAlreadyUsedError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTokenAlreadyUsed, Message: "This signing link has already been used"}
}

// NewSessionInactiveError returns a SESSION_INACTIVE error.
func NewSessionInactiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSessionInactive, Message: msg}
}

// NewImmutableRecordError returns an IMMUTABLE_RECORD error.
func NewImmutableRecordError(kind string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrImmutableRecord,
		Message: fmt.Sprintf("%s records are immutable", kind),
	}
}
