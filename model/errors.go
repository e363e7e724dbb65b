package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrNotFound      = "NOT_FOUND"
	ErrValidation    = "VALIDATION_ERROR"
	ErrAuthorization = "AUTHORIZATION_ERROR"
	ErrWorkflowState = "WORKFLOW_STATE_ERROR"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
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

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with a summary message.
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidation, Message: msg}
}

// NewFieldValidationError returns a VALIDATION_ERROR with field-level details.
func NewFieldValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidation,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewAuthorizationError returns an AUTHORIZATION_ERROR. It signals that the
// acting principal is not an eligible approver, delegate, or canceler.
func NewAuthorizationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAuthorization, Message: msg}
}

// NewWorkflowStateError returns a WORKFLOW_STATE_ERROR. It signals that the
// requested action is invalid for the current instance status or step.
func NewWorkflowStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowState, Message: msg}
}

// NewConflictError returns a CONFLICT error. Callers receiving this code are
// expected to reload the instance and reapply their action.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// ErrorCode extracts the envelope code from an error, or INTERNAL_ERROR if
// the error is not an *ErrorEnvelope.
func ErrorCode(err error) string {
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee.Code
	}
	return ErrInternalError
}
