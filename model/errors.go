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
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrStageLocked            = "STAGE_LOCKED"
	ErrStageUnauthorized      = "STAGE_UNAUTHORIZED"
	ErrInsufficientEvidence   = "INSUFFICIENT_EVIDENCE"
	ErrDuplicateApproval      = "DUPLICATE_APPROVAL"
	ErrMissingRejectionReason = "MISSING_REJECTION_REASON"
	ErrStaleVersion           = "STALE_VERSION"
	ErrStageTerminal          = "STAGE_TERMINAL"
	ErrUnknownWorkflowType    = "UNKNOWN_WORKFLOW_TYPE"
	ErrUnknownStage           = "UNKNOWN_STAGE"
	ErrWorkflowNotActive      = "WORKFLOW_NOT_ACTIVE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
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

// CodeOf returns the ErrorEnvelope code of err, or "" if err does not wrap
// an ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err wraps an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
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

// NewStageLockedError returns a STAGE_LOCKED error.
func NewStageLockedError(stageKey string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStageLocked,
		Message: fmt.Sprintf("stage %q is locked until its predecessor is completed", stageKey),
	}
}

// NewStageUnauthorizedError returns a STAGE_UNAUTHORIZED error.
func NewStageUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStageUnauthorized, Message: msg}
}

// NewInsufficientEvidenceError returns an INSUFFICIENT_EVIDENCE error.
func NewInsufficientEvidenceError(stageKey string, have, need int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInsufficientEvidence,
		Message: fmt.Sprintf("stage %q has %d evidence item(s) for the current version, %d required", stageKey, have, need),
	}
}

// NewDuplicateApprovalError returns a DUPLICATE_APPROVAL error.
func NewDuplicateApprovalError(stageKey, role string, version int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDuplicateApproval,
		Message: fmt.Sprintf("role %q already decided stage %q version %d", role, stageKey, version),
	}
}

// NewMissingRejectionReasonError returns a MISSING_REJECTION_REASON error.
func NewMissingRejectionReasonError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingRejectionReason,
		Message: "a non-empty rejection reason is required",
	}
}

// NewStaleVersionError returns a STALE_VERSION error. It is the only error
// callers are expected to retry after refetching the instance.
func NewStaleVersionError(stageKey string, target, current int) *ErrorEnvelope {
	msg := fmt.Sprintf("stage %q version %d is no longer open (current version %d)", stageKey, target, current)
	if target == current {
		msg = fmt.Sprintf("stage %q version %d was closed by a rejection", stageKey, target)
	}
	return &ErrorEnvelope{
		Code:      ErrStaleVersion,
		Message:   msg,
		Retryable: true,
	}
}

// NewStageTerminalError returns a STAGE_TERMINAL error.
func NewStageTerminalError(stageKey, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStageTerminal,
		Message: fmt.Sprintf("stage %q is %s and accepts no further operations", stageKey, status),
	}
}

// NewUnknownWorkflowTypeError returns an UNKNOWN_WORKFLOW_TYPE error.
func NewUnknownWorkflowTypeError(workflowType string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownWorkflowType,
		Message: fmt.Sprintf("workflow type %q is not registered", workflowType),
	}
}

// NewUnknownStageError returns an UNKNOWN_STAGE error.
func NewUnknownStageError(workflowType, stageKey string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownStage,
		Message: fmt.Sprintf("stage %q not found in workflow type %q", stageKey, workflowType),
	}
}

// NewWorkflowNotActiveError returns a WORKFLOW_NOT_ACTIVE error.
func NewWorkflowNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowNotActive, Message: msg}
}
