// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/stagegate/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrUnauthorized:           http.StatusUnauthorized,
	model.ErrForbidden:              http.StatusForbidden,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrValidationError:        http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:      http.StatusUnprocessableEntity,
	model.ErrInternalError:          http.StatusInternalServerError,
	model.ErrStageLocked:            http.StatusConflict,
	model.ErrStageUnauthorized:      http.StatusForbidden,
	model.ErrInsufficientEvidence:   http.StatusUnprocessableEntity,
	model.ErrDuplicateApproval:      http.StatusConflict,
	model.ErrMissingRejectionReason: http.StatusUnprocessableEntity,
	model.ErrStaleVersion:           http.StatusConflict,
	model.ErrStageTerminal:          http.StatusConflict,
	model.ErrUnknownWorkflowType:    http.StatusNotFound,
	model.ErrUnknownStage:           http.StatusNotFound,
	model.ErrWorkflowNotActive:      http.StatusConflict,
	errPayloadTooLarge:              http.StatusRequestEntityTooLarge,
}

// errPayloadTooLarge is returned when a request body exceeds the configured
// limit.
const errPayloadTooLarge = "PAYLOAD_TOO_LARGE"

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// dataResponse wraps list payloads.
type dataResponse struct {
	Data any       `json:"data"`
	Meta *pageMeta `json:"meta,omitempty"`
}

type pageMeta struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
}

// StatusForError returns the HTTP status an error is written with.
func StatusForError(err error) int {
	status := statusForCode[model.CodeOf(err)]
	if status == 0 {
		return http.StatusInternalServerError
	}
	return status
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusForError(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}

// WritePayloadTooLarge writes a 413 error response.
func WritePayloadTooLarge(w http.ResponseWriter, msg string) {
	WriteError(w, &model.ErrorEnvelope{Code: errPayloadTooLarge, Message: msg})
}
