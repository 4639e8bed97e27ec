// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the admin API and the public signing routes.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pitabwire/covenant/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:            http.StatusBadRequest,
	model.ErrUnauthorized:          http.StatusUnauthorized,
	model.ErrForbidden:             http.StatusForbidden,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrConflict:              http.StatusConflict,
	model.ErrValidationError:       http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:     http.StatusUnprocessableEntity,
	model.ErrRateLimited:           http.StatusTooManyRequests,
	model.ErrInternalError:         http.StatusInternalServerError,
	model.ErrUnavailable:           http.StatusServiceUnavailable,
	model.ErrWorkflowAlreadyActive: http.StatusConflict,
	model.ErrTemplateNotPublished:  http.StatusNotFound,
	model.ErrStaleTransition:       http.StatusConflict,
	model.ErrInvalidToken:          http.StatusForbidden,
	model.ErrExpiredToken:          http.StatusForbidden,
	model.ErrTokenAlreadyUsed:      http.StatusForbidden,
	model.ErrSessionInactive:       http.StatusConflict,
	model.ErrImmutableRecord:       http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err. Errors without an envelope
// are internal errors.
func StatusFor(err error) int {
	status := statusForCode[model.ErrorCode(err)]
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

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err carries no *ErrorEnvelope, a generic 500 is
// returned and the cause is not exposed.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// decodeJSON reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return model.NewBadRequestError("request body too large")
	}
	return model.NewBadRequestError("invalid JSON body")
}
