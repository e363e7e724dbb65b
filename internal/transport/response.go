// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the approval workflow API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/complyvue/approvald/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:    http.StatusBadRequest,
	model.ErrUnauthorized:  http.StatusUnauthorized,
	model.ErrNotFound:      http.StatusNotFound,
	model.ErrValidation:    http.StatusUnprocessableEntity,
	model.ErrAuthorization: http.StatusForbidden,
	model.ErrWorkflowState: http.StatusConflict,
	model.ErrConflict:      http.StatusConflict,
	model.ErrInternalError: http.StatusInternalServerError,
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
// HTTP status code. If err is not an *ErrorEnvelope, a generic 500 is returned.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}
