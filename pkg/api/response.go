// Package api is the HTTP transport over pkg/app: a chi router, its
// middleware chain and the JSON handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/leadflow/leadflow/pkg/engine"
)

// statusForCode maps engine error codes to HTTP status codes.
var statusForCode = map[string]int{
	engine.ErrCodeValidation:        http.StatusBadRequest,
	engine.ErrCodeNotFound:          http.StatusNotFound,
	engine.ErrCodeAlreadyExists:     http.StatusConflict,
	engine.ErrCodeConflict:          http.StatusConflict,
	engine.ErrCodeSlotUnavailable:   http.StatusConflict,
	engine.ErrCodeInvalidTransition: http.StatusUnprocessableEntity,
	engine.ErrCodeConsentRequired:   http.StatusUnprocessableEntity,
	engine.ErrCodeContactBlocked:    http.StatusUnprocessableEntity,
	engine.ErrCodePolicyDenied:      http.StatusForbidden,
	engine.ErrCodeProviderFailed:    http.StatusBadGateway,
	engine.ErrCodeCancelled:         http.StatusServiceUnavailable,
	engine.ErrCodeInternal:          http.StatusInternalServerError,
}

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code     string                 `json:"code"`
	Class    string                 `json:"class,omitempty"`
	Message  string                 `json:"message"`
	Resource string                 `json:"resource,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

type errorResponse struct {
	Error     ErrorBody                 `json:"error"`
	Execution *engine.WorkflowExecution `json:"execution,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error with the status for its code.
// Errors that are not an *engine.EngineError become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err, nil)
}

// writeError is WriteError with the failed execution attached.
func writeError(w http.ResponseWriter, err error, exec *engine.WorkflowExecution) {
	body := ErrorBody{Code: engine.ErrCodeInternal, Message: "internal error"}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		body = ErrorBody{
			Code:     ee.Code,
			Class:    string(ee.Class),
			Message:  ee.Message,
			Resource: ee.Resource,
			Details:  ee.Details,
		}
	}

	status := statusForCode[body.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: body, Execution: exec})
}

// StatusFor returns the HTTP status WriteError uses for err.
func StatusFor(err error) int {
	if status := statusForCode[engine.CodeOf(err)]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}
