// Package api is the HTTP surface of the governance runtime: the evaluate
// and policy endpoints, the governed LLM proxy, the operator admin routes
// and the ops metrics listener. Handlers never leak internal error text;
// every failure renders the wire envelope with a coded error and a fresh
// trace id.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// errorBody is the wire envelope: {"error":{code,message,traceId,details?}}.
type errorBody struct {
	Error *contracts.Error `json:"error"`
}

// statusFor maps an error code to its HTTP status. Unknown codes are
// internal failures.
func statusFor(code contracts.ErrorCode) int {
	switch code {
	case contracts.CodeBadJSON:
		return http.StatusBadRequest
	case contracts.CodeValidationError:
		return http.StatusUnprocessableEntity
	case contracts.CodeUnauthorized, contracts.CodeAuthRequired:
		return http.StatusUnauthorized
	case contracts.CodeForbidden, contracts.CodeModelNotAllowed, contracts.CodeGovernanceDeny:
		return http.StatusForbidden
	case contracts.CodeNotFound:
		return http.StatusNotFound
	case contracts.CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case contracts.CodeReplayConflict:
		return http.StatusConflict
	case contracts.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case contracts.CodeModelRequired:
		return http.StatusUnprocessableEntity
	case contracts.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case contracts.CodeUpstreamRejected:
		return http.StatusBadGateway
	case contracts.CodeNotInitialized:
		return http.StatusServiceUnavailable
	case contracts.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case contracts.CodePolicyInvalid, contracts.CodeEvaluationFailed:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// WriteError renders e as the wire envelope, stamping a fresh trace id if
// the error does not carry one.
func WriteError(w http.ResponseWriter, e *contracts.Error) {
	if e.TraceID == "" {
		e.TraceID = uuid.New().String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(e.Code))
	_ = json.NewEncoder(w).Encode(errorBody{Error: e})
}

// WriteCode is WriteError for the common no-details case.
func WriteCode(w http.ResponseWriter, code contracts.ErrorCode, message string) {
	WriteError(w, contracts.NewError(code, message))
}

// renderError maps any pipeline error to the envelope. Coded errors pass
// through; everything else becomes INTERNAL_ERROR with a generic message.
func renderError(w http.ResponseWriter, err error) {
	var coded *contracts.Error
	if errors.As(err, &coded) {
		WriteError(w, coded)
		return
	}
	WriteCode(w, contracts.CodeInternalError, "unexpected failure")
}

// writeJSON renders v with status. Encoding failures are unrecoverable at
// this point (headers are out), so they are ignored.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	WriteCode(w, contracts.CodeNotFound, "no such route")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	WriteCode(w, contracts.CodeMethodNotAllowed, "method not supported on this route")
}
