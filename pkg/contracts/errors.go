package contracts

// ErrorCode is the machine-readable code carried in the wire error
// envelope {"error":{"code","message","traceId","details"?}}.
type ErrorCode string

// Error is a coded failure. The HTTP layer renders it as the wire
// envelope and stamps TraceID; internal callers match on Code.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	TraceID string         `json:"traceId,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError builds a coded error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches structured context and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

const (
	CodeBadJSON           ErrorCode = "BAD_JSON"
	CodeValidationError   ErrorCode = "VALIDATION_ERROR"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeAuthRequired      ErrorCode = "AUTH_REQUIRED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeMethodNotAllowed  ErrorCode = "METHOD_NOT_ALLOWED"
	CodeReplayConflict    ErrorCode = "REPLAY_CONFLICT"
	CodePayloadTooLarge   ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeModelRequired     ErrorCode = "MODEL_REQUIRED"
	CodeModelNotAllowed   ErrorCode = "MODEL_NOT_ALLOWED"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeGovernanceDeny    ErrorCode = "GOVERNANCE_DENY"
	CodeUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamRejected  ErrorCode = "UPSTREAM_REJECTED"
	CodeNotInitialized    ErrorCode = "NOT_INITIALIZED"
	CodePolicyInvalid     ErrorCode = "POLICY_INVALID"
	CodeEvaluationFailed  ErrorCode = "EVALUATION_FAILED"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
)
