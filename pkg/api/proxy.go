package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/qorelogic/failsafe/pkg/canonical"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/ledger"
	"github.com/qorelogic/failsafe/pkg/observability"
)

const (
	defaultUpstreamTimeout = 8 * time.Second
	maxUpstreamResponse    = 4 << 20
	unknownModel           = "unknown"
	proxyTargetPath        = "zo/ask_prompt"
)

// ProxyConfig configures the governed LLM relay.
type ProxyConfig struct {
	UpstreamURL   string
	AllowedModels []string
	RequireModel  bool
	Timeout       time.Duration
	Client        *http.Client
}

// zoAskRequest is the proxy body. Only prompt is required; the rest are
// routing hints echoed into the transparency events.
type zoAskRequest struct {
	Prompt  string         `json:"prompt"`
	Model   string         `json:"model,omitempty"`
	Target  string         `json:"target,omitempty"`
	Profile string         `json:"profile,omitempty"`
	Surface string         `json:"surface,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// upstreamStatusError marks a non-2xx upstream answer so the breaker
// counts it as a failure while the handler can still read the status.
type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

type upstreamResult struct {
	status      int
	contentType string
	body        []byte
}

// upstreamRelay forwards approved prompts through a circuit breaker so a
// dead upstream sheds load fast instead of tying up every worker for the
// full timeout.
type upstreamRelay struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration

	allowed map[string]struct{}
	require bool
}

func newUpstreamRelay(cfg ProxyConfig, logger *slog.Logger) *upstreamRelay {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedModels))
	for _, m := range cfg.AllowedModels {
		if m = strings.TrimSpace(m); m != "" {
			allowed[m] = struct{}{}
		}
	}

	return &upstreamRelay{
		url:     cfg.UpstreamURL,
		client:  client,
		timeout: timeout,
		allowed: allowed,
		require: cfg.RequireModel,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "zo-upstream",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("upstream breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// checkModel applies the proxy model policy.
func (u *upstreamRelay) checkModel(model string) *contracts.Error {
	if u.require && model == unknownModel {
		return contracts.NewError(contracts.CodeModelRequired, "request must name a model")
	}
	if len(u.allowed) > 0 {
		if _, ok := u.allowed[model]; !ok {
			return contracts.NewError(contracts.CodeModelNotAllowed, "model is not on the allowlist").
				WithDetails(map[string]any{"model": model})
		}
	}
	return nil
}

// forward posts the raw body upstream under the relay timeout. The breaker
// wraps the whole exchange including the body read.
func (u *upstreamRelay) forward(ctx context.Context, body []byte, contentType string) (upstreamResult, error) {
	out, err := u.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, u.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := u.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponse))
		if err != nil {
			return nil, err
		}
		result := upstreamResult{
			status:      resp.StatusCode,
			contentType: resp.Header.Get("Content-Type"),
			body:        payload,
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return result, &upstreamStatusError{status: resp.StatusCode}
		}
		return result, nil
	})
	if result, ok := out.(upstreamResult); ok {
		return result, err
	}
	return upstreamResult{}, err
}

// handleZoAsk is the governed LLM proxy. Every prompt leaves a redacted
// transparency trail in the ledger whether or not it is dispatched; the
// prompt text itself never lands anywhere but the upstream request.
func (s *Server) handleZoAsk(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxProxyBody)
	if !ok {
		return
	}

	actorID, authErr := s.verifyActorProof(r, body)
	if authErr != nil {
		WriteError(w, authErr)
		return
	}

	var req zoAskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteCode(w, contracts.CodeBadJSON, "request body is not valid json")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		WriteCode(w, contracts.CodeValidationError, "prompt must not be empty")
		return
	}

	model := req.Model
	if model == "" {
		model = unknownModel
	}
	if policyErr := s.relay.checkModel(model); policyErr != nil {
		WriteError(w, policyErr)
		return
	}

	traceID := uuid.New().String()
	promptSha := canonical.HashString(req.Prompt)
	redacted := map[string]any{
		"promptSha256": promptSha,
		"promptLength": len(req.Prompt),
		"actorId":      actorID,
		"model":        model,
		"target":       req.Target,
		"profile":      req.Profile,
		"surface":      req.Surface,
		"traceId":      traceID,
	}

	if !s.appendProxyEvent(r.Context(), w, contracts.EventPromptBuildStarted, actorID, redacted) {
		return
	}

	contextHash, err := canonical.Hash(req.Context)
	if err != nil {
		WriteCode(w, contracts.CodeEvaluationFailed, "could not derive the governance request")
		return
	}
	requestID := "zoask_" + canonical.HashString(actorID+req.Prompt+contextHash)[:24]

	if !s.appendProxyEvent(r.Context(), w, contracts.EventPromptBuildCompleted, actorID, redacted) {
		return
	}

	decision := contracts.DecisionRequest{
		RequestID:  requestID,
		ActorID:    actorID,
		Action:     classifyPrompt(req.Prompt),
		TargetPath: proxyTargetPath,
		Content:    req.Prompt,
		Context:    req.Context,
	}
	resp, err := s.runtime.Evaluate(r.Context(), decision)
	if err != nil {
		var coded *contracts.Error
		if errors.As(err, &coded) {
			WriteError(w, coded)
			return
		}
		// An uncoded failure means the governance phase produced no verdict.
		WriteCode(w, contracts.CodeEvaluationFailed, "governance evaluation did not complete")
		return
	}

	if resp.Decision != contracts.VerdictAllow {
		blocked := map[string]any{
			"requestId":    requestID,
			"decisionId":   resp.DecisionID,
			"decision":     resp.Decision,
			"promptSha256": promptSha,
			"traceId":      traceID,
		}
		if !s.appendProxyEvent(r.Context(), w, contracts.EventPromptDispatchBlocked, actorID, blocked) {
			return
		}
		if !s.appendProxyEvent(r.Context(), w, contracts.EventAuditFail, actorID, map[string]any{
			"requestId":  requestID,
			"decisionId": resp.DecisionID,
			"cause":      "governance_deny",
			"traceId":    traceID,
		}) {
			return
		}
		if s.metrics != nil {
			s.metrics.RecordProxyOutcome(observability.ProxyOutcomeBlocked)
		}
		e := contracts.NewError(contracts.CodeGovernanceDeny, "prompt dispatch blocked by governance").
			WithDetails(map[string]any{"decisionId": resp.DecisionID, "decision": resp.Decision})
		e.TraceID = traceID
		WriteError(w, e)
		return
	}

	if !s.appendProxyEvent(r.Context(), w, contracts.EventPromptDispatched, actorID, map[string]any{
		"requestId":    requestID,
		"decisionId":   resp.DecisionID,
		"model":        model,
		"promptSha256": promptSha,
		"traceId":      traceID,
	}) {
		return
	}

	result, upstreamErr := s.relay.forward(r.Context(), body, r.Header.Get("Content-Type"))
	if upstreamErr != nil {
		s.finishUpstreamFailure(r.Context(), w, actorID, requestID, resp.DecisionID, traceID, result, upstreamErr)
		return
	}

	if !s.appendProxyEvent(r.Context(), w, contracts.EventAuditPass, actorID, map[string]any{
		"requestId":      requestID,
		"decisionId":     resp.DecisionID,
		"upstreamStatus": result.status,
		"traceId":        traceID,
	}) {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordProxyOutcome(observability.ProxyOutcomeRelayed)
	}

	if result.contentType != "" {
		w.Header().Set("Content-Type", result.contentType)
	}
	w.WriteHeader(result.status)
	w.Write(result.body)
}

// finishUpstreamFailure maps a forwarding error to its wire code and
// records the AUDIT_FAIL trail. The governance ALLOW stands; only the
// dispatch failed.
func (s *Server) finishUpstreamFailure(ctx context.Context, w http.ResponseWriter,
	actorID, requestID, decisionID, traceID string, result upstreamResult, err error) {

	var cause string
	var e *contracts.Error
	var outcome string

	var statusErr *upstreamStatusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		cause = "breaker_open"
		outcome = observability.ProxyOutcomeBreakerOpen
		e = contracts.NewError(contracts.CodeUpstreamRejected, "upstream circuit breaker is open")
	case errors.Is(err, context.DeadlineExceeded):
		cause = "upstream_timeout"
		outcome = observability.ProxyOutcomeUpstreamTimeout
		e = contracts.NewError(contracts.CodeUpstreamTimeout, "upstream did not answer in time")
	case errors.As(err, &statusErr):
		cause = fmt.Sprintf("upstream_status_%d", statusErr.status)
		outcome = observability.ProxyOutcomeUpstreamRejected
		e = contracts.NewError(contracts.CodeUpstreamRejected, "upstream rejected the request").
			WithDetails(map[string]any{"upstreamStatus": result.status})
	default:
		cause = "upstream_unreachable"
		outcome = observability.ProxyOutcomeUpstreamRejected
		e = contracts.NewError(contracts.CodeUpstreamRejected, "upstream request failed")
	}

	if !s.appendProxyEvent(ctx, w, contracts.EventAuditFail, actorID, map[string]any{
		"requestId":  requestID,
		"decisionId": decisionID,
		"cause":      cause,
		"traceId":    traceID,
	}) {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordProxyOutcome(outcome)
	}
	e.TraceID = traceID
	WriteError(w, e)
}

// appendProxyEvent writes a transparency entry, failing the request when
// the ledger refuses: a proxy that cannot leave a trail must not dispatch.
func (s *Server) appendProxyEvent(ctx context.Context, w http.ResponseWriter,
	eventType contracts.EventType, actorID string, payload map[string]any) bool {

	_, err := s.ledger.Append(ctx, ledger.Draft{
		EventType:    eventType,
		AgentDID:     actorID,
		ArtifactPath: proxyTargetPath,
		Payload:      payload,
	})
	if err != nil {
		s.logger.Error("proxy ledger append failed",
			"eventType", string(eventType), "error", err)
		WriteCode(w, contracts.CodeInternalError, "audit trail write failed")
		return false
	}
	return true
}

// Prompt classifier verb lists, checked in precedence order: a prompt
// asking to run something is execute even if it also mentions writing.
var (
	executeVerbs = []string{"run ", "execute", "exec ", "shell", "sudo ", "spawn", "command"}
	networkVerbs = []string{"curl", "fetch", "http://", "https://", "download", "upload", "request to"}
	writeVerbs   = []string{"write", "create", "delete", "update", "modify", "save", "remove", "install", "edit"}
)

// classifyPrompt maps free prompt text to the action kind the governance
// pipeline evaluates. Unrecognized prompts are reads: the cheapest grade,
// still subject to policy.
func classifyPrompt(prompt string) contracts.ActionKind {
	p := strings.ToLower(prompt)
	for _, v := range executeVerbs {
		if strings.Contains(p, v) {
			return contracts.ActionExecute
		}
	}
	for _, v := range networkVerbs {
		if strings.Contains(p, v) {
			return contracts.ActionNetwork
		}
	}
	for _, v := range writeVerbs {
		if strings.Contains(p, v) {
			return contracts.ActionWrite
		}
	}
	return contracts.ActionRead
}
