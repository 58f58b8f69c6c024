// Package runtime is the evaluation core: it takes decision requests
// through validation, replay protection, policy grading, triage routing,
// verdict assembly and ledger audit, and answers health probes over the
// assembled subsystems.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/qorelogic/failsafe/pkg/approval"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/events"
	"github.com/qorelogic/failsafe/pkg/ledger"
	"github.com/qorelogic/failsafe/pkg/observability"
	"github.com/qorelogic/failsafe/pkg/policy"
	"github.com/qorelogic/failsafe/pkg/replay"
	"github.com/qorelogic/failsafe/pkg/router"
	"github.com/qorelogic/failsafe/pkg/trust"
)

// Config wires a Runtime. Policies, Router, Ledger, Guard, Trust and
// Approvals are required; the rest default to off or no-op.
type Config struct {
	Policies  policy.Provider
	Router    *router.Router
	Ledger    ledger.Store
	Guard     *replay.Guard
	Trust     *trust.Engine
	Approvals *approval.Queue
	Bus       *events.Bus
	Registry  *Registry
	Strict    bool
	PreHook   PreHook
	PostHook  PostHook
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Runtime evaluates decision requests. Safe for concurrent use after
// Initialize.
type Runtime struct {
	policies  policy.Provider
	router    *router.Router
	ledger    ledger.Store
	guard     *replay.Guard
	trust     *trust.Engine
	approvals *approval.Queue
	bus       *events.Bus
	registry  *Registry
	strict    bool
	preHook   PreHook
	postHook  PostHook
	logger    *slog.Logger
	now       func() time.Time

	initialized atomic.Bool
}

// New validates the wiring. The runtime is not usable until Initialize.
func New(cfg Config) (*Runtime, error) {
	switch {
	case cfg.Policies == nil:
		return nil, fmt.Errorf("runtime: config requires Policies")
	case cfg.Router == nil:
		return nil, fmt.Errorf("runtime: config requires Router")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("runtime: config requires Ledger")
	case cfg.Guard == nil:
		return nil, fmt.Errorf("runtime: config requires Guard")
	case cfg.Trust == nil:
		return nil, fmt.Errorf("runtime: config requires Trust")
	case cfg.Approvals == nil:
		return nil, fmt.Errorf("runtime: config requires Approvals")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Runtime{
		policies:  cfg.Policies,
		router:    cfg.Router,
		ledger:    cfg.Ledger,
		guard:     cfg.Guard,
		trust:     cfg.Trust,
		approvals: cfg.Approvals,
		bus:       cfg.Bus,
		registry:  cfg.Registry,
		strict:    cfg.Strict,
		preHook:   cfg.PreHook,
		postHook:  cfg.PostHook,
		logger:    cfg.Logger,
		now:       cfg.Clock,
	}, nil
}

// Initialize opens the ledger (recovering a torn tail if present), stamps
// the boot event and marks the runtime ready.
func (r *Runtime) Initialize(ctx context.Context) error {
	if r.initialized.Load() {
		return nil
	}
	if err := r.ledger.Initialize(ctx); err != nil {
		return fmt.Errorf("runtime: initialize ledger: %w", err)
	}

	version := r.policies.Snapshot().Version
	if _, err := r.ledger.Append(ctx, ledger.Draft{
		EventType: contracts.EventSystem,
		Payload: map[string]any{
			"event":         "runtime_initialized",
			"policyVersion": version,
		},
	}); err != nil {
		return fmt.Errorf("runtime: record initialization: %w", err)
	}

	r.initialized.Store(true)
	r.logger.Info("runtime initialized", slog.String("policyVersion", version))
	return nil
}

// PolicyVersion reports the active policy set version.
func (r *Runtime) PolicyVersion() string {
	return r.policies.Snapshot().Version
}

// Evaluate runs one request through the pipeline and returns the verdict.
// Failures carry a *contracts.Error with the wire code.
func (r *Runtime) Evaluate(ctx context.Context, req contracts.DecisionRequest) (contracts.DecisionResponse, error) {
	ctx, span := observability.StartSpan(ctx, "governance.evaluate")
	defer span.End()

	if !r.initialized.Load() {
		return contracts.DecisionResponse{}, contracts.NewError(
			contracts.CodeNotInitialized, "runtime not initialized")
	}

	if pointers := validateRequest(req); len(pointers) > 0 {
		return contracts.DecisionResponse{}, contracts.NewError(
			contracts.CodeValidationError, "request failed validation").
			WithDetails(map[string]any{"pointers": pointers})
	}

	if resp, hit, err := r.guard.Check(req); err != nil {
		if errors.Is(err, replay.ErrConflict) {
			return contracts.DecisionResponse{}, contracts.NewError(
				contracts.CodeReplayConflict, "request id reused with a different payload")
		}
		return contracts.DecisionResponse{}, contracts.NewError(
			contracts.CodeInternalError, "replay check failed")
	} else if hit {
		r.logger.Info("replayed decision",
			slog.String("requestId", req.RequestID), slog.String("actorId", req.ActorID))
		return resp, nil
	}

	if r.preHook != nil {
		if resp, handled := r.runPreHook(ctx, req); handled {
			return resp, nil
		}
	}

	snap := r.policies.Snapshot()
	grade := snap.Grade(req.TargetPath, req.Content)

	decision := r.router.Route(contracts.CortexEvent{
		ID:         req.RequestID,
		Category:   string(req.Action),
		TargetPath: req.TargetPath,
		Payload: map[string]any{
			"action":      string(req.Action),
			"contentSize": int64(len(req.Content)),
		},
	})

	verdict, reasons, actions := r.assembleVerdict(req, grade, decision)

	agent := r.trust.Ensure(req.ActorID)
	entry, err := r.ledger.Append(ctx, ledger.Draft{
		EventType:          contracts.EventEvaluationRouted,
		AgentDID:           agent.DID,
		AgentTrustAtAction: &agent.Trust,
		ArtifactPath:       req.TargetPath,
		RiskGrade:          grade,
		Payload: map[string]any{
			"requestId":     req.RequestID,
			"triage":        decision.Triage,
			"tier":          decision.Tier,
			"decision":      verdict,
			"policyVersion": snap.Version,
		},
	})
	if err != nil {
		r.logger.Error("ledger append failed",
			slog.String("requestId", req.RequestID), slog.String("error", err.Error()))
		return contracts.DecisionResponse{}, contracts.NewError(
			contracts.CodeInternalError, "audit ledger unavailable")
	}

	if decision.Tier >= 3 && verdict != contracts.VerdictAllow {
		if _, err := r.approvals.Enqueue(ctx, contracts.L3ApprovalRequest{
			ID:         req.RequestID,
			AgentDID:   agent.DID,
			AgentTrust: agent.Trust,
			FilePath:   req.TargetPath,
			RiskGrade:  grade,
			Flags:      actions,
		}); err != nil {
			r.logger.Error("l3 enqueue failed",
				slog.String("requestId", req.RequestID), slog.String("error", err.Error()))
		}
	}

	resp := contracts.DecisionResponse{
		RequestID:       req.RequestID,
		DecisionID:      uuid.New().String(),
		AuditEventID:    entry.ID,
		Decision:        verdict,
		RiskGrade:       grade,
		EvaluationTier:  decision.Tier,
		Reasons:         reasons,
		RequiredActions: actions,
		PolicyVersion:   snap.Version,
		EvaluatedAt:     contracts.NewTimestamp(r.now()),
	}

	if r.postHook != nil {
		resp.Reasons = append(resp.Reasons, r.postHook(ctx, req, resp)...)
	}

	span.SetAttributes(
		attribute.String("decision", string(resp.Decision)),
		attribute.String("riskGrade", string(resp.RiskGrade)),
		attribute.Int("tier", resp.EvaluationTier),
	)

	r.guard.Set(req, resp)
	r.publishVerdict(req, resp)

	r.logger.Info("evaluated",
		slog.String("requestId", req.RequestID),
		slog.String("actorId", req.ActorID),
		slog.String("decision", string(verdict)),
		slog.Int("tier", decision.Tier),
		slog.String("riskGrade", string(grade)))
	return resp, nil
}

// assembleVerdict applies the base decision table and the fail-closed
// coercion for mutating actions.
func (r *Runtime) assembleVerdict(req contracts.DecisionRequest, grade contracts.RiskGrade,
	decision contracts.RoutingDecision) (contracts.Verdict, []string, []string) {
	verdict := contracts.VerdictAllow
	actions := append([]string(nil), decision.RequiredActions...)
	var extra []string

	switch {
	case decision.Tier >= 3 || grade == contracts.RiskL3:
		verdict = contracts.VerdictDeny
		actions = appendUnique(actions, contracts.RequiredActionHumanReview)
	case decision.Tier == 2 || r.strict:
		verdict = contracts.VerdictEscalate
		actions = appendUnique(actions, contracts.RequiredActionL3Approval)
	}

	// A mutating action never resolves to a plain ALLOW.
	if verdict == contracts.VerdictAllow && req.Action.Mutating() {
		verdict = contracts.VerdictEscalate
		extra = append(extra, contracts.ReasonFailClosedMutating)
		actions = appendUnique(actions, contracts.RequiredActionMutatingReview)
	}

	reasons := []string{
		"policyRisk=" + string(grade),
		"routerRisk=" + string(decision.Triage.Risk),
		"novelty=" + string(decision.Triage.Novelty),
		"confidence=" + string(decision.Triage.Confidence),
	}
	reasons = append(reasons, extra...)
	return verdict, reasons, actions
}

// runPreHook lets the configured hook pre-decide a request. Its decision
// is ledgered and replay-cached like a pipeline verdict. Hook errors fall
// back to the normal pipeline.
func (r *Runtime) runPreHook(ctx context.Context, req contracts.DecisionRequest) (contracts.DecisionResponse, bool) {
	resp, handled, err := r.preHook(ctx, req)
	if err != nil {
		r.logger.Warn("pre-hook failed, continuing pipeline",
			slog.String("requestId", req.RequestID), slog.String("error", err.Error()))
		return contracts.DecisionResponse{}, false
	}
	if !handled {
		return contracts.DecisionResponse{}, false
	}

	agent := r.trust.Ensure(req.ActorID)
	entry, err := r.ledger.Append(ctx, ledger.Draft{
		EventType:          contracts.EventEvaluationRouted,
		AgentDID:           agent.DID,
		AgentTrustAtAction: &agent.Trust,
		ArtifactPath:       req.TargetPath,
		RiskGrade:          resp.RiskGrade,
		Payload: map[string]any{
			"requestId": req.RequestID,
			"decision":  resp.Decision,
			"source":    "pre_hook",
		},
	})
	if err != nil {
		r.logger.Error("ledger append failed for pre-hook decision",
			slog.String("requestId", req.RequestID), slog.String("error", err.Error()))
		return contracts.DecisionResponse{}, false
	}

	resp.RequestID = req.RequestID
	resp.AuditEventID = entry.ID
	if resp.DecisionID == "" {
		resp.DecisionID = uuid.New().String()
	}
	if resp.PolicyVersion == "" {
		resp.PolicyVersion = r.policies.Snapshot().Version
	}
	resp.EvaluatedAt = contracts.NewTimestamp(r.now())

	r.guard.Set(req, resp)
	return resp, true
}

// publishVerdict feeds non-ALLOW outcomes to the sentinel verdict topic,
// where the shadow genome picks them up.
func (r *Runtime) publishVerdict(req contracts.DecisionRequest, resp contracts.DecisionResponse) {
	if r.bus == nil || resp.Decision == contracts.VerdictAllow {
		return
	}
	verdict := contracts.SentinelEscalate
	if resp.Decision == contracts.VerdictDeny {
		verdict = contracts.SentinelBlock
	}
	r.bus.Publish(events.TopicSentinelVerdict, events.VerdictNotice{
		AgentDID:   req.ActorID,
		Verdict:    verdict,
		Summary:    "evaluation " + string(resp.Decision),
		TargetPath: req.TargetPath,
		Action:     req.Action,
		Causes:     resp.Reasons,
	})
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status          string                   `json:"status"`
	Initialized     bool                     `json:"initialized"`
	PolicyLoaded    bool                     `json:"policyLoaded"`
	LedgerAvailable bool                     `json:"ledgerAvailable"`
	PolicyVersion   string                   `json:"policyVersion"`
	Timestamp       contracts.Timestamp      `json:"timestamp"`
	Services        map[string]ServiceStatus `json:"services"`
}

// Health reports runtime readiness and the last-known state of registered
// helper services.
func (r *Runtime) Health() HealthStatus {
	snap := r.policies.Snapshot()
	initialized := r.initialized.Load()

	version := ""
	if snap != nil {
		version = snap.Version
	}

	services := map[string]ServiceStatus{}
	if r.registry != nil {
		services = r.registry.Snapshot()
	}

	status := "ok"
	if !initialized {
		status = "initializing"
	}
	return HealthStatus{
		Status:          status,
		Initialized:     initialized,
		PolicyLoaded:    snap != nil,
		LedgerAvailable: initialized,
		PolicyVersion:   version,
		Timestamp:       contracts.NewTimestamp(r.now()),
		Services:        services,
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
