// Package contracts defines the wire-level types of the failsafe governance
// runtime: decision requests and responses, triage grades, ledger entries,
// approval records and the error code taxonomy. Everything that crosses the
// HTTP boundary or is persisted to the ledger lives here; behavior lives in
// the packages that consume these types.
package contracts

import "time"

// ActionKind classifies what an agent intends to do. Mutating kinds are
// subject to fail-closed coercion: they can never resolve to a plain ALLOW
// from the base routing rules alone.
type ActionKind string

const (
	ActionRead    ActionKind = "read"
	ActionWrite   ActionKind = "write"
	ActionExecute ActionKind = "execute"
	ActionAdmin   ActionKind = "admin"
	ActionNetwork ActionKind = "network"
)

// Valid reports whether k is one of the five known action kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionRead, ActionWrite, ActionExecute, ActionAdmin, ActionNetwork:
		return true
	}
	return false
}

// Mutating reports whether the action can change state outside the agent.
// Reads are the only non-mutating kind.
func (k ActionKind) Mutating() bool {
	return k.Valid() && k != ActionRead
}

// Verdict is the terminal outcome of an evaluation.
type Verdict string

const (
	VerdictAllow    Verdict = "ALLOW"
	VerdictDeny     Verdict = "DENY"
	VerdictEscalate Verdict = "ESCALATE"
)

// RiskGrade is the policy-level grade assigned by the classifier.
type RiskGrade string

const (
	RiskL1 RiskGrade = "L1"
	RiskL2 RiskGrade = "L2"
	RiskL3 RiskGrade = "L3"
)

// Reasons and required actions stamped by the pipeline. These strings are
// part of the wire contract; downstream automation matches on them.
const (
	ReasonFailClosedMutating = "fail_closed_default_for_mutating_action"

	RequiredActionMutatingReview = "mutating_action_requires_review"
	RequiredActionHumanReview    = "human_review_required"
	RequiredActionL3Approval     = "l3_approval_required"
)

// DecisionRequest is the body of POST /evaluate. RequestId and ActorId key
// the idempotency cache; Action and TargetPath drive triage.
type DecisionRequest struct {
	RequestID  string         `json:"requestId"`
	ActorID    string         `json:"actorId"`
	Action     ActionKind     `json:"action"`
	TargetPath string         `json:"targetPath,omitempty"`
	Content    string         `json:"content,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// DecisionResponse is the evaluation outcome returned to the caller and
// stored in the replay cache. AuditEventID is the ledger entry id of the
// EVALUATION_ROUTED record backing this decision.
type DecisionResponse struct {
	RequestID       string    `json:"requestId"`
	DecisionID      string    `json:"decisionId"`
	AuditEventID    int64     `json:"auditEventId"`
	Decision        Verdict   `json:"decision"`
	RiskGrade       RiskGrade `json:"riskGrade"`
	EvaluationTier  int       `json:"evaluationTier"`
	Reasons         []string  `json:"reasons"`
	RequiredActions []string  `json:"requiredActions"`
	PolicyVersion   string    `json:"policyVersion"`
	EvaluatedAt     Timestamp `json:"evaluatedAt"`
}

// Timestamp marshals as RFC 3339 UTC with millisecond precision, the wire
// format for every timestamp the runtime emits. Hashing depends on the
// persisted string round-tripping exactly, so precision is truncated at
// construction, not at marshal time.
type Timestamp struct {
	time.Time
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// NewTimestamp truncates t to millisecond precision in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timestampLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' {
		b = b[1 : len(b)-1]
	}
	parsed, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return err
	}
	t.Time = parsed.UTC().Truncate(time.Millisecond)
	return nil
}
