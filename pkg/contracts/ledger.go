package contracts

import "encoding/json"

// EventType tags a ledger entry. The enum is open at the transparency end:
// proxy dispatch events share the same chain as governance events.
type EventType string

const (
	EventEvaluationRouted EventType = "EVALUATION_ROUTED"
	EventAuditPass        EventType = "AUDIT_PASS"
	EventAuditFail        EventType = "AUDIT_FAIL"
	EventL3Queued         EventType = "L3_QUEUED"
	EventL3Approved       EventType = "L3_APPROVED"
	EventL3Rejected       EventType = "L3_REJECTED"
	EventSystem           EventType = "SYSTEM_EVENT"

	EventPromptBuildStarted    EventType = "PROMPT_BUILD_STARTED"
	EventPromptBuildCompleted  EventType = "PROMPT_BUILD_COMPLETED"
	EventPromptDispatched      EventType = "PROMPT_DISPATCHED"
	EventPromptDispatchBlocked EventType = "PROMPT_DISPATCH_BLOCKED"
)

// LedgerEntry is one record of the append-only audit chain.
//
// ContentHash covers the canonical JSON of every field except the three
// hash fields themselves; ChainHash binds the entry to its predecessor:
// sha256(hex(contentHash) || hex(previousHash)). The first entry links to
// the genesis constant.
type LedgerEntry struct {
	ID                 int64           `json:"id"`
	EventType          EventType       `json:"eventType"`
	AgentDID           string          `json:"agentDid,omitempty"`
	AgentTrustAtAction *float64        `json:"agentTrustAtAction,omitempty"`
	ArtifactPath       string          `json:"artifactPath,omitempty"`
	RiskGrade          RiskGrade       `json:"riskGrade,omitempty"`
	OverseerDID        string          `json:"overseerDid,omitempty"`
	OverseerDecision   string          `json:"overseerDecision,omitempty"`
	Payload            json.RawMessage `json:"payload"`
	ContentHash        string          `json:"contentHash"`
	PreviousHash       string          `json:"previousHash"`
	ChainHash          string          `json:"chainHash"`
	Timestamp          Timestamp       `json:"timestamp"`
}
