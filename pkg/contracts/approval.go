package contracts

// ApprovalState is the lifecycle of an L3 approval request.
type ApprovalState string

const (
	ApprovalQueued             ApprovalState = "QUEUED"
	ApprovalApproved           ApprovalState = "APPROVED"
	ApprovalRejected           ApprovalState = "REJECTED"
	ApprovalApprovedConditions ApprovalState = "APPROVED_WITH_CONDITIONS"
)

// OverseerDecision values accepted by the approval queue.
const (
	OverseerApproved = "APPROVED"
	OverseerRejected = "REJECTED"
)

// L3ApprovalRequest is a tier-3 evaluation parked for human review. ID is
// the originating requestId, so operators decide by the same identifier
// the agent used.
type L3ApprovalRequest struct {
	ID               string        `json:"id"`
	AgentDID         string        `json:"agentDid"`
	AgentTrust       float64       `json:"agentTrust"`
	FilePath         string        `json:"filePath,omitempty"`
	RiskGrade        RiskGrade     `json:"riskGrade"`
	SentinelSummary  string        `json:"sentinelSummary,omitempty"`
	Flags            []string      `json:"flags,omitempty"`
	State            ApprovalState `json:"state"`
	QueuedAt         Timestamp     `json:"queuedAt"`
	SLADeadline      Timestamp     `json:"slaDeadline"`
	OverseerDID      string        `json:"overseerDid,omitempty"`
	OverseerDecision string        `json:"overseerDecision,omitempty"`
	Conditions       []string      `json:"conditions,omitempty"`
	DecidedAt        *Timestamp    `json:"decidedAt,omitempty"`
}
