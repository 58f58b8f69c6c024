package contracts

// GenomeSchemaVersion is the current shadow genome record version. Readers
// accept any ^1 version.
const GenomeSchemaVersion = "1.0.0"

// SentinelVerdict is the outcome of an external sentinel check on an
// agent action. Anything other than PASS is archived to the shadow genome.
type SentinelVerdict string

const (
	SentinelPass       SentinelVerdict = "PASS"
	SentinelWarn       SentinelVerdict = "WARN"
	SentinelBlock      SentinelVerdict = "BLOCK"
	SentinelEscalate   SentinelVerdict = "ESCALATE"
	SentinelQuarantine SentinelVerdict = "QUARANTINE"
)

// FailureMode classifies an archived failure for pattern queries.
type FailureMode string

const (
	FailureTrustViolation FailureMode = "TRUST_VIOLATION"
	FailureSpecViolation  FailureMode = "SPEC_VIOLATION"
	FailureHighComplexity FailureMode = "HIGH_COMPLEXITY"
	FailureLogicError     FailureMode = "LOGIC_ERROR"
	FailureOther          FailureMode = "OTHER"
)

// FailureModeFor maps a non-PASS sentinel verdict to its failure mode.
func FailureModeFor(v SentinelVerdict) FailureMode {
	switch v {
	case SentinelQuarantine:
		return FailureTrustViolation
	case SentinelBlock:
		return FailureSpecViolation
	case SentinelEscalate:
		return FailureHighComplexity
	case SentinelWarn:
		return FailureLogicError
	}
	return FailureOther
}

// GenomeInput captures what the agent was doing when the sentinel fired.
type GenomeInput struct {
	Summary    string     `json:"summary,omitempty"`
	TargetPath string     `json:"targetPath,omitempty"`
	Action     ActionKind `json:"action,omitempty"`
}

// ShadowGenome is one archived failure record. CausalVector lists the
// contributing signals in the order they were observed.
type ShadowGenome struct {
	SchemaVersion     string      `json:"schemaVersion"`
	ID                string      `json:"id"`
	CreatedAt         Timestamp   `json:"createdAt"`
	AgentDID          string      `json:"agentDid"`
	InputVector       GenomeInput `json:"inputVector"`
	FailureMode       FailureMode `json:"failureMode"`
	CausalVector      []string    `json:"causalVector,omitempty"`
	RemediationStatus string      `json:"remediationStatus"`
}
