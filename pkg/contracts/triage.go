package contracts

// RouterRisk is the router's lexical grade for an event. It is finer than
// RiskGrade: R0 marks an explicit low-risk designation that only policy
// rules may assign, the lexical pass never does.
type RouterRisk string

const (
	RouterRiskR0 RouterRisk = "R0"
	RouterRiskR1 RouterRisk = "R1"
	RouterRiskR2 RouterRisk = "R2"
	RouterRiskR3 RouterRisk = "R3"
)

// Rank orders risks R0 < R1 < R2 < R3. Unknown values rank highest so a
// corrupt grade routes conservatively.
func (r RouterRisk) Rank() int {
	switch r {
	case RouterRiskR0:
		return 0
	case RouterRiskR1:
		return 1
	case RouterRiskR2:
		return 2
	case RouterRiskR3:
		return 3
	}
	return 3
}

// Novelty grades how unfamiliar the target artifact looks.
type Novelty string

const (
	NoveltyLow    Novelty = "low"
	NoveltyMedium Novelty = "medium"
	NoveltyHigh   Novelty = "high"
)

// Rank orders novelty low < medium < high; unknown ranks highest.
func (n Novelty) Rank() int {
	switch n {
	case NoveltyLow:
		return 0
	case NoveltyMedium:
		return 1
	case NoveltyHigh:
		return 2
	}
	return 2
}

// Confidence grades how much the router trusts its inputs. Low confidence
// is the worst grade, so the rank ordering is inverted relative to the
// other two axes: high < medium < low.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Rank orders confidence high < medium < low; unknown ranks worst.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 0
	case ConfidenceMedium:
		return 1
	case ConfidenceLow:
		return 2
	}
	return 2
}

// Event categories with special meaning to the router: both grade as high
// confidence without a sentinel score.
const (
	CategorySystem   = "system"
	CategorySentinel = "sentinel"
)

// CortexEvent is the router's input: either a synthetic event derived from
// a DecisionRequest or an internal event published on the bus.
type CortexEvent struct {
	ID         string         `json:"id"`
	Category   string         `json:"category"`
	Type       string         `json:"type,omitempty"`
	TargetPath string         `json:"targetPath,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Triage is the three-axis grade the router assigns to an event.
type Triage struct {
	Risk       RouterRisk `json:"risk"`
	Novelty    Novelty    `json:"novelty"`
	Confidence Confidence `json:"confidence"`
}

// RoutingDecision is the router's output for one event. InvokeQoreLogic
// asks for the full governance evaluation (tiers 2 and up); WriteLedger
// follows the per-tier ledger map; EnforceSentinel is always true.
type RoutingDecision struct {
	EventID         string   `json:"eventId"`
	Tier            int      `json:"tier"`
	Triage          Triage   `json:"triage"`
	InvokeQoreLogic bool     `json:"invokeQoreLogic"`
	WriteLedger     bool     `json:"writeLedger"`
	EnforceSentinel bool     `json:"enforceSentinel"`
	RequiredActions []string `json:"requiredActions,omitempty"`
}
