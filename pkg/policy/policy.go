// Package policy loads and serves the governance policy set: risk grading,
// citation policy and trust dynamics. The three files are validated against
// embedded JSON Schemas, version-gated with semver, and hashed together into
// the policyVersion stamped on every decision:
//
//	policyVersion = sha256(risk_grading.json || citation_policy.json || trust_dynamics.json)
//
// in that fixed order, over the raw bytes. Any byte change anywhere changes
// the version.
package policy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/qorelogic/failsafe/pkg/canonical"
)

//go:embed defaults/risk_grading.json
var defaultRiskGrading []byte

//go:embed defaults/citation_policy.json
var defaultCitationPolicy []byte

//go:embed defaults/trust_dynamics.json
var defaultTrustDynamics []byte

// File names expected inside a policy directory.
const (
	RiskGradingFile    = "risk_grading.json"
	CitationPolicyFile = "citation_policy.json"
	TrustDynamicsFile  = "trust_dynamics.json"
)

// ErrInvalid wraps every policy load failure; the HTTP layer maps it to
// POLICY_INVALID.
var ErrInvalid = errors.New("policy: invalid")

// schemaConstraint gates the schemaVersion of every policy file.
var schemaConstraint = mustConstraint("^1")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// RiskRule is an optional CEL rule in risk_grading.json. Expr evaluates
// with variables path (string), action (string) and size (int) and returns
// a router risk grade ("R0".."R3") or "" to pass.
type RiskRule struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// RiskPolicy drives both the router's lexical grading and the pipeline's
// policy-level classifier.
type RiskPolicy struct {
	SchemaVersion         string     `json:"schemaVersion"`
	HighRiskMarkers       []string   `json:"highRiskMarkers"`
	MediumRiskMarkers     []string   `json:"mediumRiskMarkers"`
	SecretContentPatterns []string   `json:"secretContentPatterns"`
	Rules                 []RiskRule `json:"rules,omitempty"`
}

// CitationPolicy configures source-citation requirements for generated
// content. It participates in the policy version; enforcement is owned by
// downstream tooling.
type CitationPolicy struct {
	SchemaVersion  string   `json:"schemaVersion"`
	Enforce        bool     `json:"enforce"`
	MinSources     int      `json:"minSources"`
	TrustedDomains []string `json:"trustedDomains,omitempty"`
}

// TrustDynamics configures agent trust: the starting score and the nudges
// applied by L3 approval outcomes, clamped to [Floor, Ceiling].
type TrustDynamics struct {
	SchemaVersion  string  `json:"schemaVersion"`
	InitialTrust   float64 `json:"initialTrust"`
	ApprovalDelta  float64 `json:"approvalDelta"`
	RejectionDelta float64 `json:"rejectionDelta"`
	Floor          float64 `json:"floor"`
	Ceiling        float64 `json:"ceiling"`
}

// Snapshot is one immutable, fully-compiled policy set. Hot reload swaps
// whole snapshots; consumers never see a partially-updated policy.
type Snapshot struct {
	Version  string
	Risk     RiskPolicy
	Citation CitationPolicy
	Trust    TrustDynamics

	classifier *classifier
}

// Provider hands out the current snapshot. The static provider returns a
// fixed one; the Watcher swaps on file changes.
type Provider interface {
	Snapshot() *Snapshot
}

// Static is a Provider over a fixed snapshot.
type Static struct{ S *Snapshot }

// Snapshot implements Provider.
func (s Static) Snapshot() *Snapshot { return s.S }

// LoadOption tunes Load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	skipRules bool
}

// SkipRules loads the policy set without compiling its CEL rules, leaving
// only the lexical grading pass. The policy version is unaffected: it
// hashes the file bytes, not the compiled form.
func SkipRules() LoadOption {
	return func(c *loadConfig) { c.skipRules = true }
}

// Load reads and compiles the policy set from dir. An empty dir loads the
// embedded defaults. Every failure wraps ErrInvalid: a runtime must not
// start (or keep) a policy set it cannot fully validate.
func Load(dir string, opts ...LoadOption) (*Snapshot, error) {
	var lc loadConfig
	for _, opt := range opts {
		opt(&lc)
	}
	var riskRaw, citationRaw, trustRaw []byte
	if dir == "" {
		riskRaw, citationRaw, trustRaw = defaultRiskGrading, defaultCitationPolicy, defaultTrustDynamics
	} else {
		var err error
		if riskRaw, err = os.ReadFile(filepath.Join(dir, RiskGradingFile)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if citationRaw, err = os.ReadFile(filepath.Join(dir, CitationPolicyFile)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if trustRaw, err = os.ReadFile(filepath.Join(dir, TrustDynamicsFile)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	snap := &Snapshot{
		Version: canonical.HashBytes(append(append(
			append([]byte{}, riskRaw...), citationRaw...), trustRaw...)),
	}

	if err := parsePolicyFile(RiskGradingFile, riskRaw, &snap.Risk); err != nil {
		return nil, err
	}
	if err := parsePolicyFile(CitationPolicyFile, citationRaw, &snap.Citation); err != nil {
		return nil, err
	}
	if err := parsePolicyFile(TrustDynamicsFile, trustRaw, &snap.Trust); err != nil {
		return nil, err
	}
	// An omitted ceiling decodes as zero, which would pin every score to
	// the floor.
	if snap.Trust.Ceiling == 0 {
		snap.Trust.Ceiling = 1
	}

	for name, version := range map[string]string{
		RiskGradingFile:    snap.Risk.SchemaVersion,
		CitationPolicyFile: snap.Citation.SchemaVersion,
		TrustDynamicsFile:  snap.Trust.SchemaVersion,
	} {
		v, err := semver.NewVersion(version)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: schemaVersion %q: %v", ErrInvalid, name, version, err)
		}
		if !schemaConstraint.Check(v) {
			return nil, fmt.Errorf("%w: %s: schemaVersion %q outside supported range ^1",
				ErrInvalid, name, version)
		}
	}

	riskForCompile := snap.Risk
	if lc.skipRules {
		riskForCompile.Rules = nil
	}
	c, err := newClassifier(riskForCompile)
	if err != nil {
		return nil, err
	}
	snap.classifier = c
	return snap, nil
}

// parsePolicyFile validates raw against its schema, then decodes into out.
func parsePolicyFile(name string, raw []byte, out any) error {
	if err := validateSchema(name, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return nil
}
