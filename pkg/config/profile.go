package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// Profile is the optional YAML configuration file. It carries the settings
// that have no environment equivalent (registered helper services, router
// tier thresholds, the per-tier ledger-write map, the policy rules toggle)
// plus a server block whose fields the environment may override.
type Profile struct {
	Server   ServerProfile  `yaml:"server"`
	Services []ServiceEntry `yaml:"services"`
	Router   RouterProfile  `yaml:"router"`
	Policy   PolicyProfile  `yaml:"policy"`
}

// ServerProfile mirrors the env-configurable server fields. Pointer fields
// distinguish "absent" from zero values.
type ServerProfile struct {
	Host       string `yaml:"host"`
	Port       *int   `yaml:"port"`
	OpsPort    *int   `yaml:"ops_port"`
	StrictMode *bool  `yaml:"strict_mode"`
}

// ServiceEntry names one external helper probed for /health reporting.
type ServiceEntry struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// RouterProfile tunes tier selection. Absent thresholds keep the router
// defaults; the ledger-write map replaces the default map wholesale when
// present.
type RouterProfile struct {
	Tier3        *TierThresholds `yaml:"tier3"`
	Tier2        *TierThresholds `yaml:"tier2"`
	LedgerWrites map[int]bool    `yaml:"ledger_writes"`
}

// TierThresholds is one tier's firing condition: the tier triggers when
// any axis reaches its threshold rank.
type TierThresholds struct {
	Risk       string `yaml:"risk"`
	Novelty    string `yaml:"novelty"`
	Confidence string `yaml:"confidence"`
}

// PolicyProfile carries policy-loading knobs. DisableRules skips compiling
// the CEL rules of risk_grading.json, leaving only the lexical pass.
type PolicyProfile struct {
	Dir          string `yaml:"dir"`
	DisableRules bool   `yaml:"disable_rules"`
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	for i, svc := range profile.Services {
		if svc.Name == "" || svc.URL == "" {
			return nil, fmt.Errorf("config: profile service %d requires name and url", i)
		}
	}
	if err := profile.Router.validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// apply copies the profile's server overrides onto cfg. Load calls this
// before reading the environment, so env values still win.
func (p *Profile) apply(cfg *Config) {
	if p.Server.Host != "" {
		cfg.APIHost = p.Server.Host
	}
	if p.Server.Port != nil {
		cfg.APIPort = *p.Server.Port
	}
	if p.Server.OpsPort != nil {
		cfg.OpsPort = *p.Server.OpsPort
	}
	if p.Server.StrictMode != nil {
		cfg.StrictMode = *p.Server.StrictMode
	}
	if p.Policy.Dir != "" {
		cfg.PolicyDir = p.Policy.Dir
	}
}

func (r RouterProfile) validate() error {
	for name, t := range map[string]*TierThresholds{"tier3": r.Tier3, "tier2": r.Tier2} {
		if t == nil {
			continue
		}
		if t.Risk != "" && !validRisk(t.Risk) {
			return fmt.Errorf("config: profile router.%s.risk %q is not R0..R3", name, t.Risk)
		}
		if t.Novelty != "" && !validNovelty(t.Novelty) {
			return fmt.Errorf("config: profile router.%s.novelty %q is not low|medium|high", name, t.Novelty)
		}
		if t.Confidence != "" && !validConfidence(t.Confidence) {
			return fmt.Errorf("config: profile router.%s.confidence %q is not high|medium|low", name, t.Confidence)
		}
	}
	for tier := range r.LedgerWrites {
		if tier < 0 || tier > 3 {
			return fmt.Errorf("config: profile router.ledger_writes tier %d outside 0..3", tier)
		}
	}
	return nil
}

func validRisk(s string) bool {
	switch contracts.RouterRisk(s) {
	case contracts.RouterRiskR0, contracts.RouterRiskR1, contracts.RouterRiskR2, contracts.RouterRiskR3:
		return true
	}
	return false
}

func validNovelty(s string) bool {
	switch contracts.Novelty(s) {
	case contracts.NoveltyLow, contracts.NoveltyMedium, contracts.NoveltyHigh:
		return true
	}
	return false
}

func validConfidence(s string) bool {
	switch contracts.Confidence(s) {
	case contracts.ConfidenceHigh, contracts.ConfidenceMedium, contracts.ConfidenceLow:
		return true
	}
	return false
}
