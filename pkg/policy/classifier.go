package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/unicode/norm"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// celCostLimit bounds rule evaluation; a policy file cannot stall routing.
const celCostLimit = 10000

// classifier is the compiled form of a RiskPolicy: marker lists, secret
// patterns and CEL programs, ready for the hot path.
type classifier struct {
	highMarkers   []string
	mediumMarkers []string
	secretRes     []*regexp.Regexp
	rules         []compiledRule
}

type compiledRule struct {
	name string
	prg  cel.Program
}

func newClassifier(p RiskPolicy) (*classifier, error) {
	c := &classifier{
		highMarkers:   lowerAll(p.HighRiskMarkers),
		mediumMarkers: lowerAll(p.MediumRiskMarkers),
	}

	for _, pattern := range p.SecretContentPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: secret pattern %q: %v", ErrInvalid, pattern, err)
		}
		c.secretRes = append(c.secretRes, re)
	}

	if len(p.Rules) == 0 {
		return c, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: cel env: %v", ErrInvalid, err)
	}
	for _, rule := range p.Rules {
		ast, iss := env.Compile(rule.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalid, rule.Name, iss.Err())
		}
		prg, err := env.Program(ast,
			cel.CostLimit(celCostLimit),
			cel.InterruptCheckFrequency(100),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalid, rule.Name, err)
		}
		c.rules = append(c.rules, compiledRule{name: rule.Name, prg: prg})
	}
	return c, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// normalizePath folds the path to its NFKC lowercase form so lookalike
// unicode in a target path cannot dodge the lexical markers.
func normalizePath(path string) string {
	return strings.ToLower(norm.NFKC.String(path))
}

// RouterRisk grades an event for the router. CEL rules run first and may
// pin any grade including R0; a rule error falls through to the lexical
// pass rather than blocking the event.
func (s *Snapshot) RouterRisk(path string, action contracts.ActionKind, size int64, logger *slog.Logger) contracts.RouterRisk {
	p := normalizePath(path)

	for _, rule := range s.classifier.rules {
		out, _, err := rule.prg.Eval(map[string]any{
			"path":   p,
			"action": string(action),
			"size":   size,
		})
		if err != nil {
			if logger != nil {
				logger.Warn("risk rule failed, falling through",
					slog.String("rule", rule.name), slog.String("error", err.Error()))
			}
			continue
		}
		switch grade, _ := out.Value().(string); grade {
		case "R0":
			return contracts.RouterRiskR0
		case "R1":
			return contracts.RouterRiskR1
		case "R2":
			return contracts.RouterRiskR2
		case "R3":
			return contracts.RouterRiskR3
		}
	}

	if containsAny(p, s.classifier.highMarkers) {
		return contracts.RouterRiskR3
	}
	if containsAny(p, s.classifier.mediumMarkers) {
		return contracts.RouterRiskR2
	}
	return contracts.RouterRiskR1
}

// Grade assigns the policy-level risk grade from the target path, then
// upgrades one level when the content carries secret material.
func (s *Snapshot) Grade(path, content string) contracts.RiskGrade {
	p := normalizePath(path)

	grade := contracts.RiskL1
	if containsAny(p, s.classifier.highMarkers) {
		grade = contracts.RiskL3
	} else if containsAny(p, s.classifier.mediumMarkers) {
		grade = contracts.RiskL2
	}

	if content != "" && grade != contracts.RiskL3 {
		for _, re := range s.classifier.secretRes {
			if re.MatchString(content) {
				grade = upgrade(grade)
				break
			}
		}
	}
	return grade
}

func upgrade(g contracts.RiskGrade) contracts.RiskGrade {
	switch g {
	case contracts.RiskL1:
		return contracts.RiskL2
	case contracts.RiskL2:
		return contracts.RiskL3
	}
	return contracts.RiskL3
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
