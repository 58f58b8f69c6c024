package policy

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"
)

// JSON Schemas for the three policy files, compiled once at package init.
// Validation runs before decoding so error messages point at the offending
// document location rather than a Go unmarshal failure.

const riskGradingSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schemaVersion", "highRiskMarkers", "mediumRiskMarkers"],
	"properties": {
		"schemaVersion": {"type": "string", "minLength": 1},
		"highRiskMarkers": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"mediumRiskMarkers": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"secretContentPatterns": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "expr"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"expr": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

const citationPolicySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schemaVersion", "enforce", "minSources"],
	"properties": {
		"schemaVersion": {"type": "string", "minLength": 1},
		"enforce": {"type": "boolean"},
		"minSources": {"type": "integer", "minimum": 0},
		"trustedDomains": {"type": "array", "items": {"type": "string"}}
	}
}`

const trustDynamicsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schemaVersion", "initialTrust", "approvalDelta", "rejectionDelta"],
	"properties": {
		"schemaVersion": {"type": "string", "minLength": 1},
		"initialTrust": {"type": "number", "minimum": 0, "maximum": 1},
		"approvalDelta": {"type": "number"},
		"rejectionDelta": {"type": "number"},
		"floor": {"type": "number", "minimum": 0},
		"ceiling": {"type": "number", "maximum": 1}
	}
}`

var compiledSchemas = map[string]*jsonschema.Schema{}

func init() {
	for name, source := range map[string]string{
		RiskGradingFile:    riskGradingSchema,
		CitationPolicyFile: citationPolicySchema,
		TrustDynamicsFile:  trustDynamicsSchema,
	} {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(name, strings.NewReader(source)); err != nil {
			panic(fmt.Sprintf("policy: schema resource %s: %v", name, err))
		}
		s, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("policy: compile schema %s: %v", name, err))
		}
		compiledSchemas[name] = s
	}
}

// validateSchema checks raw against the named schema.
func validateSchema(name string, raw []byte) error {
	doc, err := jsonschemav6.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	if err := compiledSchemas[name].Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return nil
}
