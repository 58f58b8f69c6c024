package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"
)

// Decision requests are validated against a JSON Schema before any
// pipeline stage sees them, so malformed input is rejected with pointer
// paths instead of surfacing as downstream type errors.
const requestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["requestId", "actorId", "action"],
	"properties": {
		"requestId": {"type": "string", "minLength": 1},
		"actorId": {"type": "string", "minLength": 1},
		"action": {"enum": ["read", "write", "execute", "admin", "network"]},
		"targetPath": {"type": "string"},
		"content": {"type": "string"},
		"context": {"type": "object"}
	}
}`

var compiledRequestSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("decision-request.json", strings.NewReader(requestSchema)); err != nil {
		panic(fmt.Sprintf("runtime: schema resource: %v", err))
	}
	s, err := c.Compile("decision-request.json")
	if err != nil {
		panic(fmt.Sprintf("runtime: compile request schema: %v", err))
	}
	compiledRequestSchema = s
}

// validateRequest checks req against the request schema and returns the
// JSON pointers of the offending locations, empty when the request is
// valid. The request is re-marshaled so the schema sees exactly what the
// wire form would carry.
func validateRequest(req any) []string {
	raw, err := json.Marshal(req)
	if err != nil {
		return []string{""}
	}
	doc, err := jsonschemav6.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []string{""}
	}
	err = compiledRequestSchema.Validate(doc)
	if err == nil {
		return nil
	}

	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{""}
	}
	seen := map[string]bool{}
	collectPointers(verr, seen)
	pointers := make([]string, 0, len(seen))
	for p := range seen {
		pointers = append(pointers, p)
	}
	sort.Strings(pointers)
	return pointers
}

// collectPointers walks to the leaves of a validation error tree; the
// leaves carry the most specific instance locations.
func collectPointers(verr *jsonschema.ValidationError, seen map[string]bool) {
	if len(verr.Causes) == 0 {
		seen[verr.InstanceLocation] = true
		return
	}
	for _, cause := range verr.Causes {
		collectPointers(cause, seen)
	}
}
