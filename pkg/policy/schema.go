package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// policySchema is the JSON Schema every policy definition must satisfy
// before the structural Validate pass runs. Pinned to Draft 2020-12.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "rules"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "role", "purpose", "data_target", "location", "effect"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "role": {"type": "string", "minLength": 1},
          "purpose": {"type": "string", "minLength": 1},
          "data_target": {"type": "string", "minLength": 1},
          "location": {"type": "string", "minLength": 1},
          "effect": {"enum": ["Permit", "Deny"]},
          "retention_days": {"type": "integer", "minimum": 1}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
)

func compiled() *jsonschema.Schema {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "https://custodian.schemas.local/policy.schema.json"
		if err := c.AddResource(url, strings.NewReader(policySchema)); err != nil {
			panic(fmt.Sprintf("policy schema load failed: %v", err))
		}
		compiledSchema = c.MustCompile(url)
	})
	return compiledSchema
}

// Parse decodes a raw JSON policy definition, validating it against the
// policy schema and the structural invariants. Any failure wraps
// ErrSchemaInvalid.
func Parse(raw []byte) (*Policy, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrSchemaInvalid, err)
	}
	if err := compiled().Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
