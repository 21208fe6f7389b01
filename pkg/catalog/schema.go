package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const catalogSchemaURL = "https://regnexus.dev/schemas/catalog.json"

const catalogSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "regions": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    },
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
    "conflicts": {"type": "array", "items": {"$ref": "#/$defs/conflict"}}
  },
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["id", "jurisdiction"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "jurisdiction": {"type": "string", "minLength": 1},
        "effective_date": {"type": "string"},
        "required_evidence": {"type": "array", "items": {"type": "string"}},
        "requirements": {"type": "array", "items": {"type": "string"}},
        "public_health": {"type": "boolean"},
        "outcome_buckets": {"type": "array", "items": {"type": "string"}},
        "baseline": {"type": "array", "items": {"type": "number", "minimum": 0}, "minItems": 1},
        "applicability": {
          "type": "object",
          "properties": {
            "sectors": {"type": "array", "items": {"type": "string"}},
            "locations": {"type": "array", "items": {"type": "string"}},
            "data_types": {"type": "array", "items": {"type": "string"}},
            "expr": {"type": "string"}
          },
          "additionalProperties": false
        }
      }
    },
    "conflict": {
      "type": "object",
      "required": ["laws", "conflict_type", "severity"],
      "properties": {
        "laws": {"type": "array", "items": {"type": "string"}, "minItems": 2},
        "conflict_type": {"type": "string"},
        "severity": {"type": "number", "minimum": 0, "maximum": 1},
        "strategy": {"enum": ["strictest_requirements", "territorial_priority", "public_health_override"]},
        "description": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(catalogSchemaURL, strings.NewReader(catalogSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add catalog schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(catalogSchemaURL)
	})
	return compiledSchema, schemaErr
}

// validateDocument checks a YAML-decoded document against the catalog
// schema. The document is round-tripped through JSON so numbers and maps
// take the shapes the validator expects.
func validateDocument(doc any) error {
	schema, err := documentSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("document is not representable as JSON: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("document is not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
