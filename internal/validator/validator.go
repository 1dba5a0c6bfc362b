// Package validator checks workflow documents against the workflow JSON
// schema before they are decoded and checked as graphs.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/graph"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Validator validates workflow documents.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool                    `json:"valid"`
	Errors []types.ValidationIssue `json:"errors,omitempty"`
}

// Err returns a *types.ValidationError when the result is invalid.
func (r *ValidationResult) Err(workflowID string) error {
	if r.Valid {
		return nil
	}
	return &types.ValidationError{WorkflowID: workflowID, Issues: r.Errors}
}

func invalid(path, format string, args ...any) *ValidationResult {
	return &ValidationResult{
		Valid:  false,
		Errors: []types.ValidationIssue{{Path: path, Message: fmt.Sprintf(format, args...)}},
	}
}

// New creates a new validator with the embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("workflow.json", strings.NewReader(workflowSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	workflowSchema, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{workflowSchema: workflowSchema}, nil
}

// ValidateWorkflow validates a decoded JSON workflow document.
func (v *Validator) ValidateWorkflow(doc map[string]any) *ValidationResult {
	return v.validate(v.workflowSchema, doc)
}

// ValidateWorkflowJSON validates a JSON-encoded workflow.
func (v *Validator) ValidateWorkflowJSON(data []byte) *ValidationResult {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid("$", "invalid JSON: %v", err)
	}
	return v.ValidateWorkflow(doc)
}

// ParseWorkflow decodes a YAML or JSON workflow document, validates it
// against the schema and then as a graph. The workflow is returned whenever
// it could be decoded, even if it is invalid.
func (v *Validator) ParseWorkflow(data []byte) (*types.Workflow, *ValidationResult) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, invalid("$", "invalid YAML: %v", err)
	}
	if raw == nil {
		return nil, invalid("$", "document is empty")
	}

	// Re-encode as JSON so the schema sees JSON types and the workflow is
	// decoded with the same tags the API uses.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, invalid("$", "document is not representable as JSON: %v", err)
	}
	res := v.ValidateWorkflowJSON(data)
	if !res.Valid {
		return nil, res
	}

	var wf types.Workflow
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wf); err != nil {
		return nil, invalid("$", "decode workflow: %v", err)
	}
	gres := graph.Validate(&wf)
	return &wf, &ValidationResult{Valid: gres.Valid, Errors: gres.Errors}
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data any) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	}
	if len(result.Errors) == 0 {
		result.Errors = []types.ValidationIssue{{Path: "$", Message: err.Error()}}
	}
	return result
}

// extractErrors flattens the leaf causes of a schema error.
func extractErrors(verr *jsonschema.ValidationError) []types.ValidationIssue {
	if len(verr.Causes) == 0 {
		path := verr.InstanceLocation
		if path == "" {
			path = "$"
		}
		return []types.ValidationIssue{{Path: path, Message: verr.Message}}
	}
	var issues []types.ValidationIssue
	for _, cause := range verr.Causes {
		issues = append(issues, extractErrors(cause)...)
	}
	return issues
}

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow",
  "description": "Schema for flowengine workflow definitions",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable workflow name"
    },
    "description": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/node"},
      "description": "Units of work"
    },
    "edges": {
      "type": ["array", "null"],
      "items": {"$ref": "#/$defs/edge"}
    },
    "triggers": {
      "type": ["array", "null"],
      "items": {"$ref": "#/$defs/trigger"}
    },
    "variables": {
      "type": ["object", "null"],
      "description": "Workflow variables visible to expressions as vars"
    },
    "tags": {
      "type": ["array", "null"],
      "items": {"type": "string"}
    },
    "failure_policy": {"$ref": "#/$defs/failurePolicy"},
    "timeout_seconds": {
      "type": "integer",
      "minimum": 0,
      "description": "Run deadline; 0 uses the engine default"
    },
    "version": {"type": "integer", "minimum": 0},
    "created_by": {"type": "string"},
    "updated_by": {"type": "string"},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"},
    "deleted_at": {"type": ["string", "null"]}
  },
  "additionalProperties": false,
  "$defs": {
    "failurePolicy": {
      "type": "string",
      "enum": ["", "fail_fast", "continue"]
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$",
          "description": "Node identifier, also the key of its outputs"
        },
        "name": {"type": "string"},
        "type": {
          "type": "string",
          "minLength": 1,
          "description": "Executor type"
        },
        "config": {"type": ["object", "null"]},
        "inputs": {"type": ["array", "null"], "items": {"type": "string"}},
        "outputs": {"type": ["array", "null"], "items": {"type": "string"}},
        "retries": {
          "type": "integer",
          "minimum": -1,
          "maximum": 10,
          "description": "Retries after the first attempt (0 = engine default, -1 = none)"
        },
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "join": {"type": "string", "enum": ["", "any", "all"]},
        "on_failure": {"$ref": "#/$defs/failurePolicy"}
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "id": {"type": "string"},
        "from": {"type": "string", "minLength": 1},
        "to": {"type": "string", "minLength": 1},
        "condition": {
          "type": "string",
          "maxLength": 4096,
          "description": "Boolean expression over inputs, vars, payload and run"
        }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"type": "string", "enum": ["manual", "webhook", "schedule"]},
        "config": {"type": ["object", "null"]},
        "status": {"type": "string", "enum": ["", "active", "disabled"]},
        "entry_nodes": {"type": ["array", "null"], "items": {"type": "string"}},
        "filter": {
          "type": "string",
          "maxLength": 2048,
          "description": "CEL predicate over payload and trigger"
        }
      },
      "additionalProperties": false
    }
  }
}`
