package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the JSON Schema for workflow document validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chispa.dev/schemas/workflow.json",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "items": { "$ref": "#/$defs/task" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "task": {
      "type": "object",
      "required": ["name", "command"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "command": {
          "type": "string",
          "minLength": 1
        },
        "dependencies": {
          "type": "array",
          "items": { "type": "string" }
        },
        "if": { "type": "string" },
        "retries": {
          "type": "integer",
          "minimum": 0
        },
        "timeout": {
          "type": "integer",
          "minimum": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	workflowSchemaOnce sync.Once
	workflowSchema     *jsonschema.Schema
	workflowSchemaErr  error
)

func compiledWorkflowSchema() (*jsonschema.Schema, error) {
	workflowSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(workflowSchemaJSON)))
		if err != nil {
			workflowSchemaErr = fmt.Errorf("unmarshal workflow schema: %w", err)
			return
		}
		if err := c.AddResource("https://chispa.dev/schemas/workflow.json", doc); err != nil {
			workflowSchemaErr = fmt.Errorf("add workflow schema resource: %w", err)
			return
		}
		workflowSchema, workflowSchemaErr = c.Compile("https://chispa.dev/schemas/workflow.json")
	})
	return workflowSchema, workflowSchemaErr
}

// ValidateWorkflowDocument validates a decoded workflow document against the
// workflow JSON Schema. The value is round-tripped through JSON so that YAML
// decodings validate identically to JSON ones.
func ValidateWorkflowDocument(doc any) error {
	sch, err := compiledWorkflowSchema()
	if err != nil {
		return NewError(ErrCodeValidation, "workflow schema unavailable").WithCause(err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return NewError(ErrCodeValidation, "workflow document is not serializable").WithCause(err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return NewError(ErrCodeValidation, "workflow document is not valid JSON").WithCause(err)
	}

	if err := sch.Validate(value); err != nil {
		return NewErrorf(ErrCodeValidation, "invalid workflow document: %v", err).WithCause(err)
	}
	return nil
}
