package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// programSchemaJSON is the JSON Schema for Program validation. Embedded as a
// constant to avoid filesystem dependencies. The executor never calls this:
// validation is an opt-in front-door check for callers that accept program
// JSON from outside.
const programSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://blockflow.dev/schemas/program.json",
  "type": "object",
  "required": ["blocks"],
  "properties": {
    "name": { "type": "string" },
    "blocks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/block" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "block": {
      "type": "object",
      "required": ["category"],
      "properties": {
        "category": {
          "type": "string",
          "enum": ["prompt", "explore", "judge", "tool", "assign"]
        },
        "content": { "type": "string" },
        "output": { "type": "string" },
        "params": { "$ref": "#/$defs/params" },
        "raw": {}
      },
      "additionalProperties": false
    },
    "params": {
      "type": "object",
      "properties": {
        "model": { "type": "string" },
        "skill": { "type": "string" },
        "args": { "type": "string" },
        "allow_list": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": "string" },
        "engine": {
          "type": "string",
          "enum": ["expr", "jq"]
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	programSchemaOnce sync.Once
	programSchema     *jsonschema.Schema
	programSchemaErr  error
)

func compiledProgramSchema() (*jsonschema.Schema, error) {
	programSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(programSchemaJSON))
		if err != nil {
			programSchemaErr = fmt.Errorf("unmarshal program schema: %w", err)
			return
		}
		if err := c.AddResource("https://blockflow.dev/schemas/program.json", doc); err != nil {
			programSchemaErr = fmt.Errorf("add program schema resource: %w", err)
			return
		}
		programSchema, programSchemaErr = c.Compile("https://blockflow.dev/schemas/program.json")
	})
	return programSchema, programSchemaErr
}

// ValidateProgram checks a program definition against the embedded JSON
// Schema plus the structural rules the schema cannot express (tool blocks
// need a skill name, assign/judge blocks need an output or condition).
func ValidateProgram(p *Program) *ValidationResult {
	result := &ValidationResult{}
	if p == nil {
		result.AddError("", ErrCodeValidation, "program is nil")
		return result
	}

	compiled, err := compiledProgramSchema()
	if err != nil {
		result.AddError("", ErrCodeValidation, err.Error())
		return result
	}

	raw, err := json.Marshal(p)
	if err != nil {
		result.AddError("", ErrCodeValidation, "program is not serializable: "+err.Error())
		return result
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddError("", ErrCodeValidation, "reparse program: "+err.Error())
		return result
	}
	if err := compiled.Validate(doc); err != nil {
		result.AddError("", ErrCodeValidation, err.Error())
	}

	for i := range p.Blocks {
		b := &p.Blocks[i]
		switch b.Category {
		case BlockTool:
			if b.Params.Skill == "" {
				result.AddError(issuePath(i), ErrCodeValidation, "tool block missing skill name")
			}
		case BlockAssign:
			if b.Output == "" {
				result.AddError(issuePath(i), ErrCodeValidation, "assign block missing output variable")
			}
			if b.Content == "" {
				result.AddError(issuePath(i), ErrCodeValidation, "assign block missing expression")
			}
		case BlockJudge:
			if b.Params.Condition == "" && b.Content == "" {
				result.AddError(issuePath(i), ErrCodeValidation, "judge block needs a condition or a prompt")
			}
		case BlockPrompt, BlockExplore:
			if b.Content == "" {
				result.AddWarning(issuePath(i), ErrCodeValidation, "empty prompt content")
			}
		}
	}

	return result
}
