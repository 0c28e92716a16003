package ai

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const gradingSchemaURL = "gema://grading-result.schema.json"

const gradingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["score", "comments"],
  "properties": {
    "score": {"type": "number", "minimum": 0},
    "comments": {"type": "string"},
    "analysis": {"type": "object"},
    "anomalies": {"type": "array", "items": {"type": "string"}},
    "task_scores": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["task_type_id", "score"],
        "properties": {
          "task_type_id": {"type": "integer", "minimum": 1},
          "score": {"type": "number", "minimum": 0},
          "comment": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func gradingResultSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(gradingSchemaURL, strings.NewReader(gradingSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(gradingSchemaURL)
	})
	return compiledSchema, schemaErr
}

func validateGradingPayload(payload interface{}) error {
	schema, err := gradingResultSchema()
	if err != nil {
		return fmt.Errorf("compile grading schema: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("grading response does not match schema: %w", err)
	}
	return nil
}
