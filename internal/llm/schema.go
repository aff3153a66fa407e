package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/docflow/internal/common"
)

// BuildDocumentJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// It is sent to the model as a structured output constraint and used locally to validate.
func BuildDocumentJSONSchema(documentTypes []string) map[string]any {
	props := map[string]any{
		"document_type": map[string]any{"type": "string", "minLength": 1},
		"title":         map[string]any{"type": "string"},
		"issuer":        map[string]any{"type": "string"},
		"issued_on":     map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		"total":         map[string]any{"type": "string", "pattern": `^-?\d+(\.\d{1,2})?$`},
		"currency_code": map[string]any{"type": "string", "minLength": 3, "maxLength": 3},
		"reference":     map[string]any{"type": "string"},
		"summary":       map[string]any{"type": "string", "minLength": 1},
		"confidence":    map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
	}
	if len(documentTypes) > 0 {
		props["document_type"] = map[string]any{"type": "string", "enum": documentTypes}
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             []string{"document_type", "summary"},
	}
}

// Schema is a compiled JSON schema.
type Schema struct {
	compiled *jsonschema.Schema
}

// CompileSchema compiles schemaMap once for repeated validation.
func CompileSchema(schemaMap map[string]any) (*Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks data against the schema. A mismatch is a ValidationError.
func (s *Schema) Validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return common.NewValidationError("invalid json: %v", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return common.NewValidationError("json does not match schema: %v", err)
	}
	return nil
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	s, err := CompileSchema(schemaMap)
	if err != nil {
		return err
	}
	return s.Validate(data)
}
