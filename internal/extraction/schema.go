package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/docproc-dashboard/backend/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// fieldsSchema describes the fields extraction response. Every key that
// is not metadata must be an extraction field.
func fieldsSchema() map[string]any {
	field := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value":            nullable("string"),
			"source_excerpt":   nullable("string"),
			"confidence_score": map[string]any{"type": []string{"number", "null"}, "minimum": 0, "maximum": 100},
		},
	}
	return map[string]any{
		"type":              "object",
		"required":          models.KnownFields,
		"patternProperties": map[string]any{"^[^_]": field},
	}
}

func productsSchema() map[string]any {
	supplier := map[string]any{
		"type":     "object",
		"required": []string{"seller", "link"},
		"properties": map[string]any{
			"seller": map[string]any{"type": "string"},
			"specs":  nullable("string"),
			"link":   map[string]any{"type": "string"},
			"price":  nullable("string"),
		},
	}
	product := map[string]any{
		"type":     "object",
		"required": []string{"product_name", "supplier_search"},
		"properties": map[string]any{
			"sheet_name":             nullable("string"),
			"product_name":           map[string]any{"type": "string"},
			"technical_requirements": nullable("string"),
			"confidence_score":       nullable("number"),
			"reason":                 nullable("string"),
			"supplier_search": map[string]any{
				"type":     "object",
				"required": []string{"suppliers"},
				"properties": map[string]any{
					"status":        nullable("string"),
					"search_reason": nullable("string"),
					"suppliers":     map[string]any{"type": "array", "items": supplier},
				},
			},
		},
	}
	return map[string]any{
		"type":       "object",
		"required":   []string{"products"},
		"properties": map[string]any{"products": map[string]any{"type": "array", "items": product}},
	}
}

func nullable(typ string) map[string]any {
	return map[string]any{"type": []string{typ, "null"}}
}

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validatePayload checks raw JSON against schema.
func validatePayload(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
