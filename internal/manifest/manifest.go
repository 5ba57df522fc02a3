// Package manifest validates deploy configuration against an embedded JSON
// Schema. The schema is compiled once at startup; validation itself is pure.
package manifest

import (
	"embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

const deployConfigSchema = "arclight.deploy.config.schema.json"

// Validator checks deploy config documents.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded deploy config schema.
func NewValidator() (*Validator, error) {
	data, err := embeddedSchemas.ReadFile("schemas/deploy.config.schema.json")
	if err != nil {
		return nil, fmt.Errorf("manifest: read embedded schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(deployConfigSchema, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("manifest: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(deployConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("manifest: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ValidateConfig checks a deploy config document. A nil config is valid;
// every field is optional, but present fields must conform.
func (v *Validator) ValidateConfig(config map[string]any) error {
	if config == nil {
		return nil
	}
	if err := v.schema.Validate(normalize(config)); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return fmt.Errorf("manifest: invalid deploy config: %s", flatten(ve))
		}
		return fmt.Errorf("manifest: invalid deploy config: %w", err)
	}
	return nil
}

// normalize rewrites decoded JSON numbers so the schema library sees
// json-compatible types regardless of how the caller decoded the document.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return v
	}
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flatten collects leaf causes into one bounded message.
func flatten(err *jsonschema.ValidationError) string {
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(err)
	if len(parts) > 5 {
		parts = parts[:5]
	}
	return strings.Join(parts, "; ")
}
