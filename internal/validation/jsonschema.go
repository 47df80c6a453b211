package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/graphrun/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for GraphConfig documents. It checks the
// document's shape only; type tags, cycles and dangling edges are left to
// graph.Parse.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://graphrun.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "data"],
      "properties": {
        "id": { "type": "string", "minLength": 1, "pattern": "^[a-zA-Z0-9_\\-]{1,64}$" },
        "parentId": { "type": "string" },
        "data": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": { "type": "string", "minLength": 1 },
            "title": { "type": "string" },
            "error_strategy": { "enum": ["", "fail-branch", "default-value"] },
            "retry_config": { "$ref": "#/$defs/retry" }
          }
        }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": "string" }
      }
    },
    "retry": {
      "type": "object",
      "properties": {
        "retry_enabled": { "type": "boolean" },
        "max_retries": { "type": "integer", "minimum": 0, "maximum": 10 },
        "retry_interval": { "type": "integer", "minimum": 0 },
        "backoff": { "enum": ["", "constant", "linear", "exponential"] },
        "max_interval": { "type": "integer", "minimum": 0 }
      }
    }
  }
}`

// JSONSchemaValidator implements Validator. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema

	// mu guards the form schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the graph schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://graphrun.dev/schemas/graph.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	graphSchema, err := c.Compile("https://graphrun.dev/schemas/graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &JSONSchemaValidator{
		graphSchema: graphSchema,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateGraph checks cfg against the graph document schema. Violations are
// configuration errors.
func (v *JSONSchemaValidator) ValidateGraph(cfg schema.GraphConfig) error {
	doc, err := toJSONValue(cfg)
	if err != nil {
		return schema.ConfigurationError("failed to serialize graph").WithCause(err)
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		ge := toGraphError(err)
		ge.Code = schema.ErrCodeConfiguration
		return ge
	}
	return nil
}

// ValidateForm checks a human-input submission against the form's fields.
// The schema derived from fields is compiled once and cached.
func (v *JSONSchemaValidator) ValidateForm(fields []schema.FormField, values map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if values == nil {
		values = map[string]any{}
	}

	raw, err := formSchema(fields)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid form definition").WithCause(err)
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid form definition").WithCause(err)
	}

	doc, err := toJSONValue(values)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize form values").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toGraphError(err)
	}
	return nil
}

// formSchema renders form fields as an object schema.
func formSchema(fields []schema.FormField) ([]byte, error) {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Variable == "" {
			return nil, fmt.Errorf("form field without variable")
		}
		prop := map[string]any{}
		switch f.Type {
		case "number":
			prop["type"] = "number"
		case "boolean":
			prop["type"] = "boolean"
		case "select":
			prop["type"] = "string"
			if len(f.Options) > 0 {
				prop["enum"] = f.Options
			}
		default: // text, paragraph
			prop["type"] = "string"
		}
		props[f.Variable] = prop
		if f.Required {
			required = append(required, f.Variable)
		}
	}
	return json.Marshal(map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
		"required":   required,
	})
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("graphrun://form-schema/%d", len(v.cache))

	// Fresh compiler per schema to avoid resource collisions.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toGraphError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation.
func toGraphError(err error) *schema.GraphError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
