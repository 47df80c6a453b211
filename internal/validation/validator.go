package validation

import "github.com/rendis/graphrun/pkg/schema"

// Validator checks graph documents before parsing and human-input submissions
// before a paused run resumes. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateGraph(cfg schema.GraphConfig) error
	ValidateForm(fields []schema.FormField, values map[string]any) error
}
